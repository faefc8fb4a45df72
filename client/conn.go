package client

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swl10/httpc/lib/bytebuf"
	"github.com/swl10/httpc/lib/queue"
	"github.com/swl10/httpc/transfer"
	"github.com/swl10/httpc/transport"
	"github.com/swl10/httpc/wire"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// connMode tracks the send side of the connection state machine.
type connMode uint8

const (
	// connReady accepts the next queued request.
	connReady connMode = iota
	// connBodyWaiting holds the body back for 100 Continue.
	connBodyWaiting
	// connBodySending streams the body source out.
	connBodySending
	// connCloseWait drains pending responses, then the socket closes.
	// Terminal.
	connCloseWait
)

const ioChunkSize = 8192

// ioPollWait bounds one opportunistic read or write. Would-block
// emulation over deadlines needs a deadline in the future: a deadline
// already in the past fails the operation without moving any bytes.
const ioPollWait = 10 * time.Millisecond

func pollDeadline() time.Time { return time.Now().Add(ioPollWait) }

// Connection owns one socket to one target and runs the HTTP/1.1
// send/receive machinery over it. It is driven by exactly one worker
// at a time through Cycle, which never blocks.
type Connection struct {
	id     uint64
	target Target
	client *Client
	clk    clock.Clock
	log    *slog.Logger

	// sockMu guards publication of sock and connected: the owner
	// writes them on connect and teardown while the abandoned sweep
	// reads them from another goroutine.
	sockMu    sync.Mutex
	sock      transport.Conn
	connected bool
	usedOnce  bool

	mode      connMode
	requests  *queue.FIFO[*Request]
	current   *Request
	responses *queue.FIFO[*Response]
	curResp   *Response

	sendBuf    []byte
	sendLength transfer.Length
	recvBuf    bytebuf.Buffer
	readTmp    []byte

	// continueAt is the deadline for the 100 Continue wait.
	continueAt time.Time
	// bodyRemaining counts the unsent bytes of a counted request
	// body; zero for chunked bodies.
	bodyRemaining uint64
	// abortBody truncates a chunked body at the next refill, after an
	// early final response.
	abortBody bool

	eof    bool
	closed bool

	// owner is the worker the connection is bound to, nil while idle.
	// Guarded by the pool lock.
	owner *Worker

	// lastActive is unixnano of the last Cycle or pool transition,
	// read by the sweeps without the pool lock.
	lastActive atomic.Int64
}

func newConnection(id uint64, target Target, c *Client) *Connection {
	conn := &Connection{
		id:        id,
		target:    target,
		client:    c,
		clk:       c.opts.Clock,
		log:       c.opts.Logger.With(slog.Uint64("conn", id), slog.String("target", target.String())),
		requests:  queue.NewFIFO[*Request](0),
		responses: queue.NewFIFO[*Response](0),
		readTmp:   make([]byte, ioChunkSize),
	}
	conn.touch()
	return conn
}

func (c *Connection) touch() { c.lastActive.Store(c.clk.Now().UnixNano()) }

// queueRequest appends a request to the send queue. The caller must
// own the connection.
func (c *Connection) queueRequest(req *Request) {
	c.requests.Enqueue(req)
}

// idle reports whether the connection has no work left and may return
// to the pool.
func (c *Connection) idle() bool {
	return !c.closed &&
		c.mode == connReady &&
		c.current == nil &&
		c.requests.Len() == 0 &&
		!c.responsePending()
}

func (c *Connection) responsePending() bool {
	return c.curResp != nil || c.responses.Len() > 0
}

// Cycle runs one non-blocking pump iteration: dequeue, connect,
// flush, refill, read, deliver. It reports the connection's remaining
// I/O interests so the worker can run a bounded readiness wait.
func (c *Connection) Cycle(ctx context.Context) (wantRead, wantWrite bool) {
	if c.closed {
		return false, false
	}
	c.touch()

	c.startNext(ctx)
	if c.closed {
		return false, false
	}

	c.writeStep()
	if c.closed {
		return false, false
	}

	c.readStep(pollDeadline())
	if c.closed {
		return false, false
	}

	if c.mode == connCloseWait && !c.responsePending() && len(c.sendBuf) == 0 {
		c.shutdown(nil)
		return false, false
	}

	wantRead = c.responsePending()
	wantWrite = len(c.sendBuf) > 0 ||
		(c.mode == connBodySending && c.current != nil)
	return wantRead, wantWrite
}

// startNext dequeues a request when the connection is ready for one.
// An idempotent request may pipeline behind a pending response; a
// non-idempotent one waits for a quiet wire.
func (c *Connection) startNext(ctx context.Context) {
	if c.mode != connReady || c.current != nil {
		return
	}
	req, err := c.requests.Peek()
	if err != nil {
		return
	}
	if !req.Idempotent() && c.responsePending() {
		return
	}
	c.requests.Dequeue()

	if err := c.startRequest(ctx, req); err != nil {
		c.shutdown(err)
	}
}

func (c *Connection) startRequest(ctx context.Context, req *Request) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	hasBody := req.Body != nil
	bodyLen := int64(-1)
	if hasBody {
		bodyLen = req.Body.Len()
	}
	length, err := transfer.RequestLength(req.Headers, bodyLen, hasBody)
	if err != nil {
		return err
	}
	switch {
	case length.Chunked:
		if !req.Headers.Has("Transfer-Encoding") {
			req.Headers.Set("Transfer-Encoding", "chunked")
		}
	case hasBody:
		req.Headers.Set("Content-Length", strconv.FormatUint(length.N, 10))
	}
	c.sendLength = length

	line := wire.RequestLine{
		Method:  req.Method,
		Target:  req.requestTarget(),
		Version: req.Version,
	}
	c.sendBuf = append(c.sendBuf, line.Text()...)
	c.sendBuf = append(c.sendBuf, wire.CRLF...)
	for _, f := range req.Headers.Fields() {
		c.sendBuf = append(c.sendBuf, f.Text()...)
		c.sendBuf = append(c.sendBuf, wire.CRLF...)
	}
	c.sendBuf = append(c.sendBuf, wire.CRLF...)

	c.responses.Enqueue(newResponse(req))

	if !hasBody || (length.Known && length.N == 0) {
		// Nothing to stream; the head in the send buffer is all.
		return nil
	}
	if req.bodySent {
		// The body was consumed by an earlier send cycle over this
		// request; a resend starts it over.
		if err := req.Body.Rewind(); err != nil {
			return err
		}
		req.bodySent = false
	}
	c.current = req
	if !length.Chunked && length.Known {
		c.bodyRemaining = length.N
	} else {
		c.bodyRemaining = 0
	}
	if req.expectContinue {
		c.mode = connBodyWaiting
		c.continueAt = c.clk.Now().Add(c.client.opts.Timeouts.Continue)
	} else {
		c.mode = connBodySending
	}
	c.log.Debug("request started", slog.String("method", req.Method))
	return nil
}

// ensureConnected opens the socket lazily, probing reused idle
// sockets for a silent server hang-up first.
func (c *Connection) ensureConnected(ctx context.Context) error {
	if c.connected {
		if !c.usedOnce || c.responsePending() {
			return nil
		}
		if c.probeStale() {
			c.log.Debug("stale socket detected, reconnecting")
			c.sock.Close()
			c.sockMu.Lock()
			c.connected = false
			c.sockMu.Unlock()
		} else {
			return nil
		}
	}

	addr, err := c.client.pool.resolve(ctx, c.target)
	if err != nil {
		return connErr(c.target, err)
	}

	var cfg *tls.Config
	if c.target.TLS() {
		if base := c.client.opts.TLS; base != nil {
			cfg = base.Clone()
		} else {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = c.target.Host
		}
	}

	sock, err := c.client.opts.Dialer.Dial(ctx, addr, cfg)
	if err != nil {
		return connErr(c.target, err)
	}
	c.sockMu.Lock()
	c.sock = sock
	c.connected = true
	c.sockMu.Unlock()
	c.usedOnce = false
	c.log.Info("connected", slog.String("addr", addr))
	return nil
}

// probeStale performs a short bounded read on an idle socket. Any
// data or EOF means the server has given up on this connection.
func (c *Connection) probeStale() bool {
	c.sock.SetReadDeadline(pollDeadline())
	n, err := c.sock.Read(c.readTmp)
	switch {
	case n > 0:
		return true
	case err == nil, transport.IsBlocked(err):
		return false
	default:
		return true
	}
}

// writeStep flushes the send buffer and refills it from the body
// source, honoring the 100 Continue wait.
func (c *Connection) writeStep() {
	c.flush()
	if c.closed {
		return
	}

	if c.mode == connBodyWaiting && !c.clk.Now().Before(c.continueAt) {
		c.log.Warn("no 100 Continue within timeout, sending body")
		c.mode = connBodySending
	}

	if len(c.sendBuf) > 0 || c.mode != connBodySending || c.current == nil {
		return
	}
	c.refillBody()
	c.flush()
}

func (c *Connection) flush() {
	if len(c.sendBuf) == 0 || !c.connected {
		return
	}
	c.sock.SetWriteDeadline(pollDeadline())
	n, err := c.sock.Write(c.sendBuf)
	if n > 0 {
		c.usedOnce = true
		c.markWireStarted()
		c.sendBuf = c.sendBuf[n:]
		if len(c.sendBuf) == 0 {
			c.sendBuf = nil
		}
	}
	if err != nil && !transport.IsBlocked(err) {
		c.shutdown(connErr(c.target, errors.Wrap(err, "writing")))
	}
}

// markWireStarted records, for every request with bytes on this
// connection, that its send cycle reached the wire.
func (c *Connection) markWireStarted() {
	if c.current != nil {
		c.current.wireStarted = true
	}
	if c.curResp != nil {
		c.curResp.request.wireStarted = true
	}
	for _, resp := range c.responses.Snapshot() {
		resp.request.wireStarted = true
	}
}

func (c *Connection) refillBody() {
	req := c.current

	if c.abortBody {
		// The server already answered; close the chunked body early
		// so the connection survives.
		c.abortBody = false
		c.sendBuf = transfer.AppendLastChunk(c.sendBuf)
		c.releaseRequest(false)
		return
	}

	buf := make([]byte, ioChunkSize)
	n, err := req.Body.Read(buf)
	if n > 0 {
		if c.sendLength.Chunked {
			c.sendBuf = transfer.AppendChunk(c.sendBuf, buf[:n])
		} else {
			c.sendBuf = append(c.sendBuf, buf[:n]...)
			if uint64(n) < c.bodyRemaining {
				c.bodyRemaining -= uint64(n)
			} else {
				c.bodyRemaining = 0
			}
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if c.sendLength.Chunked {
			c.sendBuf = transfer.AppendLastChunk(c.sendBuf)
		}
		c.releaseRequest(true)
	default:
		c.shutdown(errors.Wrap(err, "reading request body"))
	}
}

func (c *Connection) releaseRequest(fullySent bool) {
	if c.current != nil {
		c.current.bodySent = fullySent
		c.current = nil
	}
	if c.mode == connBodyWaiting || c.mode == connBodySending {
		c.mode = connReady
	}
}

// awaitRead blocks until bytes arrive or the deadline passes,
// delivering whatever came in. It is the worker's readiness wait.
func (c *Connection) awaitRead(deadline time.Time) {
	if c.closed || !c.connected {
		return
	}
	c.fillRecv(deadline)
	if !c.closed {
		c.deliver()
	}
}

// readStep pulls any ready bytes off the socket and advances the head
// response.
func (c *Connection) readStep(deadline time.Time) {
	if c.connected && (c.responsePending() || c.recvBuf.Len() > 0) {
		c.fillRecv(deadline)
		if c.closed {
			return
		}
	}
	c.deliver()
}

// fillRecv reads from the socket until it would block, appending to
// the receive buffer. The deadline bounds the first read; follow-up
// reads are non-blocking drains.
func (c *Connection) fillRecv(deadline time.Time) {
	for {
		c.sock.SetReadDeadline(deadline)
		n, err := c.sock.Read(c.readTmp)
		if n > 0 {
			c.recvBuf.Append(c.readTmp[:n])
		}
		switch {
		case err == nil:
			deadline = pollDeadline()
			continue
		case transport.IsBlocked(err):
			return
		case errors.Is(err, io.EOF):
			c.eof = true
			return
		default:
			c.shutdown(connErr(c.target, errors.Wrap(err, "reading")))
			return
		}
	}
}

// deliver feeds buffered bytes into the response pipeline, rotating
// in the next queued response whenever the head one completes.
func (c *Connection) deliver() {
	for !c.closed {
		if c.curResp == nil {
			resp, err := c.responses.Dequeue()
			if err != nil {
				break
			}
			c.curResp = resp
		}
		resp := c.curResp

		progressed := false
		switch need := resp.need(); {
		case need == needNone:

		case need == needLine:
			if line, ok := c.recvBuf.ReadLine(); ok {
				if err := resp.feedLine(line); err != nil {
					c.shutdown(err)
					return
				}
				progressed = true
			}

		case need == needClose:
			if p := c.recvBuf.Next(c.recvBuf.Len()); len(p) > 0 {
				if err := resp.feedData(p); err != nil {
					c.shutdown(err)
					return
				}
				progressed = true
			}

		default:
			if p := c.recvBuf.Next(uint(need)); len(p) > 0 {
				if err := resp.feedData(p); err != nil {
					c.shutdown(err)
					return
				}
				progressed = true
			}
		}

		if resp.done() {
			if resp.interim() {
				c.handleInterim(resp)
				continue
			}
			c.curResp = nil
			c.responseDone(resp)
			continue
		}

		if !progressed {
			// Starved for bytes. A closed peer either finishes an
			// until-close body or kills the exchange; a partial line
			// left in the buffer can never complete once the peer is
			// gone.
			if c.eof {
				if err := resp.serverClosed(); err != nil {
					c.shutdown(connErr(c.target, err))
					return
				}
				continue
			}
			break
		}
	}

	if c.eof && !c.responsePending() && !c.closed {
		// Server closed an otherwise quiet connection.
		c.shutdown(nil)
	}
}

// handleInterim consumes a completed 1xx response and re-arms the
// machine for the final one. A 100 while the body is held back
// releases it.
func (c *Connection) handleInterim(resp *Response) {
	if resp.Status == 100 && c.mode == connBodyWaiting && c.current == resp.request {
		c.log.Debug("100 Continue received")
		c.mode = connBodySending
	}
	resp.resetInterim()
}

// responseDone hands a final response over to the client's completion
// policy and settles the connection's send side.
func (c *Connection) responseDone(resp *Response) {
	req := resp.request

	if resp.Status >= 300 && c.current == req {
		// Final answer arrived while the body was still going out.
		switch {
		case c.sendLength.Chunked && c.mode == connBodySending:
			c.abortBody = true
		case c.sendLength.Chunked:
			// Body never started; an empty chunked body closes the
			// frame cleanly.
			c.sendBuf = transfer.AppendLastChunk(c.sendBuf)
			c.releaseRequest(false)
		case c.bodyRemaining <= ioChunkSize:
			// A small counted remainder is cheaper to finish than a
			// reconnect. NTLM in particular needs the connection to
			// survive an early 401.
			if c.mode == connBodyWaiting {
				c.mode = connBodySending
			}
		default:
			// A large counted body cannot be cut short; the
			// connection dies once pending responses drain.
			c.releaseRequest(false)
			c.enterCloseWait()
		}
	}

	if resp.willClose() && c.mode != connCloseWait {
		c.log.Debug("server asked for connection close")
		c.enterCloseWait()
	}

	c.client.responseFinished(resp)
}

// enterCloseWait stops accepting requests and requeues the ones that
// never reached the wire.
func (c *Connection) enterCloseWait() {
	c.mode = connCloseWait
	for _, req := range c.requests.Drain() {
		c.client.transportFailed(req, connErr(c.target, transport.ErrConnClosed))
	}
}

// shutdown closes the connection and fails every in-flight exchange.
// err == nil is an orderly local close with nothing pending to fail.
func (c *Connection) shutdown(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.mode = connCloseWait

	c.sockMu.Lock()
	if c.connected {
		c.sock.Close()
		c.connected = false
	}
	c.sockMu.Unlock()
	c.sendBuf = nil
	c.recvBuf.Reset()

	if err == nil {
		err = connErr(c.target, transport.ErrConnClosed)
	} else {
		c.log.Warn("connection failed", slog.String("error", err.Error()))
	}

	c.releaseRequest(false)
	if c.curResp != nil {
		resp := c.curResp
		c.curResp = nil
		c.serverDisconnect(resp, err)
	}
	for _, resp := range c.responses.Drain() {
		c.serverDisconnect(resp, err)
	}
	for _, req := range c.requests.Drain() {
		c.client.transportFailed(req, err)
	}
}

// sockClose closes an idle connection's socket without the failure
// fanout. Called by the pool for eviction and reaping; idle
// connections have nothing in flight.
func (c *Connection) sockClose() {
	c.closed = true
	c.sockMu.Lock()
	if c.connected {
		c.sock.Close()
		c.connected = false
	}
	c.sockMu.Unlock()
}

// serverDisconnect fails one queued response and its paired request.
func (c *Connection) serverDisconnect(resp *Response, err error) {
	resp.err = err
	c.client.transportFailed(resp.request, err)
}
