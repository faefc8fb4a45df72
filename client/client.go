// Package client implements an HTTP/1.1 client engine: a bounded
// connection pool with per-worker connection ownership, hand-driven
// request/response state machines, pipelining, the 100 Continue
// handshake, redirect following and credential-based
// re-authentication.
package client

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swl10/httpc/auth"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Client owns the connection pool, the credential store and the DNS
// cache. Workers drive requests through it; see Worker.
type Client struct {
	opts  Options
	pool  *pool
	creds auth.Store
	clk   clock.Clock
	log   *slog.Logger

	closeOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		opts: opts,
		clk:  opts.Clock,
		log:  opts.Logger,
	}
	c.pool = newPool(c)

	if opts.Timeouts.MaxIdle > 0 || opts.Timeouts.MaxInactive > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweep()
	}
	return c
}

// Close shuts the pool down. Requests in flight fail; submissions
// after Close return ErrPoolClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.sweepStop != nil {
			close(c.sweepStop)
			<-c.sweepDone
		}
		c.pool.close()
	})
}

func (c *Client) sweep() {
	defer close(c.sweepDone)
	ticker := c.clk.Ticker(c.opts.Timeouts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			if age := c.opts.Timeouts.MaxIdle; age > 0 {
				c.pool.killStale(age)
			}
			if age := c.opts.Timeouts.MaxInactive; age > 0 {
				c.pool.killAbandoned(age)
			}
		}
	}
}

// KillStale closes idle connections older than maxAge.
func (c *Client) KillStale(maxAge time.Duration) { c.pool.killStale(maxAge) }

// KillAbandoned shuts down active connections whose owner has not
// polled within maxAge, so a stalled worker cannot pin a pool slot
// forever.
func (c *Client) KillAbandoned(maxAge time.Duration) { c.pool.killAbandoned(maxAge) }

// FlushDNS clears the cached name resolutions.
func (c *Client) FlushDNS() { c.pool.flushDNS() }

func (c *Client) AddCredentials(creds auth.Credentials)    { c.creds.Add(creds) }
func (c *Client) RemoveCredentials(creds auth.Credentials) { c.creds.Remove(creds) }

// Do runs one request synchronously on a private worker and returns
// its transport error, if any. The HTTP outcome is on the request.
func (c *Client) Do(req *Request) error {
	w := c.NewWorker()
	if err := w.Queue(req, c.opts.Timeouts.Queue); err != nil {
		req.finish(0, nil, err)
		return err
	}

	const bound = 50 * time.Millisecond
	for {
		select {
		case <-req.Done():
			// Drain so idle connections return to the pool.
			for w.Step(0) {
			}
			return req.Err
		default:
		}
		if !w.Step(bound) {
			select {
			case <-req.Done():
			default:
				req.finish(0, nil, errors.New("worker ran out of work before completion"))
			}
			return req.Err
		}
	}
}

// Worker drives the connections it owns, cooperatively and
// non-blockingly. A Worker must only be used from one goroutine.
type Worker struct {
	client *Client
	conns  map[*Connection]struct{}
}

func (c *Client) NewWorker() *Worker {
	return &Worker{client: c, conns: make(map[*Connection]struct{})}
}

// Queue binds a connection for the request's target and queues the
// request on it. timeout bounds the wait for a pool slot only; zero
// fails immediately when the pool is saturated.
func (w *Worker) Queue(req *Request, timeout time.Duration) error {
	if err := req.prepare(w.client); err != nil {
		return err
	}
	req.worker = w
	req.queueTimeout = timeout

	for {
		conn, err := w.client.pool.submit(w, req.target, timeout)
		if err != nil {
			return err
		}
		if conn.closed || conn.mode == connCloseWait {
			// A dying connection cannot take new work; free its slot
			// and go again.
			w.client.pool.discard(conn)
			continue
		}
		conn.queueRequest(req)
		w.conns[conn] = struct{}{}
		return nil
	}
}

// Step pumps every owned connection once, then spends up to bound in
// a readiness wait across the read-interested ones. It reports
// whether any owned connection still has work.
func (w *Worker) Step(bound time.Duration) bool {
	var readers []*Connection
	busy := false

	for conn := range w.conns {
		wantRead, _ := conn.Cycle(context.Background())
		if conn.closed {
			w.drop(conn)
			continue
		}
		if conn.idle() {
			w.release(conn)
			continue
		}
		busy = true
		if wantRead {
			readers = append(readers, conn)
		}
	}

	if bound > 0 && len(readers) > 0 {
		slice := bound / time.Duration(len(readers))
		for _, conn := range readers {
			conn.awaitRead(time.Now().Add(slice))
		}
	}
	return busy
}

// Run steps until no owned connection has work left.
func (w *Worker) Run(bound time.Duration) {
	for w.Step(bound) {
	}
}

func (w *Worker) drop(conn *Connection) {
	delete(w.conns, conn)
	w.client.pool.discard(conn)
}

func (w *Worker) release(conn *Connection) {
	delete(w.conns, conn)
	w.client.pool.deactivate(conn)
}

// responseFinished applies the completion policy: 417 retry, redirect
// following, 401 negotiation, and finally the terminal outcome. At
// most one resubmission comes out of one completion.
func (c *Client) responseFinished(resp *Response) {
	req := resp.request

	switch {
	case resp.Status == 417 && req.expectContinue && !req.retried417:
		// The server rejected the expectation; send the body outright.
		req.retried417 = true
		req.Headers.Del("Expect")
		c.resubmit(req, resp)

	case resp.Status/100 == 3 && resp.Status != 304 && !c.opts.DisableRedirects:
		c.finishRedirect(req, resp)

	case resp.Status == 401:
		c.finish401(req, resp)

	default:
		c.finishTerminal(req, resp)
	}
}

func (c *Client) finishRedirect(req *Request, resp *Response) {
	location, ok := resp.Headers.Get("Location")
	if !ok {
		c.finishTerminal(req, resp)
		return
	}
	// A 302 is only followed automatically for safe methods.
	if resp.Status == 302 && req.Method != "GET" && req.Method != "HEAD" {
		c.finishTerminal(req, resp)
		return
	}
	if req.redirects >= c.opts.MaxRedirects {
		req.finish(resp.Status, resp, errors.Errorf(
			"stopped after %d redirects", req.redirects))
		return
	}

	u, err := req.URL.Parse(location)
	if err != nil {
		req.finish(resp.Status, resp, errors.Wrapf(err, "bad Location %q", location))
		return
	}
	if err := req.rewindBody(); err != nil {
		req.finish(resp.Status, resp, err)
		return
	}

	oldTarget := req.target
	req.redirects++
	req.URL = u
	if t, err := TargetOf(u); err != nil || t != oldTarget {
		// Credentials never follow across origins.
		req.authSession = nil
		req.authBase = nil
		req.Headers.Del("Authorization")
	}
	c.log.Debug("following redirect",
		slog.Uint64("status", uint64(resp.Status)), slog.String("location", location))
	c.resubmit(req, resp)
}

func (c *Client) finish401(req *Request, resp *Response) {
	values, _ := resp.Headers.Values("WWW-Authenticate")
	challenges := auth.ParseChallenges(values)
	if len(challenges) == 0 {
		c.finishTerminal(req, resp)
		return
	}
	space := auth.SpaceOf(req.URL)

	if req.authSession != nil {
		// The server challenged credentials we already presented.
		ch := pickChallenge(challenges, req.authSession.Scheme())
		var next auth.Credentials
		err := errors.New("no continuation challenge")
		if ch != nil {
			next, err = req.authSession.Respond(ch)
		}
		if err != nil {
			// Rejected for good: drop the credentials so later
			// requests try a different candidate.
			c.log.Warn("credentials rejected, removing from store")
			if req.authBase != nil {
				c.creds.Remove(req.authBase)
			}
			req.authSession = nil
			req.authBase = nil
			c.finishTerminal(req, resp)
			return
		}
		req.authSession = next
		if err := req.rewindBody(); err != nil {
			req.finish(resp.Status, resp, err)
			return
		}
		c.resubmit(req, resp)
		return
	}

	creds, ok := c.creds.FindChallenge(space, challenges)
	if !ok {
		c.finishTerminal(req, resp)
		return
	}
	session, err := creds.Respond(nil)
	if err != nil {
		c.finishTerminal(req, resp)
		return
	}
	req.authBase = creds
	req.authSession = session
	if err := req.rewindBody(); err != nil {
		req.finish(resp.Status, resp, err)
		return
	}
	c.resubmit(req, resp)
}

func pickChallenge(challenges []auth.Challenge, scheme string) *auth.Challenge {
	for i := range challenges {
		if strings.EqualFold(challenges[i].Scheme, scheme) {
			return &challenges[i]
		}
	}
	return nil
}

func (c *Client) finishTerminal(req *Request, resp *Response) {
	if resp.Status < 300 && req.authBase != nil {
		if basic, ok := req.authBase.(*auth.BasicCredentials); ok {
			p := req.URL.Path
			if p == "" {
				p = "/"
			}
			basic.AddSuccessPath(p)
		}
	}
	req.finish(resp.Status, resp, nil)
}

// resubmit queues the request for another cycle on its worker. The
// previous response stays readable until the new one lands.
func (c *Client) resubmit(req *Request, prev *Response) {
	if err := req.requeue(); err != nil {
		req.finish(prev.Status, prev, err)
	}
}

// transportFailed handles a request failed below the HTTP layer:
// requeue when the failure cannot have corrupted server state, fail
// otherwise.
func (c *Client) transportFailed(req *Request, err error) {
	retryable := (!req.wireStarted || req.Idempotent()) &&
		req.retries < c.opts.MaxRetries &&
		req.worker != nil
	if retryable {
		if rwErr := req.rewindBody(); rwErr == nil {
			req.retries++
			c.log.Debug("retrying request",
				slog.String("method", req.Method), slog.Uint64("attempt", uint64(req.retries)))
			if qErr := req.requeue(); qErr == nil {
				return
			}
		}
	}
	req.finish(0, nil, err)
}
