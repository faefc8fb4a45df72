package transport

import (
	"context"
	"crypto/tls"
	"io"
	"os"
	"sync"
	"time"
)

// StubConn is a scripted connection for tests. The test feeds the
// bytes the server would send and inspects the bytes the client
// wrote. Deadlines follow net.Conn semantics: an already-expired
// deadline fails the operation without moving any bytes. Reads never
// block: when no scripted data is pending, Read reports a deadline
// expiry so pump-style callers treat the connection as idle.
type StubConn struct {
	mu            sync.Mutex
	readable      []byte
	written       []byte
	eof           bool
	closed        bool
	shutdown      bool
	readDeadline  time.Time
	writeDeadline time.Time

	// ChunkReads limits each Read to one byte, exercising callers
	// against maximally fragmented input.
	ChunkReads bool
}

var _ Conn = (*StubConn)(nil)

// Feed appends p to the bytes the connection will serve to Read.
func (s *StubConn) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readable = append(s.readable, p...)
}

// FeedString is Feed for literal wire exchanges in tests.
func (s *StubConn) FeedString(p string) { s.Feed([]byte(p)) }

// CloseServer marks the server side closed: once the scripted bytes
// are drained, Read returns io.EOF.
func (s *StubConn) CloseServer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
}

// Written returns a copy of everything the client has written.
func (s *StubConn) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// DiscardWritten clears the write capture, making room to assert on
// the next exchange in isolation.
func (s *StubConn) DiscardWritten() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = s.written[:0]
}

func (s *StubConn) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StubConn) ShutdownCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *StubConn) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.shutdown {
		return 0, ErrConnClosed
	}
	if expired(s.readDeadline) {
		return 0, os.ErrDeadlineExceeded
	}
	if len(s.readable) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, os.ErrDeadlineExceeded
	}

	limit := len(p)
	if s.ChunkReads && limit > 1 {
		limit = 1
	}
	n := copy(p[:limit], s.readable)
	s.readable = s.readable[n:]
	return n, nil
}

func (s *StubConn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.shutdown {
		return 0, ErrConnClosed
	}
	if expired(s.writeDeadline) {
		return 0, os.ErrDeadlineExceeded
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *StubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StubConn) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *StubConn) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	return nil
}

func (s *StubConn) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !deadline.After(time.Now())
}

// StubDialer hands out stub connections in order, recording the
// addresses dialed.
type StubDialer struct {
	mu    sync.Mutex
	conns []*StubConn
	addrs []string
}

var _ Dialer = (*StubDialer)(nil)

// Expect queues a connection to be returned by the next unmatched
// Dial call.
func (d *StubDialer) Expect(c *StubConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

// Addrs returns the addresses dialed so far.
func (d *StubDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func (d *StubDialer) Dial(_ context.Context, addr string, _ *tls.Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.addrs = append(d.addrs, addr)
	if len(d.conns) == 0 {
		c := &StubConn{}
		return c, nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}
