package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NetDialer dials TCP connections through the operating system's
// stack.
type NetDialer struct {
	// Timeout bounds connection establishment, TLS handshake
	// included. Zero means no limit.
	Timeout time.Duration
}

var _ Dialer = (*NetDialer)(nil)

func (d *NetDialer) Dial(ctx context.Context, addr string, cfg *tls.Config) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}

	if cfg == nil {
		c, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s", addr)
		}
		return &netConn{Conn: c}, nil
	}

	td := tls.Dialer{NetDialer: &nd, Config: cfg}
	c, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s with tls", addr)
	}
	return &netConn{Conn: c}, nil
}

// netConn adapts a net.Conn, implementing Shutdown via half-close
// where the underlying stream supports it.
type netConn struct {
	net.Conn
}

var _ Conn = (*netConn)(nil)

func (c *netConn) Shutdown() error {
	type closeReadWriter interface {
		CloseRead() error
		CloseWrite() error
	}
	if cw, ok := c.Conn.(closeReadWriter); ok {
		errR := cw.CloseRead()
		errW := cw.CloseWrite()
		if errR != nil {
			return errors.Wrap(errR, "shutting down read side")
		}
		return errors.Wrap(errW, "shutting down write side")
	}
	// No half-close available. Expiring both deadlines wakes any
	// blocked I/O with a timeout error.
	return c.Conn.SetDeadline(time.Unix(0, 0))
}
