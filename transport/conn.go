// Package transport abstracts the stream connections the client
// engine drives. Connections expose deadlines so callers can perform
// non-blocking reads and writes: an I/O call made with an already
// expired deadline returns at once, and IsBlocked distinguishes that
// outcome from a real failure.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

var ErrConnClosed = errors.New("connection is closed")

type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// Shutdown tears the stream down without releasing the
	// descriptor, so a goroutine blocked on the connection wakes with
	// an error and performs the Close itself.
	Shutdown() error
}

type Dialer interface {
	// Dial connects to addr (host:port), wrapping the stream in TLS
	// when cfg is non-nil.
	Dial(ctx context.Context, addr string, cfg *tls.Config) (Conn, error)
}

// IsBlocked reports whether err is a deadline expiry, meaning the
// operation would have blocked rather than failed.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
