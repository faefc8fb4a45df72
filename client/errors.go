package client

import "github.com/pkg/errors"

var (
	// ErrPoolBusy is returned when no connection slot frees up within
	// the submission timeout.
	ErrPoolBusy = errors.New("connection pool is busy")
	// ErrPoolClosed is returned by submissions after Close.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrNotRewindable is returned when a redirect or retry needs to
	// resend a body whose source cannot seek back to its start.
	ErrNotRewindable = errors.New("request body cannot be rewound")
	// ErrProtocol wraps violations of the HTTP/1.1 wire grammar by
	// the server.
	ErrProtocol = errors.New("protocol violation")
)

// ConnectionError reports a transport-level failure: dialing, DNS,
// or socket I/O. Requests failed by one carry status 0.
type ConnectionError struct {
	Target Target
	Err    error
}

func (e *ConnectionError) Error() string {
	return "connection to " + e.Target.String() + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func connErr(t Target, err error) error {
	return &ConnectionError{Target: t, Err: err}
}
