package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/swl10/httpc/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Resolver maps a host name to a dialable address. The pool caches
// results per host:port until FlushDNS.
type Resolver interface {
	Resolve(ctx context.Context, host, port string) (string, error)
}

type netResolver struct{}

func (netResolver) Resolve(ctx context.Context, host, port string) (string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

type Options struct {
	// MaxConnections bounds active plus idle connections.
	MaxConnections uint
	// MaxRetries bounds requeues of requests that failed at the
	// transport level before reaching the wire.
	MaxRetries uint
	// MaxRedirects bounds the length of a redirect chain.
	MaxRedirects uint
	// DisableRedirects turns off 3xx following; the redirect response
	// itself becomes the request's outcome.
	DisableRedirects bool
	// UserAgent is sent when the request carries none.
	UserAgent string
	// TLS applies to https targets. Certificate policy is the
	// caller's business.
	TLS *tls.Config

	Dialer   transport.Dialer
	Resolver Resolver
	Clock    clock.Clock
	Logger   *slog.Logger

	Timeouts TimeoutOptions
}

type TimeoutOptions struct {
	// Continue bounds the wait for 100 Continue before the body is
	// sent anyway.
	Continue time.Duration
	// Queue is the default pool-acquisition timeout used by Do.
	Queue time.Duration
	// MaxIdle is the age beyond which idle connections are reaped by
	// the sweeper. Zero keeps them forever.
	MaxIdle time.Duration
	// MaxInactive is the age beyond which an active connection whose
	// owner stopped polling is shut down. Zero disables the guard.
	MaxInactive time.Duration
	// SweepEvery is the background sweeper period. The sweeper only
	// runs when MaxIdle or MaxInactive is set.
	SweepEvery time.Duration
}

const DefaultUserAgent = "httpc/1.0"

func (o *Options) setDefaults() {
	if o.MaxConnections == 0 {
		o.MaxConnections = 100
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Dialer == nil {
		o.Dialer = &transport.NetDialer{}
	}
	if o.Resolver == nil {
		o.Resolver = netResolver{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeouts.Continue == 0 {
		o.Timeouts.Continue = 60 * time.Second
	}
	if o.Timeouts.Queue == 0 {
		o.Timeouts.Queue = 60 * time.Second
	}
	if o.Timeouts.SweepEvery == 0 {
		o.Timeouts.SweepEvery = 5 * time.Second
	}
}
