package client

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Target identifies a distinct endpoint for connection reuse.
type Target struct {
	Scheme string
	Host   string
	Port   string
}

// TargetOf derives a connection target from a URL, lowercasing the
// host and filling in the scheme's default port.
func TargetOf(u *url.URL) (Target, error) {
	t := Target{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}
	if t.Host == "" {
		return Target{}, errors.Errorf("url %q has no host", u)
	}
	switch t.Scheme {
	case "http":
		if t.Port == "" {
			t.Port = "80"
		}
	case "https":
		if t.Port == "" {
			t.Port = "443"
		}
	default:
		return Target{}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return t, nil
}

// TLS reports whether connections to the target are wrapped in TLS.
func (t Target) TLS() bool { return t.Scheme == "https" }

// HostPort returns the host:port pair used for DNS resolution.
func (t Target) HostPort() string { return net.JoinHostPort(t.Host, t.Port) }

// HostHeader renders the Host header value, omitting default ports.
func (t Target) HostHeader() string {
	if (t.Scheme == "http" && t.Port == "80") || (t.Scheme == "https" && t.Port == "443") {
		return t.Host
	}
	return net.JoinHostPort(t.Host, t.Port)
}

func (t Target) String() string {
	return t.Scheme + "://" + t.HostPort()
}
