// Package auth implements HTTP authentication: challenge parsing,
// credential matching against protection spaces, and the Basic and
// NTLM schemes.
package auth

import (
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNegotiationFailed is returned when a credential session cannot
// answer the server's latest challenge.
var ErrNegotiationFailed = errors.New("authentication negotiation failed")

// DefaultRealm is assumed when a challenge omits the realm parameter.
const DefaultRealm = "Default"

// Space identifies a protection space: the canonical root of a server
// as seen by the authentication framework.
type Space struct {
	Scheme string
	Host   string
	Port   string
}

// SpaceOf derives the protection space of a URL, filling in the
// default port for http and https.
func SpaceOf(u *url.URL) Space {
	s := Space{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Hostname()), Port: u.Port()}
	if s.Port == "" {
		switch s.Scheme {
		case "http":
			s.Port = "80"
		case "https":
			s.Port = "443"
		}
	}
	return s
}

func (s Space) String() string {
	return s.Scheme + "://" + s.Host + ":" + s.Port
}

// Challenge is a single parsed challenge from a WWW-Authenticate
// header.
type Challenge struct {
	Scheme string
	// Params holds auth-params with lowercased names.
	Params map[string]string
	// Token holds token68 data for schemes, like NTLM, that continue
	// a handshake inside the challenge itself.
	Token string
}

// Realm returns the challenge's realm parameter, or DefaultRealm when
// absent.
func (c Challenge) Realm() string {
	if r, ok := c.Params["realm"]; ok {
		return r
	}
	return DefaultRealm
}

// ParseChallenges parses the challenges carried by one or more
// WWW-Authenticate header values. Malformed input yields the
// challenges that could be recovered.
func ParseChallenges(values []string) []Challenge {
	var out []Challenge
	for _, v := range values {
		for _, item := range splitTopLevel(v) {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			scheme, rest, spaced := strings.Cut(item, " ")
			switch {
			case spaced && isToken68(strings.TrimSpace(rest)):
				// "scheme SP token68" comes first: an unpadded token
				// carries no "=" and must not read as a bare scheme.
				out = append(out, Challenge{
					Scheme: scheme,
					Params: map[string]string{},
					Token:  strings.TrimSpace(rest),
				})
			case !strings.Contains(item, "="):
				// A bare scheme name opens a new challenge.
				out = append(out, Challenge{Scheme: item, Params: map[string]string{}})
			case spaced:
				ch := Challenge{Scheme: scheme, Params: map[string]string{}}
				addParam(ch.Params, rest)
				out = append(out, ch)
			case len(out) > 0:
				addParam(out[len(out)-1].Params, item)
			}
		}
	}
	return out
}

// splitTopLevel splits on commas outside quoted strings.
func splitTopLevel(s string) []string {
	var parts []string
	start, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch {
		case quoted && s[i] == '\\' && i+1 < len(s):
			i++
		case s[i] == '"':
			quoted = !quoted
		case !quoted && s[i] == ',':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func addParam(params map[string]string, s string) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = unquote(value[1 : len(value)-1])
	}
	params[strings.ToLower(strings.TrimSpace(name))] = value
}

func unquote(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isToken68(s string) bool {
	if s == "" {
		return false
	}
	trimmed := strings.TrimRight(s, "=")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_' || r == '~' || r == '+' || r == '/':
		default:
			return false
		}
	}
	return true
}

// Credentials is one entry in the credential store, bound to a
// protection space and optionally a realm.
type Credentials interface {
	// Scheme returns the auth-scheme the credentials answer.
	Scheme() string
	// Base returns the protection space the credentials belong to.
	Base() Space
	// MatchChallenge reports whether the credentials can answer the
	// given challenge within their protection space.
	MatchChallenge(ch Challenge) bool
	// TestURL reports whether the credentials should be sent
	// preemptively with a request for the given URL.
	TestURL(u *url.URL) bool
	// Respond advances the negotiation. A nil challenge asks for the
	// opening response. The returned credentials produce the next
	// Authorization header; ErrNegotiationFailed means the session
	// cannot continue.
	Respond(ch *Challenge) (Credentials, error)
	// WireValue renders the full Authorization header value.
	WireValue() string
}

// Store is a thread-safe collection of credentials searched by
// protection space.
type Store struct {
	mu    sync.Mutex
	creds []Credentials
}

func (s *Store) Add(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, c)
}

func (s *Store) Remove(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.creds {
		if have == c {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			return
		}
	}
}

// FindChallenge returns the first credentials in the given protection
// space able to answer one of the challenges.
func (s *Store) FindChallenge(space Space, challenges []Challenge) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.Base() != space {
			continue
		}
		for _, ch := range challenges {
			if c.MatchChallenge(ch) {
				return c, true
			}
		}
	}
	return nil, false
}

// FindURL returns credentials that should be attached preemptively to
// a request for u.
func (s *Store) FindURL(u *url.URL) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.TestURL(u) {
			return c, true
		}
	}
	return nil, false
}
