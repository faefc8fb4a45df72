package auth

import (
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
)

const SchemeBasic = "Basic"

// BasicCredentials answer Basic challenges and, once a path has been
// authorized, are sent preemptively for requests under that path.
type BasicCredentials struct {
	space  Space
	realm  string
	userid string
	passwd string

	// mu guards pathPrefixes: success paths are recorded by the
	// worker that saw the 2xx while other workers match URLs.
	mu sync.Mutex
	// pathPrefixes are URL paths known to accept these credentials.
	pathPrefixes []string
}

// NewBasicCredentials creates credentials for a protection space. An
// empty realm matches any realm.
func NewBasicCredentials(space Space, realm, userid, password string) *BasicCredentials {
	return &BasicCredentials{space: space, realm: realm, userid: userid, passwd: password}
}

func (b *BasicCredentials) Scheme() string { return SchemeBasic }
func (b *BasicCredentials) Base() Space { return b.space }

func (b *BasicCredentials) MatchChallenge(ch Challenge) bool {
	if !strings.EqualFold(ch.Scheme, SchemeBasic) {
		return false
	}
	return b.realm == "" || b.realm == ch.Realm()
}

// Respond returns the credentials themselves for the opening attempt.
// A renewed Basic challenge means the userid and password were
// rejected, so the session ends there.
func (b *BasicCredentials) Respond(ch *Challenge) (Credentials, error) {
	if ch == nil {
		return b, nil
	}
	return nil, ErrNegotiationFailed
}

func (b *BasicCredentials) WireValue() string {
	token := base64.StdEncoding.EncodeToString([]byte(b.userid + ":" + b.passwd))
	return SchemeBasic + " " + token
}

// AddSuccessPath records that path accepted these credentials. Stored
// prefixes are kept minimal: a new path that covers existing prefixes
// replaces them, and a path already covered is absorbed.
func (b *BasicCredentials) AddSuccessPath(path string) {
	if path == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.pathPrefixes[:0]
	for _, have := range b.pathPrefixes {
		if pathMatch(have, path) {
			// Existing prefix already covers the new path.
			return
		}
		if !pathMatch(path, have) {
			kept = append(kept, have)
		}
	}
	b.pathPrefixes = append(kept, path)
}

// TestURL reports whether u falls under a recorded success path in
// these credentials' protection space.
func (b *BasicCredentials) TestURL(u *url.URL) bool {
	if SpaceOf(u) != b.space {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prefix := range b.pathPrefixes {
		if pathMatch(prefix, p) {
			return true
		}
	}
	return false
}

// pathMatch reports whether path lies at or under prefix, on segment
// boundaries: "/a" covers "/a" and "/a/b" but not "/ab".
func pathMatch(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
