package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/url"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

const SchemeNTLM = "NTLM"

var ntlmSignature = []byte("NTLMSSP\x00")

const (
	ntlmNegotiateUnicode    = 0x00000001
	ntlmNegotiateOEM        = 0x00000002
	ntlmRequestTarget       = 0x00000004
	ntlmNegotiateNTLM       = 0x00000200
	ntlmNegotiateAlwaysSign = 0x00008000
	ntlmTargetInfoPresent   = 0x00800000
)

// NTLMCredentials hold a DOMAIN\user identity for the NTLM handshake.
// Respond walks the session: negotiate message first, then the
// authenticate message computed from the server's challenge.
type NTLMCredentials struct {
	space    Space
	domain   string
	user     string
	password string

	// Rand and Now are overridable for deterministic handshakes in
	// tests. Nil means crypto/rand and time.Now.
	Rand io.Reader
	Now  func() time.Time
}

// NewNTLMCredentials creates NTLM credentials. The userid may carry a
// domain as "DOMAIN\user" or "DOMAIN/user".
func NewNTLMCredentials(space Space, userid, password string) *NTLMCredentials {
	domain, user := splitUserID(userid)
	return &NTLMCredentials{space: space, domain: domain, user: user, password: password}
}

func splitUserID(userid string) (domain, user string) {
	if i := strings.IndexAny(userid, `\/`); i >= 0 {
		return userid[:i], userid[i+1:]
	}
	return "", userid
}

func (n *NTLMCredentials) Scheme() string { return SchemeNTLM }
func (n *NTLMCredentials) Base() Space { return n.space }

func (n *NTLMCredentials) MatchChallenge(ch Challenge) bool {
	return strings.EqualFold(ch.Scheme, SchemeNTLM)
}

// TestURL always reports false: NTLM authenticates a connection, not
// a path, so credentials are never attached preemptively.
func (n *NTLMCredentials) TestURL(_ *url.URL) bool { return false }

func (n *NTLMCredentials) Respond(ch *Challenge) (Credentials, error) {
	if ch != nil {
		// A challenge before we sent anything restarts the handshake.
		if ch.Token != "" {
			return nil, errors.Wrap(ErrNegotiationFailed, "unexpected server token")
		}
	}
	return &ntlmNegotiate{creds: n}, nil
}

func (n *NTLMCredentials) WireValue() string { return "" }

// ntlmNegotiate is the session state after the opening NEGOTIATE
// message has been prepared.
type ntlmNegotiate struct {
	creds *NTLMCredentials
}

func (s *ntlmNegotiate) Scheme() string { return SchemeNTLM }
func (s *ntlmNegotiate) Base() Space { return s.creds.space }
func (s *ntlmNegotiate) MatchChallenge(Challenge) bool { return false }
func (s *ntlmNegotiate) TestURL(*url.URL) bool { return false }

func (s *ntlmNegotiate) WireValue() string {
	msg := make([]byte, 0, 32)
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, 1)
	flags := uint32(ntlmNegotiateUnicode | ntlmNegotiateOEM | ntlmRequestTarget |
		ntlmNegotiateNTLM | ntlmNegotiateAlwaysSign)
	msg = binary.LittleEndian.AppendUint32(msg, flags)
	// Empty domain and workstation security buffers.
	msg = appendSecBuf(msg, nil, 0)
	msg = appendSecBuf(msg, nil, 0)
	return SchemeNTLM + " " + base64.StdEncoding.EncodeToString(msg)
}

// Respond consumes the server's CHALLENGE message and yields the
// AUTHENTICATE response.
func (s *ntlmNegotiate) Respond(ch *Challenge) (Credentials, error) {
	if ch == nil || ch.Token == "" {
		return nil, errors.Wrap(ErrNegotiationFailed, "missing server challenge")
	}
	nonce, targetName, targetInfo, err := parseNTLMChallenge(ch.Token)
	if err != nil {
		return nil, err
	}

	c := s.creds
	domain := c.domain
	if domain == "" {
		domain = targetName
	}

	randSrc := c.Rand
	if randSrc == nil {
		randSrc = rand.Reader
	}
	var clientNonce [8]byte
	if _, err := io.ReadFull(randSrc, clientNonce[:]); err != nil {
		return nil, errors.Wrap(err, "generating client nonce")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	ntResp, lmResp := ntlmV2Responses(c.user, c.password, domain,
		nonce, clientNonce, targetInfo, now())

	msg := buildAuthenticate(domain, c.user, lmResp, ntResp)
	return &ntlmAuthenticate{
		space: c.space,
		value: SchemeNTLM + " " + base64.StdEncoding.EncodeToString(msg),
	}, nil
}

// ntlmAuthenticate is the terminal session state. A further challenge
// means the server rejected the handshake.
type ntlmAuthenticate struct {
	space Space
	value string
}

func (s *ntlmAuthenticate) Scheme() string { return SchemeNTLM }
func (s *ntlmAuthenticate) Base() Space { return s.space }
func (s *ntlmAuthenticate) MatchChallenge(Challenge) bool { return false }
func (s *ntlmAuthenticate) TestURL(*url.URL) bool { return false }
func (s *ntlmAuthenticate) WireValue() string { return s.value }

func (s *ntlmAuthenticate) Respond(*Challenge) (Credentials, error) {
	return nil, errors.Wrap(ErrNegotiationFailed, "server rejected NTLM response")
}

var errBadChallenge = errors.Wrap(ErrNegotiationFailed, "malformed NTLM challenge")

func parseNTLMChallenge(token string) (nonce [8]byte, targetName string, targetInfo []byte, err error) {
	msg, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nonce, "", nil, errBadChallenge
	}
	if len(msg) < 32 || string(msg[:8]) != string(ntlmSignature) ||
		binary.LittleEndian.Uint32(msg[8:12]) != 2 {
		return nonce, "", nil, errBadChallenge
	}

	flags := binary.LittleEndian.Uint32(msg[20:24])
	copy(nonce[:], msg[24:32])

	if buf, ok := readSecBuf(msg, 12); ok {
		if flags&ntlmNegotiateUnicode != 0 {
			targetName = utf16Decode(buf)
		} else {
			targetName = string(buf)
		}
	}
	if flags&ntlmTargetInfoPresent != 0 && len(msg) >= 48 {
		if buf, ok := readSecBuf(msg, 40); ok {
			targetInfo = buf
		}
	}
	return nonce, targetName, targetInfo, nil
}

// ntlmV2Responses computes the NTLMv2 and LMv2 responses.
func ntlmV2Responses(user, password, domain string, serverNonce, clientNonce [8]byte,
	targetInfo []byte, now time.Time) (ntResp, lmResp []byte) {

	h := md4.New()
	h.Write(utf16Encode(password))
	ntHash := h.Sum(nil)

	mac := hmac.New(md5.New, ntHash)
	mac.Write(utf16Encode(strings.ToUpper(user) + domain))
	v2Hash := mac.Sum(nil)

	// Windows FILETIME: 100ns intervals since 1601-01-01.
	filetime := uint64(now.Unix()+11644473600) * 10000000

	blob := make([]byte, 0, 32+len(targetInfo))
	blob = append(blob, 0x01, 0x01, 0x00, 0x00)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00)
	blob = binary.LittleEndian.AppendUint64(blob, filetime)
	blob = append(blob, clientNonce[:]...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00)
	blob = append(blob, targetInfo...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00)

	mac = hmac.New(md5.New, v2Hash)
	mac.Write(serverNonce[:])
	mac.Write(blob)
	ntResp = append(mac.Sum(nil), blob...)

	mac = hmac.New(md5.New, v2Hash)
	mac.Write(serverNonce[:])
	mac.Write(clientNonce[:])
	lmResp = append(mac.Sum(nil), clientNonce[:]...)
	return ntResp, lmResp
}

func buildAuthenticate(domain, user string, lmResp, ntResp []byte) []byte {
	domainB := utf16Encode(domain)
	userB := utf16Encode(user)

	const headerLen = 64
	offset := uint32(headerLen)
	msg := make([]byte, 0, headerLen+len(lmResp)+len(ntResp)+len(domainB)+len(userB))
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, 3)

	msg = appendSecBuf(msg, lmResp, offset)
	offset += uint32(len(lmResp))
	msg = appendSecBuf(msg, ntResp, offset)
	offset += uint32(len(ntResp))
	msg = appendSecBuf(msg, domainB, offset)
	offset += uint32(len(domainB))
	msg = appendSecBuf(msg, userB, offset)
	offset += uint32(len(userB))
	// Empty workstation and session key buffers.
	msg = appendSecBuf(msg, nil, offset)
	msg = appendSecBuf(msg, nil, offset)
	msg = binary.LittleEndian.AppendUint32(msg,
		ntlmNegotiateUnicode|ntlmNegotiateNTLM|ntlmNegotiateAlwaysSign)

	msg = append(msg, lmResp...)
	msg = append(msg, ntResp...)
	msg = append(msg, domainB...)
	msg = append(msg, userB...)
	return msg
}

// appendSecBuf appends a security buffer descriptor: length, maximum
// length, payload offset.
func appendSecBuf(msg, payload []byte, offset uint32) []byte {
	msg = binary.LittleEndian.AppendUint16(msg, uint16(len(payload)))
	msg = binary.LittleEndian.AppendUint16(msg, uint16(len(payload)))
	return binary.LittleEndian.AppendUint32(msg, offset)
}

func readSecBuf(msg []byte, at int) ([]byte, bool) {
	if len(msg) < at+8 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint16(msg[at : at+2]))
	off := int(binary.LittleEndian.Uint32(msg[at+4 : at+8]))
	if off+n > len(msg) {
		return nil, false
	}
	return msg[off : off+n], true
}

func utf16Encode(s string) []byte {
	codes := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(codes)*2)
	for _, c := range codes {
		out = binary.LittleEndian.AppendUint16(out, c)
	}
	return out
}

func utf16Decode(b []byte) string {
	codes := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		codes = append(codes, binary.LittleEndian.Uint16(b[i:i+2]))
	}
	return string(utf16.Decode(codes))
}
