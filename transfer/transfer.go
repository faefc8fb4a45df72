// Package transfer resolves HTTP/1.1 message transfer lengths and
// implements the chunked transfer coding.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6
package transfer

import (
	"strconv"
	"strings"

	"github.com/swl10/httpc/wire"

	"github.com/pkg/errors"
)

const codingChunked = "chunked"
const codingIdentity = "identity"

// Length describes how a message body is delimited on the wire.
type Length struct {
	// Chunked means the body uses chunked transfer coding.
	Chunked bool
	// Known means the body is exactly N bytes. When both Chunked and
	// Known are false the body runs until the connection closes.
	Known bool
	N     uint64
}

var (
	ErrBodyLengthMismatch      = errors.New("declared length disagrees with body length")
	ErrMalformedContentLength  = errors.New("malformed Content-Length value")
	ErrUnsupportedBodyDelimits = errors.New("request body cannot be delimited")
)

// ResponseLength resolves the transfer length of a received response.
//
// Responses that never carry a body (1xx, 204, 304, and any response
// to a HEAD request) resolve to zero length regardless of their
// headers. A Transfer-Encoding ending in "chunked" means chunked; any
// other non-identity coding, or the absence of both Transfer-Encoding
// and Content-Length, means read until the server closes.
func ResponseLength(status uint, requestMethod string, h wire.Headers) (Length, error) {
	if status/100 == 1 || status == 204 || status == 304 || requestMethod == "HEAD" {
		return Length{Known: true}, nil
	}

	if codings := nonIdentity(h.ListValues("Transfer-Encoding")); len(codings) > 0 {
		if strings.EqualFold(codings[len(codings)-1], codingChunked) {
			return Length{Chunked: true}, nil
		}
		// Self-delimiting codings we don't know: terminated by close.
		return Length{}, nil
	}

	if v, ok := h.Get("Content-Length"); ok {
		n, err := parseContentLength(v)
		if err != nil {
			return Length{}, err
		}
		return Length{Known: true, N: n}, nil
	}

	return Length{}, nil
}

// RequestLength resolves the transfer length of an outgoing request.
//
// bodyLen is the size of the body when known, -1 otherwise. An
// explicit Transfer-Encoding forces chunked and overrides any length
// header. An explicit Content-Length is validated against a known
// body length. A streaming body of unknown length forces chunked,
// since a request cannot be delimited by closing the connection.
func RequestLength(h wire.Headers, bodyLen int64, hasBody bool) (Length, error) {
	if codings := nonIdentity(h.ListValues("Transfer-Encoding")); len(codings) > 0 {
		return Length{Chunked: true}, nil
	}

	if v, ok := h.Get("Content-Length"); ok {
		n, err := parseContentLength(v)
		if err != nil {
			return Length{}, err
		}
		if bodyLen >= 0 && uint64(bodyLen) != n {
			return Length{}, errors.Wrapf(ErrBodyLengthMismatch,
				"Content-Length %d, body has %d bytes", n, bodyLen)
		}
		return Length{Known: true, N: n}, nil
	}

	if bodyLen >= 0 {
		return Length{Known: true, N: uint64(bodyLen)}, nil
	}
	if !hasBody {
		return Length{Known: true}, nil
	}

	return Length{Chunked: true}, nil
}

func nonIdentity(codings []string) []string {
	out := codings[:0]
	for _, c := range codings {
		if !strings.EqualFold(c, codingIdentity) {
			out = append(out, c)
		}
	}
	return out
}

func parseContentLength(v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedContentLength, "%q", v)
	}
	return n, nil
}
