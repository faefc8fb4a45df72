// Package wire implements the HTTP/1.1 message grammar: protocol
// versions, header fields and start lines.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112
package wire

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
)

// CRLF is the line terminator for all protocol elements.
var CRLF = []byte{CR, LF}

var ows = []byte{SP, HTAB}

// IsValidToken reports whether s is a valid HTTP token.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func IsValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
			continue
		}
		if '0' <= c && c <= '9' {
			continue
		}

		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+',
			'-', '.', '^', '_', '`', '|', '~':
			continue
		}

		return false
	}

	return true
}

// [Major, Minor]
type Version [2]uint

var V1p0 = Version{1, 0}
var V1p1 = Version{1, 1}

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 64)
	minor, err2 := strconv.ParseUint(string(second), 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte("HTTP/"))
	buf.Write([]byte(strconv.FormatUint(uint64(ver[0]), 10)))
	buf.Write([]byte{'.'})
	buf.Write([]byte(strconv.FormatUint(uint64(ver[1]), 10)))
	return buf.Bytes()
}

func (ver Version) String() string { return string(ver.Text()) }

// AtMost reports whether ver is other or older.
func (ver Version) AtMost(other Version) bool {
	if ver[0] != other[0] {
		return ver[0] < other[0]
	}
	return ver[1] <= other[1]
}

type Field struct{ Name, Value []byte }

var ErrMalformedFieldLine = errors.New("field line is malformed")

func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Wrapf(ErrMalformedFieldLine,
			"colon seperator not found on header: %q", string(fieldLine))
	}

	// No whitespace is allowed between field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	for _, c := range ows {
		if bytes.HasSuffix(name, []byte{c}) {
			return Field{}, errors.Wrap(ErrMalformedFieldLine,
				"field name has trailing whitespace")
		}
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	for _, c := range ows {
		value = bytes.Trim(value, string([]byte{c}))
	}

	return Field{Name: name, Value: value}, nil
}

func (f *Field) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(f.Name)
	buf.Write([]byte(": "))
	buf.Write(f.Value)
	return buf.Bytes()
}

type RequestLine struct {
	Method  string
	Target  string
	Version Version
}

func (rl RequestLine) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte(rl.Method))
	buf.WriteByte(SP)
	buf.Write([]byte(rl.Target))
	buf.WriteByte(SP)
	buf.Write(rl.Version.Text())
	return buf.Bytes()
}

type StatusLine struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
}

var ErrMalformedStatusLine = errors.New("status line is malformed")

func ParseStatusLine(line []byte) (StatusLine, error) {
	parts := bytes.SplitN(line, []byte{SP}, 3)
	if len(parts) < 2 {
		return StatusLine{}, ErrMalformedStatusLine
	}

	ver, err := ParseVersion(parts[0])
	if err != nil {
		return StatusLine{}, errors.Wrap(ErrMalformedStatusLine, err.Error())
	}

	statusCodeStr := string(parts[1])
	statusCode, err := strconv.ParseUint(statusCodeStr, 10, 64)
	if err != nil || len(statusCodeStr) != 3 {
		return StatusLine{}, errors.Wrapf(ErrMalformedStatusLine,
			"status code is malformed: %q", statusCodeStr)
	}

	// reason-phrase is optional.
	reasonPhrase := ""
	if len(parts) == 3 {
		reasonPhrase = string(parts[2])
	}

	return StatusLine{
		Version:      ver,
		StatusCode:   uint(statusCode),
		ReasonPhrase: reasonPhrase,
	}, nil
}

func (sl StatusLine) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(sl.Version.Text())
	buf.WriteByte(SP)
	buf.Write([]byte(strconv.FormatUint(uint64(sl.StatusCode), 10)))
	buf.WriteByte(SP)
	buf.Write([]byte(sl.ReasonPhrase))
	return buf.Bytes()
}
