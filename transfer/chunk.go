package transfer

import (
	"strconv"

	"github.com/pkg/errors"
)

var ErrMalformedChunkSize = errors.New("malformed chunk size line")

var crlf = []byte("\r\n")

// AppendChunk appends p framed as a single chunk to dst. Empty input
// produces no output, since a zero-sized chunk would terminate the
// body.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, crlf...)
	dst = append(dst, p...)
	return append(dst, crlf...)
}

// AppendLastChunk appends the zero-sized chunk and the empty trailer
// section that terminate a chunked body.
func AppendLastChunk(dst []byte) []byte {
	dst = append(dst, '0')
	dst = append(dst, crlf...)
	return append(dst, crlf...)
}

// ParseChunkSize parses a chunk size line (without its CRLF).
// Chunk extensions after the first ';' are ignored.
func ParseChunkSize(line []byte) (uint64, error) {
	for i, b := range line {
		if b == ';' {
			line = line[:i]
			break
		}
	}
	// Tolerate trailing whitespace before a dropped extension.
	for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 {
		return 0, errors.Wrap(ErrMalformedChunkSize, "empty size")
	}
	n, err := strconv.ParseUint(string(line), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedChunkSize, "%q", line)
	}
	return n, nil
}
