package client

import (
	"io"

	"github.com/pkg/errors"
)

// BodySource supplies an outgoing request body. A source must be
// rewindable for the request to survive a redirect or retry: Rewind
// seeks back to the position the source had when the request was
// built.
type BodySource interface {
	io.Reader

	// Len returns the number of bytes the source will produce, or -1
	// when unknown. Unknown-length bodies are sent chunked.
	Len() int64

	// Rewind restarts the source from its recorded offset.
	// ErrNotRewindable means the body cannot be sent again.
	Rewind() error
}

// BytesBody wraps an in-memory body.
func BytesBody(data []byte) BodySource {
	return &bytesBody{data: data}
}

type bytesBody struct {
	data []byte
	off  int
}

func (b *bytesBody) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

func (b *bytesBody) Len() int64 { return int64(len(b.data)) }

func (b *bytesBody) Rewind() error {
	b.off = 0
	return nil
}

// ReaderBody wraps a streaming body of unknown length. When r also
// implements io.Seeker the current offset is recorded and the body
// becomes rewindable; otherwise Rewind fails and the request cannot
// be resent.
func ReaderBody(r io.Reader) BodySource {
	b := &readerBody{r: r}
	if s, ok := r.(io.Seeker); ok {
		if off, err := s.Seek(0, io.SeekCurrent); err == nil {
			b.seeker = s
			b.start = off
		}
	}
	return b
}

type readerBody struct {
	r      io.Reader
	seeker io.Seeker
	start  int64
}

func (b *readerBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *readerBody) Len() int64 { return -1 }

func (b *readerBody) Rewind() error {
	if b.seeker == nil {
		return ErrNotRewindable
	}
	_, err := b.seeker.Seek(b.start, io.SeekStart)
	return errors.Wrap(err, "rewinding body")
}
