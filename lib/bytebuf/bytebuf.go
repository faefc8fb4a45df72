// Package bytebuf provides a fragmented byte buffer for incremental
// protocol parsing. Incoming reads are appended as fragments and
// consumed as lines or byte counts, regardless of how the bytes were
// originally split.
package bytebuf

import "bytes"

var crlf = []byte{'\r', '\n'}

// Buffer accumulates byte fragments. Its tracked size is always the
// sum of the buffered fragments. It is not safe for concurrent use.
type Buffer struct {
	frags [][]byte
	size  uint
}

// Append copies p into the buffer as a new fragment.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	frag := make([]byte, len(p))
	copy(frag, p)
	b.frags = append(b.frags, frag)
	b.size += uint(len(p))
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() uint { return b.size }

// ReadLine consumes and returns one CRLF terminated line, without the
// terminator. It returns false if no complete line is buffered yet.
func (b *Buffer) ReadLine() (line []byte, ok bool) {
	if b.size < uint(len(crlf)) {
		return nil, false
	}

	data := b.consolidate()
	idx := bytes.Index(data, crlf)
	if idx < 0 {
		return nil, false
	}

	b.replace(data[idx+len(crlf):])
	return data[:idx], true
}

// ReadN consumes and returns exactly n bytes, or false if fewer
// are buffered.
func (b *Buffer) ReadN(n uint) ([]byte, bool) {
	if n == 0 || b.size < n {
		return nil, false
	}

	data := b.consolidate()
	b.replace(data[n:])
	return data[:n], true
}

// Next consumes and returns up to max bytes. The head fragment is
// returned whole when it fits, so data flows out in the units it
// arrived in. Returns nil when the buffer is empty.
func (b *Buffer) Next(max uint) []byte {
	if b.size == 0 || max == 0 {
		return nil
	}

	head := b.frags[0]
	if uint(len(head)) <= max {
		b.frags = b.frags[1:]
		b.size -= uint(len(head))
		return head
	}

	b.frags[0] = head[max:]
	b.size -= max
	return head[:max]
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.frags = nil
	b.size = 0
}

// consolidate joins all fragments into one and returns it.
// The buffer keeps referencing the joined fragment.
func (b *Buffer) consolidate() []byte {
	if len(b.frags) == 1 {
		return b.frags[0]
	}

	joined := make([]byte, 0, b.size)
	for _, frag := range b.frags {
		joined = append(joined, frag...)
	}
	b.frags = [][]byte{joined}

	return joined
}

func (b *Buffer) replace(rest []byte) {
	if len(rest) == 0 {
		b.frags = nil
		b.size = 0
		return
	}
	b.frags = [][]byte{rest}
	b.size = uint(len(rest))
}
