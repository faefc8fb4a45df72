package client

import (
	"bytes"
	"io"
	"strings"

	"github.com/swl10/httpc/transfer"
	"github.com/swl10/httpc/wire"

	"github.com/pkg/errors"
)

// respMode tracks how far the receive state machine has progressed.
type respMode uint8

const (
	respStatus respMode = iota
	respHeader
	respChunkSize
	respChunkData
	respChunkTrailer
	respData
	respDone
)

// Response accumulates one server response. It is created when its
// connection starts sending the paired request, and reset in place
// when an interim 1xx status arrives, so the same object carries the
// eventual final response.
type Response struct {
	Version wire.Version
	Status  uint
	Reason  string
	Headers wire.Headers
	// Trailers holds fields received after a chunked body. They are
	// parsed and stored, never acted on.
	Trailers wire.Headers

	request *Request

	mode      respMode
	length    transfer.Length
	remaining uint64
	// afterChunk means the CRLF closing the previous chunk still has
	// to be consumed before the next size line.
	afterChunk bool

	body bytes.Buffer
	err  error
}

func newResponse(req *Request) *Response {
	return &Response{
		request:  req,
		Headers:  wire.NewHeaders(),
		Trailers: wire.NewHeaders(),
	}
}

// Body returns the buffered response body. Empty when the request
// streamed it into a Sink instead.
func (r *Response) Body() []byte { return r.body.Bytes() }

// Request returns the request this response answers.
func (r *Response) Request() *Request { return r.request }

func (r *Response) done() bool { return r.mode == respDone }

// interim reports whether the machine is paused on a completed 1xx
// response that must be consumed and reset by the connection.
func (r *Response) interim() bool {
	return r.mode == respDone && r.Status/100 == 1
}

// resetInterim rewinds the machine after an interim response so the
// final response reuses this object.
func (r *Response) resetInterim() {
	r.mode = respStatus
	r.Version = wire.Version{}
	r.Status = 0
	r.Reason = ""
	r.Headers = wire.NewHeaders()
	r.length = transfer.Length{}
	r.remaining = 0
}

// recvNeed describes the bytes the receive machine wants next.
type recvNeed int

const (
	// needNone means the response is complete.
	needNone recvNeed = 0
	// needLine means a CRLF-terminated line.
	needLine recvNeed = -1
	// needClose means everything until the server closes.
	needClose recvNeed = -2
)

// need returns needLine, needClose, needNone, or a positive byte
// count.
func (r *Response) need() recvNeed {
	switch r.mode {
	case respStatus, respHeader, respChunkSize, respChunkTrailer:
		return needLine
	case respChunkData:
		return recvNeed(min(r.remaining, 1<<30))
	case respData:
		if !r.length.Known {
			return needClose
		}
		return recvNeed(min(r.remaining, 1<<30))
	default:
		return needNone
	}
}

// feedLine advances the machine with one received line, stripped of
// its terminator.
func (r *Response) feedLine(line []byte) error {
	switch r.mode {
	case respStatus:
		if len(line) == 0 {
			// Tolerate a stray CRLF before the status line.
			return nil
		}
		sl, err := wire.ParseStatusLine(line)
		if err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
		r.Version = sl.Version
		r.Status = sl.StatusCode
		r.Reason = string(sl.ReasonPhrase)
		r.mode = respHeader
		return nil

	case respHeader:
		if len(line) > 0 {
			f, err := wire.ParseField(line)
			if err != nil {
				return errors.Wrap(ErrProtocol, err.Error())
			}
			r.Headers.AddField(f)
			return nil
		}
		return r.endHeaders()

	case respChunkSize:
		if r.afterChunk {
			r.afterChunk = false
			if len(line) != 0 {
				return errors.Wrap(ErrProtocol, "missing chunk terminator")
			}
			return nil
		}
		size, err := transfer.ParseChunkSize(line)
		if err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
		if size == 0 {
			r.mode = respChunkTrailer
			return nil
		}
		r.remaining = size
		r.mode = respChunkData
		return nil

	case respChunkTrailer:
		if len(line) == 0 {
			r.finishBody()
			return nil
		}
		f, err := wire.ParseField(line)
		if err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
		r.Trailers.AddField(f)
		return nil
	}
	return errors.Wrapf(ErrProtocol, "unexpected line in mode %d", r.mode)
}

// feedData consumes body bytes. The caller must not exceed the
// current need.
func (r *Response) feedData(p []byte) error {
	if err := r.writeOut(p); err != nil {
		return err
	}
	switch r.mode {
	case respChunkData:
		r.remaining -= uint64(len(p))
		if r.remaining == 0 {
			r.afterChunk = true
			r.mode = respChunkSize
		}
	case respData:
		if r.length.Known {
			r.remaining -= uint64(len(p))
			if r.remaining == 0 {
				r.finishBody()
			}
		}
	}
	return nil
}

// serverClosed tells the machine the peer closed the stream. An
// until-close body completes; anything else mid-flight is an error.
func (r *Response) serverClosed() error {
	if r.mode == respData && !r.length.Known {
		r.finishBody()
		return nil
	}
	return errors.New("server closed connection mid-response")
}

func (r *Response) endHeaders() error {
	if r.Status/100 == 1 {
		if r.Status == 101 {
			return errors.Wrap(ErrProtocol, "unsolicited 101 switching protocols")
		}
		// Interim response: no body by definition. The connection
		// consumes it and resets the machine.
		r.mode = respDone
		return nil
	}

	length, err := transfer.ResponseLength(r.Status, r.request.Method, r.Headers)
	if err != nil {
		return errors.Wrap(ErrProtocol, err.Error())
	}
	r.length = length

	if hook := r.request.OnHeaders; hook != nil {
		if err := hook(r); err != nil {
			return errors.Wrap(err, "headers hook rejected response")
		}
	}

	switch {
	case length.Chunked:
		r.mode = respChunkSize
	case length.Known && length.N == 0:
		r.finishBody()
	case length.Known:
		r.remaining = length.N
		r.mode = respData
	default:
		r.mode = respData
	}
	return nil
}

func (r *Response) finishBody() { r.mode = respDone }

func (r *Response) writeOut(p []byte) error {
	var sink io.Writer = &r.body
	if r.request.Sink != nil {
		sink = r.request.Sink
	}
	_, err := sink.Write(p)
	return errors.Wrap(err, "writing response body")
}

// willClose reports whether the server signalled the connection must
// not be reused after this response.
func (r *Response) willClose() bool {
	for _, v := range r.Headers.ListValues("Connection") {
		if strings.EqualFold(v, "close") {
			return true
		}
	}
	if r.Version.AtMost(wire.V1p0) {
		for _, v := range r.Headers.ListValues("Connection") {
			if strings.EqualFold(v, "keep-alive") {
				return false
			}
		}
		return true
	}
	if !r.length.Known && !r.length.Chunked && r.mode == respDone {
		// An until-close body has no life after it.
		return true
	}
	return false
}
