package client

import (
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/swl10/httpc/auth"
	"github.com/swl10/httpc/wire"

	"github.com/pkg/errors"
)

// Request is the caller-facing handle for one exchange. It is built
// once, queued through a Worker, and completes exactly once: Done is
// closed after the terminal response (or transport failure), even
// when redirects or authentication retries resubmitted it along the
// way.
type Request struct {
	Method  string
	URL     *url.URL
	Version wire.Version
	Headers wire.Headers
	Body    BodySource

	// OnHeaders fires once the final response's header section is
	// parsed. Returning an error aborts the exchange and closes the
	// connection.
	OnHeaders func(*Response) error
	// Sink receives body bytes as they arrive instead of the
	// response's internal buffer.
	Sink io.Writer

	// Status is the terminal HTTP status, 0 on transport failure.
	Status uint
	// Err is set when the request failed without a real HTTP
	// response.
	Err      error
	Response *Response

	target Target
	client *Client
	worker *Worker

	expectContinue bool
	// wireStarted means at least one byte of this send cycle reached
	// the socket, which forbids blind retry of non-idempotent
	// methods.
	wireStarted bool
	bodySent    bool

	retries    uint
	redirects  uint
	retried417 bool

	queueTimeout time.Duration

	// authBase / authSession track the credential negotiation across
	// resubmissions.
	authBase    auth.Credentials
	authSession auth.Credentials

	finished bool
	done     chan struct{}
}

// NewRequest builds a request. body may be nil.
func NewRequest(method, rawurl string, body BodySource) (*Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing url %q", rawurl)
	}
	target, err := TargetOf(u)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     u,
		Version: wire.V1p1,
		Headers: wire.NewHeaders(),
		Body:    body,
		target:  target,
		done:    make(chan struct{}),
	}, nil
}

// Done is closed when the request has its terminal outcome.
func (r *Request) Done() <-chan struct{} { return r.done }

// Idempotent reports whether the method may be pipelined and blindly
// retried.
func (r *Request) Idempotent() bool {
	switch r.Method {
	case "GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// requestTarget renders the request-target for the request line:
// absolute path plus query.
func (r *Request) requestTarget() string {
	t := r.URL.EscapedPath()
	if t == "" {
		t = "/"
	}
	if r.URL.RawQuery != "" {
		t += "?" + r.URL.RawQuery
	}
	return t
}

// prepare normalizes headers before (re)submission.
func (r *Request) prepare(c *Client) error {
	r.client = c
	target, err := TargetOf(r.URL)
	if err != nil {
		return err
	}
	r.target = target

	r.Headers.Set("Host", target.HostHeader())
	if _, ok := r.Headers.Get("User-Agent"); !ok {
		r.Headers.Set("User-Agent", c.opts.UserAgent)
	}

	r.expectContinue = false
	for _, v := range r.Headers.ListValues("Expect") {
		if strings.EqualFold(v, "100-continue") {
			r.expectContinue = true
		}
	}

	if r.authSession != nil {
		r.Headers.Set("Authorization", r.authSession.WireValue())
	} else if _, ok := r.Headers.Get("Authorization"); !ok {
		if creds, ok := c.creds.FindURL(r.URL); ok {
			// Pre-emptive credentials skip the 401 round trip.
			r.authBase = creds
			session, err := creds.Respond(nil)
			if err == nil {
				r.authSession = session
				r.Headers.Set("Authorization", session.WireValue())
			}
		}
	}

	r.wireStarted = false
	r.bodySent = false
	return nil
}

// requeue resubmits the request on its worker with the pool timeout
// of the original submission.
func (r *Request) requeue() error {
	return r.worker.Queue(r, r.queueTimeout)
}

// rewindBody readies the body for another send cycle.
func (r *Request) rewindBody() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Rewind()
}

// finish records the terminal outcome. Safe to call once only; the
// connection and completion policy guarantee that.
func (r *Request) finish(status uint, resp *Response, err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.Status = status
	r.Response = resp
	r.Err = err
	close(r.done)
}
