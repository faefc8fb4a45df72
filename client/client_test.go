package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swl10/httpc/auth"
	"github.com/swl10/httpc/transfer"
	"github.com/swl10/httpc/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, host, port string) (string, error) {
	return net.JoinHostPort(host, port), nil
}

type fixture struct {
	clk    *clock.Mock
	dialer *transport.StubDialer
	client *Client
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		clk:    clock.NewMock(),
		dialer: &transport.StubDialer{},
	}
	opts.Clock = f.clk
	opts.Dialer = f.dialer
	if opts.Resolver == nil {
		opts.Resolver = stubResolver{}
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	f.client = New(opts)
	t.Cleanup(f.client.Close)
	return f
}

// step pumps the worker a bounded number of times or until the
// request completes.
func step(t *testing.T, w *Worker, req *Request, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		select {
		case <-req.Done():
			return
		default:
		}
		w.Step(time.Millisecond)
	}
}

func requireDone(t *testing.T, req *Request) {
	t.Helper()
	select {
	case <-req.Done():
	default:
		t.Fatal("request did not complete")
	}
}

const okResponse = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

func TestSimpleExchange(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	req, err := NewRequest("GET", "http://www.example.com/index", nil)
	require.NoError(t, err)

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	w.Step(time.Millisecond)

	written := string(conn.Written())
	assert.True(t, strings.HasPrefix(written, "GET /index HTTP/1.1\r\n"), written)
	assert.Contains(t, written, "Host: www.example.com\r\n")
	assert.Contains(t, written, "User-Agent: "+DefaultUserAgent+"\r\n")

	conn.FeedString(okResponse)
	step(t, w, req, 4)

	requireDone(t, req)
	assert.EqualValues(t, 200, req.Status)
	require.NoError(t, req.Err)
	assert.Equal(t, "hello", string(req.Response.Body()))
	assert.Equal(t, "OK", req.Response.Reason)

	// The quiesced connection went back to the pool.
	w.Run(time.Millisecond)
	assert.EqualValues(t, 1, f.client.pool.idleCount())
}

func TestResponseBodies(t *testing.T) {
	testcases := []struct {
		desc       string
		method     string
		response   string
		closeSrv   bool
		wantStatus uint
		wantBody   string
	}{
		{
			desc:       "content length",
			method:     "GET",
			response:   "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc",
			wantStatus: 200,
			wantBody:   "abc",
		},
		{
			desc:       "chunked",
			method:     "GET",
			wantStatus: 200,
			response: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n",
			wantBody: "abcde",
		},
		{
			desc:       "chunked with trailers",
			method:     "GET",
			wantStatus: 200,
			response: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"3\r\nabc\r\n0\r\nExpires: never\r\n\r\n",
			wantBody: "abc",
		},
		{
			desc:       "until close",
			method:     "GET",
			response:   "HTTP/1.1 200 OK\r\n\r\nrest of stream",
			closeSrv:   true,
			wantStatus: 200,
			wantBody:   "rest of stream",
		},
		{
			desc:       "head has no body",
			method:     "HEAD",
			response:   "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n",
			wantStatus: 200,
			wantBody:   "",
		},
		{
			desc:       "204 has no body",
			method:     "GET",
			response:   "HTTP/1.1 204 No Content\r\n\r\n",
			wantStatus: 204,
			wantBody:   "",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, Options{})
			conn := &transport.StubConn{ChunkReads: true}
			f.dialer.Expect(conn)

			req, err := NewRequest(tc.method, "http://www.example.com/", nil)
			require.NoError(t, err)

			w := f.client.NewWorker()
			require.NoError(t, w.Queue(req, time.Second))

			conn.FeedString(tc.response)
			if tc.closeSrv {
				conn.CloseServer()
			}
			step(t, w, req, 2*len(tc.response)+8)

			requireDone(t, req)
			require.NoError(t, req.Err)
			assert.Equal(t, tc.wantStatus, req.Status)
			assert.Equal(t, tc.wantBody, string(req.Response.Body()))
		})
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	// Encode with the codec, decode through the receive machine, for
	// bodies around the I/O chunk boundary and delivered byte by
	// byte.
	lengths := []int{0, 1, ioChunkSize - 1, ioChunkSize, ioChunkSize + 1, 10000}

	for _, n := range lengths {
		t.Run(fmt.Sprintf("length %d", n), func(t *testing.T) {
			body := make([]byte, n)
			for i := range body {
				body[i] = byte('a' + i%26)
			}

			var encoded []byte
			for off := 0; off < len(body); off += 1000 {
				end := min(off+1000, len(body))
				encoded = transfer.AppendChunk(encoded, body[off:end])
			}
			encoded = transfer.AppendLastChunk(encoded)

			f := newFixture(t, Options{})
			conn := &transport.StubConn{}
			f.dialer.Expect(conn)

			req, err := NewRequest("GET", "http://www.example.com/", nil)
			require.NoError(t, err)

			w := f.client.NewWorker()
			require.NoError(t, w.Queue(req, time.Second))

			conn.FeedString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
			conn.Feed(encoded)
			step(t, w, req, n/ioChunkSize+16)

			requireDone(t, req)
			require.NoError(t, req.Err)
			assert.Equal(t, string(body), string(req.Response.Body()))
		})
	}
}

func TestPipeliningFIFO(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	w := f.client.NewWorker()

	first, err := NewRequest("GET", "http://www.example.com/1", nil)
	require.NoError(t, err)
	second, err := NewRequest("GET", "http://www.example.com/2", nil)
	require.NoError(t, err)

	require.NoError(t, w.Queue(first, time.Second))
	require.NoError(t, w.Queue(second, time.Second))

	// Both idempotent heads go out before any response arrives.
	step(t, w, second, 3)
	written := string(conn.Written())
	assert.Contains(t, written, "GET /1 HTTP/1.1\r\n")
	assert.Contains(t, written, "GET /2 HTTP/1.1\r\n")

	var order []string
	first.OnHeaders = func(*Response) error { order = append(order, "first"); return nil }
	second.OnHeaders = func(*Response) error { order = append(order, "second"); return nil }

	conn.FeedString("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na")
	conn.FeedString("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nb")
	step(t, w, second, 6)

	requireDone(t, first)
	requireDone(t, second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "a", string(first.Response.Body()))
	assert.Equal(t, "b", string(second.Response.Body()))
}

func TestNonIdempotentWaitsForQuietWire(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	w := f.client.NewWorker()

	get, err := NewRequest("GET", "http://www.example.com/1", nil)
	require.NoError(t, err)
	post, err := NewRequest("POST", "http://www.example.com/2", BytesBody([]byte("data")))
	require.NoError(t, err)

	require.NoError(t, w.Queue(get, time.Second))
	require.NoError(t, w.Queue(post, time.Second))

	step(t, w, post, 3)
	written := string(conn.Written())
	assert.Contains(t, written, "GET /1 HTTP/1.1\r\n")
	assert.NotContains(t, written, "POST")

	conn.FeedString("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	step(t, w, post, 3)
	assert.Contains(t, string(conn.Written()), "POST /2 HTTP/1.1\r\n")

	conn.FeedString("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	step(t, w, post, 4)
	requireDone(t, post)
	assert.EqualValues(t, 200, post.Status)
}

func TestExpectContinue(t *testing.T) {
	t.Run("100 releases the body", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/upload", BytesBody([]byte("payload")))
		require.NoError(t, err)
		req.Headers.Set("Expect", "100-continue")

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))

		step(t, w, req, 3)
		written := string(conn.Written())
		assert.Contains(t, written, "Expect: 100-continue\r\n")
		assert.NotContains(t, written, "payload")

		conn.FeedString("HTTP/1.1 100 Continue\r\n\r\n")
		step(t, w, req, 3)
		assert.Contains(t, string(conn.Written()), "payload")

		conn.FeedString(okResponse)
		step(t, w, req, 4)

		requireDone(t, req)
		assert.EqualValues(t, 200, req.Status)
		require.NoError(t, req.Err)

		// The body went out exactly once.
		assert.Equal(t, 1, strings.Count(string(conn.Written()), "payload"))
	})

	t.Run("timer expiry releases the body", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/upload", BytesBody([]byte("payload")))
		require.NoError(t, err)
		req.Headers.Set("Expect", "100-continue")

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)
		assert.NotContains(t, string(conn.Written()), "payload")

		f.clk.Add(61 * time.Second)
		step(t, w, req, 3)
		assert.Contains(t, string(conn.Written()), "payload")
	})

	t.Run("417 clears the expectation and resends", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/upload", BytesBody([]byte("payload")))
		require.NoError(t, err)
		req.Headers.Set("Expect", "100-continue")

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 3)

		conn.DiscardWritten()
		conn.FeedString("HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\n\r\n")
		step(t, w, req, 4)

		written := string(conn.Written())
		assert.NotContains(t, written, "Expect:")
		assert.Contains(t, written, "payload")

		conn.FeedString(okResponse)
		step(t, w, req, 4)
		requireDone(t, req)
		assert.EqualValues(t, 200, req.Status)
	})
}

func TestEarlyFinalResponse(t *testing.T) {
	t.Run("small counted remainder keeps the connection", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/upload", BytesBody([]byte("payload")))
		require.NoError(t, err)
		req.Headers.Set("Expect", "100-continue")

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 3)
		assert.NotContains(t, string(conn.Written()), "payload")

		// Final answer lands while the body is still held back.
		conn.FeedString("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
		step(t, w, req, 6)

		requireDone(t, req)
		assert.EqualValues(t, 403, req.Status)
		require.NoError(t, req.Err)

		// The counted remainder still went out, so the framing holds
		// and the connection survives for the next request.
		w.Run(time.Millisecond)
		assert.Contains(t, string(conn.Written()), "payload")
		assert.False(t, conn.Closed())

		next, err := NewRequest("GET", "http://www.example.com/index", nil)
		require.NoError(t, err)
		require.NoError(t, w.Queue(next, time.Second))
		w.Step(time.Millisecond)
		conn.FeedString(okResponse)
		step(t, w, next, 4)

		requireDone(t, next)
		assert.EqualValues(t, 200, next.Status)
		assert.Len(t, f.dialer.Addrs(), 1)
	})

	t.Run("large counted body closes the connection", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		big := bytes.Repeat([]byte("x"), 3*8192)
		req, err := NewRequest("POST", "http://www.example.com/upload", BytesBody(big))
		require.NoError(t, err)
		req.Headers.Set("Expect", "100-continue")

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 3)

		conn.FeedString("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
		step(t, w, req, 6)

		requireDone(t, req)
		assert.EqualValues(t, 403, req.Status)

		// The body cannot be cut short mid-count, so the connection
		// goes down instead of sending the rest.
		w.Run(time.Millisecond)
		assert.True(t, conn.Closed())
	})
}

func TestRedirects(t *testing.T) {
	t.Run("301 follows with method preserved", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("GET", "http://www.example.com/old", nil)
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)

		conn.FeedString("HTTP/1.1 301 Moved Permanently\r\nLocation: /new\r\nContent-Length: 0\r\n\r\n")
		step(t, w, req, 4)
		assert.Contains(t, string(conn.Written()), "GET /new HTTP/1.1\r\n")

		conn.FeedString(okResponse)
		step(t, w, req, 4)
		requireDone(t, req)
		assert.EqualValues(t, 200, req.Status)
		assert.Equal(t, "/new", req.URL.Path)
	})

	t.Run("302 is not followed for POST", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/submit", BytesBody([]byte("x")))
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)

		conn.FeedString("HTTP/1.1 302 Found\r\nLocation: /elsewhere\r\nContent-Length: 0\r\n\r\n")
		step(t, w, req, 4)

		requireDone(t, req)
		assert.EqualValues(t, 302, req.Status)
	})

	t.Run("redirect chain is bounded", func(t *testing.T) {
		f := newFixture(t, Options{MaxRedirects: 2})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("GET", "http://www.example.com/a", nil)
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))

		for i := 0; i < 3; i++ {
			step(t, w, req, 3)
			conn.FeedString("HTTP/1.1 301 Moved Permanently\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
			step(t, w, req, 3)
		}

		requireDone(t, req)
		assert.EqualValues(t, 301, req.Status)
		assert.Error(t, req.Err)
	})
}

func TestBasicAuthRetry(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	space := auth.Space{Scheme: "http", Host: "www.example.com", Port: "80"}
	creds := auth.NewBasicCredentials(space, "wonderland", "alice", "secret")
	f.client.AddCredentials(creds)

	req, err := NewRequest("GET", "http://www.example.com/private/data", nil)
	require.NoError(t, err)

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	step(t, w, req, 2)
	assert.NotContains(t, string(conn.Written()), "Authorization:")

	conn.FeedString("HTTP/1.1 401 Unauthorized\r\n" +
		"WWW-Authenticate: Basic realm=\"wonderland\"\r\nContent-Length: 0\r\n\r\n")
	step(t, w, req, 4)

	token := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	assert.Contains(t, string(conn.Written()), "Authorization: Basic "+token+"\r\n")

	conn.FeedString(okResponse)
	step(t, w, req, 4)
	requireDone(t, req)
	assert.EqualValues(t, 200, req.Status)

	// Success recorded the path, so the next request under it is
	// authorized pre-emptively.
	u, _ := NewRequest("GET", "http://www.example.com/private/data/more", nil)
	assert.True(t, creds.TestURL(u.URL))
}

func TestRejectedCredentialsAreRemoved(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	space := auth.Space{Scheme: "http", Host: "www.example.com", Port: "80"}
	creds := auth.NewBasicCredentials(space, "", "alice", "wrong")
	f.client.AddCredentials(creds)

	req, err := NewRequest("GET", "http://www.example.com/private", nil)
	require.NoError(t, err)

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	step(t, w, req, 2)

	challenge := "HTTP/1.1 401 Unauthorized\r\n" +
		"WWW-Authenticate: Basic realm=\"x\"\r\nContent-Length: 0\r\n\r\n"
	conn.FeedString(challenge)
	step(t, w, req, 4)
	conn.FeedString(challenge)
	step(t, w, req, 4)

	requireDone(t, req)
	assert.EqualValues(t, 401, req.Status)

	_, found := f.client.creds.FindChallenge(space, []auth.Challenge{
		{Scheme: "Basic", Params: map[string]string{"realm": "x"}},
	})
	assert.False(t, found)
}

// buildType2 assembles a minimal NTLM CHALLENGE message.
func buildType2(nonce [8]byte) string {
	var msg []byte
	msg = append(msg, []byte("NTLMSSP\x00")...)
	msg = binary.LittleEndian.AppendUint32(msg, 2)
	msg = append(msg, make([]byte, 8)...) // empty target name buffer
	msg = binary.LittleEndian.AppendUint32(msg, 1)
	msg = append(msg, nonce[:]...)
	msg = append(msg, make([]byte, 16)...)
	return base64.StdEncoding.EncodeToString(msg)
}

func TestNTLMNegotiation(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	space := auth.Space{Scheme: "http", Host: "www.example.com", Port: "80"}
	f.client.AddCredentials(auth.NewNTLMCredentials(space, `DOMAIN\alice`, "secret"))

	req, err := NewRequest("GET", "http://www.example.com/share", nil)
	require.NoError(t, err)

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	step(t, w, req, 2)

	conn.DiscardWritten()
	conn.FeedString("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: NTLM\r\nContent-Length: 0\r\n\r\n")
	step(t, w, req, 4)

	// Type 1 (negotiate) messages begin with the NTLMSSP signature
	// and type 1.
	assert.Contains(t, string(conn.Written()), "Authorization: NTLM TlRMTVNTUAAB")

	conn.DiscardWritten()
	conn.FeedString("HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: NTLM " +
		buildType2([8]byte{1, 2, 3, 4, 5, 6, 7, 8}) + "\r\nContent-Length: 0\r\n\r\n")
	step(t, w, req, 4)

	// Type 3 (authenticate).
	assert.Contains(t, string(conn.Written()), "Authorization: NTLM TlRMTVNTUAAD")

	conn.FeedString(okResponse)
	step(t, w, req, 4)
	requireDone(t, req)
	assert.EqualValues(t, 200, req.Status)
}

func TestPoolLimits(t *testing.T) {
	t.Run("zero timeout fails busy immediately", func(t *testing.T) {
		f := newFixture(t, Options{MaxConnections: 1})
		f.dialer.Expect(&transport.StubConn{})

		req1, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)
		w1 := f.client.NewWorker()
		require.NoError(t, w1.Queue(req1, time.Second))
		w1.Step(time.Millisecond)

		req2, err := NewRequest("GET", "http://other.example.com/", nil)
		require.NoError(t, err)
		w2 := f.client.NewWorker()
		assert.ErrorIs(t, w2.Queue(req2, 0), ErrPoolBusy)
	})

	t.Run("idle connection is evicted for a new target", func(t *testing.T) {
		f := newFixture(t, Options{MaxConnections: 1})
		conn1 := &transport.StubConn{}
		conn2 := &transport.StubConn{}
		f.dialer.Expect(conn1)
		f.dialer.Expect(conn2)

		req1, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)
		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req1, time.Second))
		conn1.FeedString(okResponse)
		step(t, w, req1, 4)
		requireDone(t, req1)
		w.Run(time.Millisecond)
		require.EqualValues(t, 1, f.client.pool.idleCount())

		req2, err := NewRequest("GET", "http://other.example.com/", nil)
		require.NoError(t, err)
		require.NoError(t, w.Queue(req2, time.Second))

		assert.True(t, conn1.Closed())
		conn2.FeedString(okResponse)
		step(t, w, req2, 4)
		requireDone(t, req2)
	})

	t.Run("submissions fail after close", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.client.Close()

		req, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)
		w := f.client.NewWorker()
		assert.ErrorIs(t, w.Queue(req, time.Second), ErrPoolClosed)
	})
}

func TestIdleReuseSameTarget(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	w := f.client.NewWorker()

	req1, err := NewRequest("GET", "http://www.example.com/1", nil)
	require.NoError(t, err)
	require.NoError(t, w.Queue(req1, time.Second))
	conn.FeedString(okResponse)
	step(t, w, req1, 4)
	requireDone(t, req1)
	w.Run(time.Millisecond)

	req2, err := NewRequest("GET", "http://www.example.com/2", nil)
	require.NoError(t, err)
	require.NoError(t, w.Queue(req2, time.Second))

	// Send the head before feeding the reply: bytes arriving ahead of
	// the request would read as a stale socket.
	w.Step(time.Millisecond)
	conn.FeedString(okResponse)
	step(t, w, req2, 4)
	requireDone(t, req2)

	// One dial served both exchanges.
	assert.Len(t, f.dialer.Addrs(), 1)
}

func TestStaleSocketReconnect(t *testing.T) {
	f := newFixture(t, Options{})
	conn1 := &transport.StubConn{}
	conn2 := &transport.StubConn{}
	f.dialer.Expect(conn1)
	f.dialer.Expect(conn2)

	w := f.client.NewWorker()

	req1, err := NewRequest("GET", "http://www.example.com/1", nil)
	require.NoError(t, err)
	require.NoError(t, w.Queue(req1, time.Second))
	conn1.FeedString(okResponse)
	step(t, w, req1, 4)
	requireDone(t, req1)
	w.Run(time.Millisecond)

	// Server hangs up while the connection sits idle.
	conn1.CloseServer()

	req2, err := NewRequest("GET", "http://www.example.com/2", nil)
	require.NoError(t, err)
	require.NoError(t, w.Queue(req2, time.Second))
	conn2.FeedString(okResponse)
	step(t, w, req2, 4)

	requireDone(t, req2)
	assert.EqualValues(t, 200, req2.Status)
	assert.Len(t, f.dialer.Addrs(), 2)
}

func TestRetryAfterDisconnect(t *testing.T) {
	t.Run("idempotent request is retried", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn1 := &transport.StubConn{}
		conn2 := &transport.StubConn{}
		f.dialer.Expect(conn1)
		f.dialer.Expect(conn2)

		req, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)

		// Connection dies mid-response.
		conn1.FeedString("HTTP/1.1 200 OK\r\nContent-Le")
		conn1.CloseServer()
		step(t, w, req, 4)

		conn2.FeedString(okResponse)
		step(t, w, req, 6)

		requireDone(t, req)
		require.NoError(t, req.Err)
		assert.EqualValues(t, 200, req.Status)
		assert.Len(t, f.dialer.Addrs(), 2)
	})

	t.Run("partially sent POST is not retried", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/", BytesBody([]byte("data")))
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)

		conn.CloseServer()
		step(t, w, req, 4)

		requireDone(t, req)
		assert.EqualValues(t, 0, req.Status)
		assert.Error(t, req.Err)
		assert.Len(t, f.dialer.Addrs(), 1)
	})

	t.Run("header cut mid-line fails the exchange", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/", BytesBody([]byte("data")))
		require.NoError(t, err)

		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 2)

		// The unfinished line can never complete; the exchange must
		// fail rather than wait for the rest.
		conn.FeedString("HTTP/1.1 200 OK\r\nContent-Le")
		conn.CloseServer()
		step(t, w, req, 6)

		requireDone(t, req)
		assert.Error(t, req.Err)
		assert.Len(t, f.dialer.Addrs(), 1)
	})
}

func TestConnectionCloseHeader(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	req, err := NewRequest("GET", "http://www.example.com/", nil)
	require.NoError(t, err)

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	conn.FeedString("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok")
	step(t, w, req, 4)

	requireDone(t, req)
	assert.EqualValues(t, 200, req.Status)

	w.Run(time.Millisecond)
	assert.True(t, conn.Closed())
	assert.EqualValues(t, 0, f.client.pool.idleCount())
}

func TestSinkStreamsBody(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	f.dialer.Expect(conn)

	var sink strings.Builder
	req, err := NewRequest("GET", "http://www.example.com/", nil)
	require.NoError(t, err)
	req.Sink = &sink

	w := f.client.NewWorker()
	require.NoError(t, w.Queue(req, time.Second))
	conn.FeedString(okResponse)
	step(t, w, req, 4)

	requireDone(t, req)
	assert.Equal(t, "hello", sink.String())
	assert.Empty(t, req.Response.Body())
}

func TestSweeps(t *testing.T) {
	t.Run("stale idle connections are closed", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)
		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		conn.FeedString(okResponse)
		step(t, w, req, 4)
		requireDone(t, req)
		w.Run(time.Millisecond)
		require.EqualValues(t, 1, f.client.pool.idleCount())

		f.clk.Add(10 * time.Minute)
		f.client.KillStale(5 * time.Minute)

		assert.True(t, conn.Closed())
		assert.EqualValues(t, 0, f.client.pool.idleCount())
	})

	t.Run("abandoned active connections are shut down", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/", BytesBody([]byte("data")))
		require.NoError(t, err)
		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		w.Step(time.Millisecond)

		// The owner stops polling.
		f.clk.Add(10 * time.Minute)
		f.client.KillAbandoned(time.Minute)

		assert.True(t, conn.ShutdownCalled())
		assert.False(t, conn.Closed())

		// When the worker finally wakes up it observes the error and
		// tears the connection down itself.
		step(t, w, req, 6)
		requireDone(t, req)
		assert.Error(t, req.Err)
	})

	t.Run("sweep races the owning worker", func(t *testing.T) {
		f := newFixture(t, Options{})
		conn := &transport.StubConn{}
		f.dialer.Expect(conn)

		req, err := NewRequest("POST", "http://www.example.com/", BytesBody([]byte("data")))
		require.NoError(t, err)
		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		w.Step(time.Millisecond)

		// Sweep from another goroutine while the owner keeps pumping
		// the connection.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.clk.Add(time.Minute)
				f.client.KillAbandoned(time.Minute)
			}
		}()
		for i := 0; i < 200; i++ {
			select {
			case <-req.Done():
			default:
				w.Step(time.Millisecond)
			}
		}
		wg.Wait()

		// The server never answers, so once the owner stops polling
		// the sweep is guaranteed to cut the connection.
		f.clk.Add(10 * time.Minute)
		f.client.KillAbandoned(time.Minute)
		step(t, w, req, 6)
		requireDone(t, req)
		assert.Error(t, req.Err)
	})
}

func TestDo(t *testing.T) {
	f := newFixture(t, Options{})
	conn := &transport.StubConn{}
	conn.FeedString(okResponse)
	f.dialer.Expect(conn)

	req, err := NewRequest("GET", "http://www.example.com/", nil)
	require.NoError(t, err)

	require.NoError(t, f.client.Do(req))
	assert.EqualValues(t, 200, req.Status)
	assert.Equal(t, "hello", string(req.Response.Body()))
}

func TestDNSCache(t *testing.T) {
	calls := 0
	resolver := resolverFunc(func(_ context.Context, host, port string) (string, error) {
		calls++
		return net.JoinHostPort(host, port), nil
	})

	f := newFixture(t, Options{Resolver: resolver})
	conn1 := &transport.StubConn{}
	conn2 := &transport.StubConn{}
	f.dialer.Expect(conn1)
	f.dialer.Expect(conn2)

	do := func(conn *transport.StubConn) {
		t.Helper()
		req, err := NewRequest("GET", "http://www.example.com/", nil)
		require.NoError(t, err)
		conn.FeedString("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		w := f.client.NewWorker()
		require.NoError(t, w.Queue(req, time.Second))
		step(t, w, req, 6)
		requireDone(t, req)
		w.Run(time.Millisecond)
	}

	do(conn1)
	do(conn2)
	assert.Equal(t, 1, calls)

	f.client.FlushDNS()
	conn3 := &transport.StubConn{}
	f.dialer.Expect(conn3)
	do(conn3)
	assert.Equal(t, 2, calls)
}

type resolverFunc func(ctx context.Context, host, port string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, host, port string) (string, error) {
	return f(ctx, host, port)
}
