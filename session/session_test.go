package session_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/dispatcher"
	"github.com/coder/gallatin/filter"
	"github.com/coder/gallatin/filter/filtermock"
	"github.com/coder/gallatin/httpmsg"
	"github.com/coder/gallatin/session"
	"github.com/coder/gallatin/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

type recordingLog struct {
	mu       sync.Mutex
	outcomes []accesslog.Outcome
}

func (r *recordingLog) Write(_ string, _ *httpmsg.RequestHeader, outcome accesslog.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingLog) Outcomes() []accesslog.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]accesslog.Outcome(nil), r.outcomes...)
}

// origin accepts in-process connections for one address.
func origin(t *testing.T, n *testutil.InProcNet, addr string) <-chan net.Conn {
	t.Helper()
	ln, err := n.Listen(addr)
	require.NoError(t, err)
	conns := make(chan net.Conn, 4)
	done := testutil.Go(t, func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.SetDeadline(time.Now().Add(testutil.WaitShort))
			conns <- c
		}
	})
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		close(conns)
		for c := range conns {
			_ = c.Close()
		}
	})
	return conns
}

func startSession(t *testing.T, opts session.Options) (net.Conn, *session.Session) {
	t.Helper()
	client, proxied := net.Pipe()
	_ = client.SetDeadline(time.Now().Add(testutil.WaitShort))
	opts.Logger = testutil.Logger(t)
	s := session.New(proxied, opts)
	t.Cleanup(func() {
		_ = client.Close()
		s.Close()
	})
	return client, s
}

func write(t *testing.T, c net.Conn, s string) {
	t.Helper()
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestSession_NonPersistent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "www.cnn.com:80")
	reg := prometheus.NewRegistry()
	log := &recordingLog{}
	client, s := startSession(t, session.Options{
		Dialer:    n,
		AccessLog: log,
		Metrics: session.Metrics{
			Bytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "test_bytes_total",
			}, []string{"direction"}),
		},
	})

	const request = "GET / HTTP/1.1\r\nHost: www.cnn.com\r\n\r\n"
	const response = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	write(t, client, request)

	server := testutil.RequireReceive(ctx, t, conns)
	require.Equal(t, request, readN(t, server, len(request)))
	write(t, server, response)

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, response, string(out))
	requireClosed(t, server)

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, session.StateUnconnected, s.State())
	require.Equal(t, 0, s.PipelineDepth())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeForwarded}, log.Outcomes())
	require.Equal(t, "GET / HTTP/1.1", s.RequestHeader().String())
	require.Equal(t, 200, s.ResponseHeader().StatusCode())
	require.True(t, testutil.PromCounterHasValue(t, reg, float64(len(request)), "test_bytes_total", session.DirectionClientToServer))
	require.True(t, testutil.PromCounterHasValue(t, reg, float64(len(response)), "test_bytes_total", session.DirectionServerToClient))
}

func TestSession_PersistentPipelined(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "a.example:80")
	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: n, AccessLog: log})

	const requests = "GET /1 HTTP/1.1\r\nHost: a.example\r\n\r\n" +
		"GET /2 HTTP/1.1\r\nHost: a.example\r\nProxy-Connection: keep-alive\r\n\r\n"
	const responses = "HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nContent-Length: 4\r\n\r\nabcd" +
		"HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 5\r\n\r\nefghi"
	write(t, client, requests)

	server := testutil.RequireReceive(ctx, t, conns)
	br := bufio.NewReader(server)
	first, err := http.ReadRequest(br)
	require.NoError(t, err)
	require.Equal(t, "/1", first.URL.Path)
	second, err := http.ReadRequest(br)
	require.NoError(t, err)
	require.Equal(t, "/2", second.URL.Path)
	require.Equal(t, "keep-alive", second.Header.Get("Connection"))
	require.Empty(t, second.Header.Get("Proxy-Connection"))

	write(t, server, responses)
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, responses, string(out))

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, 1, n.Dials("a.example:80"))
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeForwarded, accesslog.OutcomeForwarded}, log.Outcomes())
}

func TestSession_SwitchHost(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	aConns := origin(t, n, "a.example:80")
	bConns := origin(t, n, "b.example:8080")
	client, s := startSession(t, session.Options{Dialer: n})

	const reqA = "GET http://a.example/x HTTP/1.1\r\nHost: a.example\r\n\r\n"
	const reqB = "GET http://b.example:8080/y HTTP/1.1\r\nHost: b.example:8080\r\n\r\n"
	const respA = "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na"
	const respB = "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 1\r\n\r\nb"

	received := make(chan string, 1)
	readerDone := testutil.Go(t, func() {
		out, _ := io.ReadAll(client)
		received <- string(out)
	})
	write(t, client, reqA+reqB)

	a := testutil.RequireReceive(ctx, t, aConns)
	require.Equal(t, reqA, readN(t, a, len(reqA)))
	write(t, a, respA)

	// The second request waits for the first response, then moves to b.
	b := testutil.RequireReceive(ctx, t, bConns)
	require.Equal(t, reqB, readN(t, b, len(reqB)))
	requireClosed(t, a)
	write(t, b, respB)

	require.Equal(t, respA+respB, testutil.RequireReceive(ctx, t, received))
	<-readerDone
	testutil.TryReceive(ctx, t, s.Done())
}

func TestSession_ConnectionRejected(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	log := &recordingLog{}
	client, s := startSession(t, session.Options{
		Dialer:    n,
		AccessLog: log,
		Filter: filter.New(filter.Options{
			Enabled:           true,
			ConnectionFilters: []filter.ConnectionFilter{&filter.HostFilter{Blocked: []string{"ads.example"}}},
			Logger:            testutil.Logger(t),
		}),
	})

	write(t, client, "GET http://ads.example/banner HTTP/1.1\r\nHost: ads.example\r\n\r\n")
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, string(httpmsg.RejectionPage("1.1", "Access to ads.example is blocked by policy.")), string(out))

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, 0, n.Dials("ads.example:80"))
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeConnectionRejected}, log.Outcomes())
}

func TestSession_ResponseRejected(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	ctrl := gomock.NewController(t)
	rf := filtermock.NewMockResponseFilter(ctrl)
	rf.EXPECT().Name().Return("mock").AnyTimes()
	rf.EXPECT().Speed().Return(filter.SpeedLocal).AnyTimes()
	rf.EXPECT().EvaluateResponse(gomock.Any(), gomock.Any()).Return("Blocked by test.", nil, nil)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "files.example:80")
	log := &recordingLog{}
	client, s := startSession(t, session.Options{
		Dialer:    n,
		AccessLog: log,
		Filter: filter.New(filter.Options{
			Enabled:         true,
			ResponseFilters: []filter.ResponseFilter{rf},
			Logger:          testutil.Logger(t),
		}),
	})

	const request = "GET /setup.exe HTTP/1.1\r\nHost: files.example\r\n\r\n"
	write(t, client, request)
	server := testutil.RequireReceive(ctx, t, conns)
	readN(t, server, len(request))
	// Only the header is sent; the session must not wait for the body.
	write(t, server, "HTTP/1.1 200 OK\r\nContent-Type: application/x-msdownload\r\nContent-Length: 10\r\n\r\n")

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, string(httpmsg.ResponseFilteredPage("1.1", "Blocked by test.")), string(out))
	requireClosed(t, server)

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeResponseRejected}, log.Outcomes())
}

type panickingFilter struct{}

func (panickingFilter) Name() string        { return "panicking" }
func (panickingFilter) Speed() filter.Speed { return filter.SpeedLocal }

func (panickingFilter) EvaluateResponse(*httpmsg.ResponseHeader, string) (string, filter.BodyFunc, error) {
	panic("nil map write")
}

func TestSession_ResponseFilterFailure(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		filter func(t *testing.T) filter.ResponseFilter
	}{
		{
			name: "Error",
			filter: func(t *testing.T) filter.ResponseFilter {
				ctrl := gomock.NewController(t)
				rf := filtermock.NewMockResponseFilter(ctrl)
				rf.EXPECT().Name().Return("mock").AnyTimes()
				rf.EXPECT().Speed().Return(filter.SpeedLocal).AnyTimes()
				rf.EXPECT().EvaluateResponse(gomock.Any(), gomock.Any()).Return("", nil, io.ErrShortBuffer)
				return rf
			},
		},
		{
			name:   "Panic",
			filter: func(*testing.T) filter.ResponseFilter { return panickingFilter{} },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := testutil.Context(t, testutil.WaitShort)

			n := testutil.NewInProcNet()
			conns := origin(t, n, "files.example:80")
			log := &recordingLog{}
			client, s := startSession(t, session.Options{
				Dialer:    n,
				AccessLog: log,
				Filter: filter.New(filter.Options{
					Enabled:         true,
					ResponseFilters: []filter.ResponseFilter{tc.filter(t)},
					Logger:          testutil.Logger(t),
				}),
			})

			const request = "GET /report HTTP/1.1\r\nHost: files.example\r\n\r\n"
			write(t, client, request)
			server := testutil.RequireReceive(ctx, t, conns)
			readN(t, server, len(request))
			write(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc")

			// None of the origin response reaches the client.
			out, err := io.ReadAll(client)
			require.NoError(t, err)
			require.Equal(t, string(httpmsg.ErrorPage("1.1", "The proxy could not complete the request.")), string(out))
			requireClosed(t, server)

			testutil.TryReceive(ctx, t, s.Done())
			require.Equal(t, []accesslog.Outcome{accesslog.OutcomeError}, log.Outcomes())
		})
	}
}

func TestSession_CloseDelimitedResponse(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "old.example:80")
	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: n, AccessLog: log})

	const request = "GET /legacy HTTP/1.0\r\nHost: old.example\r\n\r\n"
	const response = "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nstreamed until the server closes"
	write(t, client, request)
	server := testutil.RequireReceive(ctx, t, conns)
	require.Equal(t, request, readN(t, server, len(request)))
	write(t, server, response)
	// Closing the connection is what ends the body.
	require.NoError(t, server.Close())

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, response, string(out))

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, 0, s.PipelineDepth())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeForwarded}, log.Outcomes())
}

func TestSession_ServerClosesWithRequestsPending(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "a.example:80")
	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: n, AccessLog: log})

	const requests = "GET /1 HTTP/1.1\r\nHost: a.example\r\n\r\n" +
		"GET /2 HTTP/1.1\r\nHost: a.example\r\n\r\n"
	const first = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	write(t, client, requests)

	server := testutil.RequireReceive(ctx, t, conns)
	br := bufio.NewReader(server)
	for _, path := range []string{"/1", "/2"} {
		req, err := http.ReadRequest(br)
		require.NoError(t, err)
		require.Equal(t, path, req.URL.Path)
	}
	// The origin answers the first request and goes away.
	write(t, server, first)
	require.NoError(t, server.Close())

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, first+string(httpmsg.ErrorPage("1.1", "The proxy could not complete the request.")), string(out))

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeForwarded, accesslog.OutcomeError}, log.Outcomes())
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func chunked(parts ...[]byte) string {
	var sb strings.Builder
	for _, p := range parts {
		_, _ = fmt.Fprintf(&sb, "%x\r\n%s\r\n", len(p), p)
	}
	sb.WriteString("0\r\n\r\n")
	return sb.String()
}

func TestSession_BodyFilter(t *testing.T) {
	t.Parallel()

	keywordFilter := func(t *testing.T) *filter.ProxyFilter {
		return filter.New(filter.Options{
			Enabled:         true,
			ResponseFilters: []filter.ResponseFilter{&filter.KeywordFilter{Keywords: []string{"secret"}}},
			Logger:          testutil.Logger(t),
		})
	}
	const header = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\n\r\n"
	const request = "GET http://text.example/ HTTP/1.1\r\nHost: text.example\r\n\r\n"

	t.Run("Modified", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		n := testutil.NewInProcNet()
		conns := origin(t, n, "text.example:80")
		log := &recordingLog{}
		client, s := startSession(t, session.Options{Dialer: n, AccessLog: log, Filter: keywordFilter(t)})

		write(t, client, request)
		server := testutil.RequireReceive(ctx, t, conns)
		readN(t, server, len(request))
		gz := gzipped(t, "the secret plan")
		write(t, server, header+chunked(gz[:5], gz[5:]))

		resp, err := http.ReadResponse(bufio.NewReader(client), nil)
		require.NoError(t, err)
		require.Empty(t, resp.TransferEncoding)
		require.Empty(t, resp.Header.Get("Content-Encoding"))
		require.EqualValues(t, len("the ****** plan"), resp.ContentLength)
		require.True(t, resp.Close)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "the ****** plan", string(body))

		testutil.TryReceive(ctx, t, s.Done())
		require.Equal(t, []accesslog.Outcome{accesslog.OutcomeResponseModified}, log.Outcomes())
	})

	t.Run("Unmodified", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		n := testutil.NewInProcNet()
		conns := origin(t, n, "text.example:80")
		log := &recordingLog{}
		client, s := startSession(t, session.Options{Dialer: n, AccessLog: log, Filter: keywordFilter(t)})

		write(t, client, request)
		server := testutil.RequireReceive(ctx, t, conns)
		readN(t, server, len(request))
		write(t, server, header+chunked(gzipped(t, "nothing to hide")))

		resp, err := http.ReadResponse(bufio.NewReader(client), nil)
		require.NoError(t, err)
		require.Empty(t, resp.Header.Get("Content-Encoding"))
		require.EqualValues(t, len("nothing to hide"), resp.ContentLength)
		require.False(t, resp.Close)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "nothing to hide", string(body))

		// The connection stays open for the next request.
		testutil.Eventually(ctx, t, func(context.Context) bool {
			return s.State() == session.StateConnected && s.PipelineDepth() == 0
		}, testutil.IntervalFast)
		require.Equal(t, []accesslog.Outcome{accesslog.OutcomeForwarded}, log.Outcomes())

		_ = client.Close()
		testutil.TryReceive(ctx, t, s.Done())
		requireClosed(t, server)
	})
}

func TestSession_Tunnel(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "secure.example:443")
	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: n, AccessLog: log})

	// Tunnel bytes may follow the CONNECT header in the same write.
	write(t, client, "CONNECT secure.example:443 HTTP/1.1\r\nHost: secure.example:443\r\n\r\nhello")
	banner := string(httpmsg.ConnectionEstablished("1.1"))
	require.Equal(t, banner, readN(t, client, len(banner)))
	require.Equal(t, "HTTP/1.1 200 Connection established\r\nProxy-agent: Gallatin-Proxy/1.1\r\n\r\n", banner)

	server := testutil.RequireReceive(ctx, t, conns)
	require.Equal(t, "hello", readN(t, server, 5))
	write(t, client, "ping")
	require.Equal(t, "ping", readN(t, server, 4))
	write(t, server, "pong")
	require.Equal(t, "pong", readN(t, client, 4))
	require.Equal(t, session.StateHTTPS, s.State())
	require.False(t, s.LastActivity().IsZero())

	_ = client.Close()
	requireClosed(t, server)
	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeTunnel}, log.Outcomes())
}

// gatedDialer holds every dial until release is closed.
type gatedDialer struct {
	release <-chan struct{}
	net     *testutil.InProcNet
}

func (g gatedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.net.DialContext(ctx, network, address)
}

func TestSession_TunnelClientSpeaksFirst(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name            string
		whileConnecting bool
	}{
		{name: "WhileConnecting", whileConnecting: true},
		{name: "AsTunnelStarts"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := testutil.Context(t, testutil.WaitShort)

			n := testutil.NewInProcNet()
			conns := origin(t, n, "secure.example:443")
			release := make(chan struct{})
			log := &recordingLog{}
			client, s := startTCPSession(ctx, t, session.Options{
				Dialer:    gatedDialer{release: release, net: n},
				AccessLog: log,
			})

			// The client sends its first tunnel bytes without waiting for the
			// banner.
			write(t, client, "CONNECT secure.example:443 HTTP/1.1\r\nHost: secure.example:443\r\n\r\n")
			if tc.whileConnecting {
				testutil.Eventually(ctx, t, func(context.Context) bool {
					return s.State() == session.StateHTTPS
				}, testutil.IntervalFast)
				write(t, client, "HELLO")
				close(release)
			} else {
				close(release)
				write(t, client, "HELLO")
			}

			server := testutil.RequireReceive(ctx, t, conns)
			require.Equal(t, "HELLO", readN(t, server, 5))
			banner := string(httpmsg.ConnectionEstablished("1.1"))
			require.Equal(t, banner, readN(t, client, len(banner)))
			write(t, server, "WORLD")
			require.Equal(t, "WORLD", readN(t, client, 5))

			_ = client.Close()
			requireClosed(t, server)
			testutil.TryReceive(ctx, t, s.Done())
			require.Equal(t, []accesslog.Outcome{accesslog.OutcomeTunnel}, log.Outcomes())
		})
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: testutil.NewInProcNet(), AccessLog: log})

	write(t, client, "GET / HTTP/1.0\r\nHost: nowhere.example\r\n\r\n")
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, string(httpmsg.ErrorPage("1.0", "Unable to connect to nowhere.example:80.")), string(out))

	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeError}, log.Outcomes())
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_ConnectTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().AfterFunc("dispatcher", "connect")
	defer trap.Close()

	log := &recordingLog{}
	client, s := startSession(t, session.Options{Dialer: blockingDialer{}, Clock: mClock, AccessLog: log})

	write(t, client, "GET / HTTP/1.1\r\nHost: slow.example\r\n\r\n")
	call := trap.MustWait(ctx)
	require.Equal(t, dispatcher.DefaultConnectTimeout, call.Duration)
	call.MustRelease(ctx)
	mClock.Advance(dispatcher.DefaultConnectTimeout).MustWait(ctx)

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, string(httpmsg.ErrorPage("1.1", "Timed out connecting to the destination server.")), string(out))
	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, []accesslog.Outcome{accesslog.OutcomeError}, log.Outcomes())
}

func TestSession_PendingOverflow(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	client, s := startSession(t, session.Options{Dialer: blockingDialer{}, MaxPendingBytes: 16})

	write(t, client, "POST /upload HTTP/1.1\r\nHost: slow.example\r\nContent-Length: 32\r\n\r\n")
	write(t, client, strings.Repeat("x", 32))
	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, string(httpmsg.ErrorPage("1.1",
		"Too much request data arrived before the destination server was reachable.")), string(out))
	testutil.TryReceive(ctx, t, s.Done())
}

// startTCPSession is startSession over loopback TCP, for tests that need
// kernel buffering or half-close on the client side.
func startTCPSession(ctx context.Context, t *testing.T, opts session.Options) (*net.TCPConn, *session.Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	acceptDone := testutil.Go(t, func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	})
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = client.SetDeadline(time.Now().Add(testutil.WaitShort))
	proxied := testutil.RequireReceive(ctx, t, accepted)
	testutil.TryReceive(ctx, t, acceptDone)

	opts.Logger = testutil.Logger(t)
	s := session.New(proxied, opts)
	t.Cleanup(func() {
		_ = client.Close()
		s.Close()
	})
	return client.(*net.TCPConn), s
}

func TestSession_ClientHalfClose(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	conns := origin(t, n, "a.example:80")
	client, s := startTCPSession(ctx, t, session.Options{Dialer: n})

	const request = "GET / HTTP/1.1\r\nHost: a.example\r\n\r\n"
	const response = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	write(t, client, request)
	require.NoError(t, client.CloseWrite())

	// The client stopped sending but still waits for its answer.
	server := testutil.RequireReceive(ctx, t, conns)
	readN(t, server, len(request))
	write(t, server, response)

	out, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, response, string(out))
	testutil.TryReceive(ctx, t, s.Done())
}

func TestSession_Close(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	client, s := startSession(t, session.Options{Dialer: testutil.NewInProcNet()})
	testutil.Eventually(ctx, t, func(context.Context) bool {
		return s.State() == session.StateClientConnecting
	}, testutil.IntervalFast)
	s.Close()
	requireClosed(t, client)
	testutil.TryReceive(ctx, t, s.Done())
	require.Equal(t, session.StateUnconnected, s.State())
}

func TestSession_MalformedRequest(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	n := testutil.NewInProcNet()
	client, s := startSession(t, session.Options{Dialer: n})
	write(t, client, "NOT A REQUEST\r\n\r\n")
	requireClosed(t, client)
	testutil.TryReceive(ctx, t, s.Done())
}
