// Package session drives one client connection of the proxy: it parses the
// client's requests, connects to the origin each one names, relays and
// optionally filters the responses, and upgrades to a byte tunnel for
// CONNECT.
//
// All session state is owned by a single goroutine. Connection completions,
// dial results and tunnel shutdown are posted to its mailbox and handled one at
// a time.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/dispatcher"
	"github.com/coder/gallatin/filter"
	"github.com/coder/gallatin/httpmsg"
	"github.com/coder/gallatin/httpstream"
	"github.com/coder/gallatin/netconn"
)

var (
	// ErrInvalidTransition is returned when an event arrives that the current
	// state cannot accept.
	ErrInvalidTransition = xerrors.New("invalid transition")
	// ErrPendingOverflow means the client sent more than the allowed amount of
	// data while its upstream was still being connected.
	ErrPendingOverflow = xerrors.New("pending client data exceeds limit")
)

const DefaultMaxPendingBytes = 1 << 20

const (
	DirectionClientToServer = "client_to_server"
	DirectionServerToClient = "server_to_client"
)

// Metrics are optional collectors shared by every session of a proxy.
type Metrics struct {
	// Bytes counts relayed bytes by direction.
	Bytes *prometheus.CounterVec
	// ConnectResults counts upstream dials by result.
	ConnectResults *prometheus.CounterVec
}

type Options struct {
	Filter    *filter.ProxyFilter
	AccessLog accesslog.Writer
	Dialer    dispatcher.Dialer
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   Metrics

	BufferSize      int
	ConnectTimeout  time.Duration
	MaxPendingBytes int
	MaxHeaderBytes  int
}

type messageKind int

const (
	msgClient messageKind = iota + 1
	msgServer
	msgConnected
	msgTunnelDone
)

type message struct {
	kind   messageKind
	client netconn.Event
	server dispatcher.Event
	err    error
}

type Session struct {
	id        string
	logger    slog.Logger
	clock     quartz.Clock
	filter    *filter.ProxyFilter
	accessLog accesslog.Writer
	metrics   Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan message
	done    chan struct{}

	client       *netconn.Conn
	disp         *dispatcher.Dispatcher
	clientParser *httpstream.Parser
	serverParser *httpstream.Parser
	maxPending   int

	// Read from other goroutines.
	stateValue     atomic.Int32
	depthValue     atomic.Int32
	lastRequest    atomic.Pointer[httpmsg.RequestHeader]
	lastResponse   atomic.Pointer[httpmsg.ResponseHeader]
	tunnelActivity atomic.Int64

	// Everything below is owned by the run goroutine.
	state         State
	transitions   []transition
	transitioning bool
	ended         bool

	// depth counts requests read from the client whose response has not been
	// sent back yet.
	depth int
	// pending are the requests forwarded upstream, oldest first.
	pending []*httpmsg.RequestHeader
	// connectReq is the request waiting for its upstream connection.
	connectReq *httpmsg.RequestHeader
	connecting bool
	// held is a request for a different origin that waits for the responses
	// pending on the current one.
	held *httpmsg.RequestHeader
	// queued holds raw client bytes received while parsing is suspended.
	queued []byte

	clientShutdown bool
	serverShutdown bool

	resp               *httpmsg.ResponseHeader
	eval               *filter.ResponseEvaluation
	interim            bool
	responseStarted    bool
	closeAfterResponse bool
	outcome            accesslog.Outcome
	exchanges          int

	tunnelWG    sync.WaitGroup
	tunnelConns []net.Conn
}

// New starts a session for an accepted client connection. The session owns
// conn from now on and closes it when it ends.
func New(conn net.Conn, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.AccessLog == nil {
		opts.AccessLog = accesslog.Nop
	}
	if opts.MaxPendingBytes <= 0 {
		opts.MaxPendingBytes = DefaultMaxPendingBytes
	}
	var parserOpts []httpstream.Option
	if opts.MaxHeaderBytes > 0 {
		parserOpts = append(parserOpts, httpstream.WithMaxHeaderBytes(opts.MaxHeaderBytes))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.NewString(),
		clock:        opts.Clock,
		filter:       opts.Filter,
		accessLog:    opts.AccessLog,
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		mailbox:      make(chan message, 8),
		done:         make(chan struct{}),
		clientParser: httpstream.New(parserOpts...),
		serverParser: httpstream.New(parserOpts...),
		maxPending:   opts.MaxPendingBytes,
	}
	s.logger = opts.Logger.Named("session").With(
		slog.F("connection_id", s.id),
		slog.F("client_addr", conn.RemoteAddr()),
	)
	s.client = netconn.New(conn, func(_ *netconn.Conn, ev netconn.Event) {
		s.post(message{kind: msgClient, client: ev})
	}, netconn.Options{
		BufferSize: opts.BufferSize,
		Clock:      opts.Clock,
		Logger:     s.logger.Named("client"),
	})
	s.disp = dispatcher.New(func(ev dispatcher.Event) {
		s.post(message{kind: msgServer, server: ev})
	}, dispatcher.Options{
		Dialer:         opts.Dialer,
		Clock:          opts.Clock,
		Logger:         s.logger,
		ConnectTimeout: opts.ConnectTimeout,
		BufferSize:     opts.BufferSize,
		ConnectResults: opts.Metrics.ConnectResults,
	})

	go s.run()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.stateValue.Load())
}

// PipelineDepth is the number of requests still waiting for their response.
func (s *Session) PipelineDepth() int {
	return int(s.depthValue.Load())
}

// RequestHeader is the most recent request read from the client.
func (s *Session) RequestHeader() *httpmsg.RequestHeader {
	return s.lastRequest.Load()
}

// ResponseHeader is the most recent response read from the server.
func (s *Session) ResponseHeader() *httpmsg.ResponseHeader {
	return s.lastResponse.Load()
}

// LastActivity is the latest read or write on any of the session's
// connections.
func (s *Session) LastActivity() time.Time {
	last := s.client.LastActivity()
	if t, ok := s.disp.LastActivity(); ok && t.After(last) {
		last = t
	}
	if n := s.tunnelActivity.Load(); n != 0 {
		if t := time.Unix(0, n); t.After(last) {
			last = t
		}
	}
	return last
}

// Done is closed once the session has ended and released its connections.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session and waits for it to release its connections.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) post(m message) {
	select {
	case s.mailbox <- m:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)

	s.logger.Debug(s.ctx, "session started")
	s.changeState(StateClientConnecting, nil)
	s.receiveClient()

	for !s.ended {
		select {
		case <-s.ctx.Done():
			s.reset(s.ctx.Err())
		case m := <-s.mailbox:
			s.handle(m)
		}
	}
}

func (s *Session) handle(m message) {
	switch m.kind {
	case msgClient:
		s.onClientEvent(m.client)
	case msgServer:
		s.onServerEvent(m.server)
	case msgConnected:
		s.onConnected(m.err)
	case msgTunnelDone:
		s.reset(m.err)
	}
}

func (s *Session) setDepth(n int) {
	s.depth = n
	s.depthValue.Store(int32(n))
}

// currentRequest is the request the session is working on: the oldest one
// awaiting a response, or the one waiting for its upstream.
func (s *Session) currentRequest() *httpmsg.RequestHeader {
	if len(s.pending) > 0 {
		return s.pending[0]
	}
	if s.connectReq != nil {
		return s.connectReq
	}
	return s.lastRequest.Load()
}

func (s *Session) logAccess(req *httpmsg.RequestHeader, outcome accesslog.Outcome) {
	s.accessLog.Write(s.id, req, outcome)
}

func (s *Session) countBytes(direction string, n int) {
	if s.metrics.Bytes != nil && n > 0 {
		s.metrics.Bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// sendClientData writes p to the client. A failed write ends the session and
// reports false.
func (s *Session) sendClientData(p []byte) bool {
	if err := s.client.Send(s.ctx, p); err != nil {
		s.reset(xerrors.Errorf("send to client: %w", err))
		return false
	}
	s.countBytes(DirectionServerToClient, len(p))
	return true
}

// sendServerData writes p to the active upstream. A failed write ends the
// session and reports false.
func (s *Session) sendServerData(p []byte) bool {
	sent, err := s.disp.TrySendDataToActiveServer(s.ctx, p)
	if err != nil {
		s.reset(xerrors.Errorf("send to server: %w", err))
		return false
	}
	if !sent {
		s.reset(xerrors.Errorf("send to server: %w", dispatcher.ErrNoActiveServer))
		return false
	}
	s.countBytes(DirectionClientToServer, len(p))
	return true
}

type connectError struct {
	addr string
	err  error
}

func (e *connectError) Error() string {
	return "connect to " + e.addr + ": " + e.err.Error()
}

func (e *connectError) Unwrap() error {
	return e.err
}

func errorMessage(err error) string {
	var ce *connectError
	switch {
	case xerrors.Is(err, dispatcher.ErrConnectTimeout):
		return "Timed out connecting to the destination server."
	case xerrors.As(err, &ce):
		return "Unable to connect to " + ce.addr + "."
	case xerrors.Is(err, ErrPendingOverflow):
		return "Too much request data arrived before the destination server was reachable."
	default:
		return "The proxy could not complete the request."
	}
}

// enterError tells the client what went wrong, unless part of a response was
// already relayed, and ends the session.
func (s *Session) enterError(err error) {
	req := s.currentRequest()
	s.logger.Warn(s.ctx, "session failed", slog.Error(err))
	if !s.responseStarted {
		version := httpmsg.Version11
		if req != nil {
			version = req.Version()
		}
		page := httpmsg.ErrorPage(version, errorMessage(err))
		if sendErr := s.client.Send(s.ctx, page); sendErr == nil {
			s.countBytes(DirectionServerToClient, len(page))
		}
	}
	if req != nil {
		s.logAccess(req, accesslog.OutcomeError)
	}
	s.reset(err)
}

// teardown runs on entering StateUnconnected.
func (s *Session) teardown(err error) {
	s.ended = true
	s.cancel()

	for _, c := range s.tunnelConns {
		_ = c.Close()
	}
	s.tunnelWG.Wait()

	ctx := context.Background()
	if derr := s.disp.Close(); derr != nil {
		s.logger.Debug(ctx, "close server connections", slog.Error(derr))
	}
	if cerr := s.client.Close(); cerr != nil {
		s.logger.Debug(ctx, "close client connection", slog.Error(cerr))
	}

	fields := []slog.Field{slog.F("exchanges", s.exchanges)}
	if err != nil && !xerrors.Is(err, context.Canceled) {
		fields = append(fields, slog.Error(err))
	}
	s.logger.Info(ctx, "session ended", fields...)
}
