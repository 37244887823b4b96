// Package proxy accepts client connections and runs a session for each one.
package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/dispatcher"
	"github.com/coder/gallatin/filter"
	"github.com/coder/gallatin/session"
)

const (
	DefaultMaxClients        = 1000
	DefaultInactivityTimeout = 2 * time.Minute
)

type Options struct {
	Logger    slog.Logger
	Clock     quartz.Clock
	Dialer    dispatcher.Dialer
	Filter    *filter.ProxyFilter
	AccessLog accesslog.Writer
	Metrics   *Metrics

	// MaxClients bounds concurrent sessions. Connections beyond it are closed
	// as soon as they are accepted.
	MaxClients int64
	// InactivityTimeout ends sessions that saw no traffic for this long. Zero
	// disables the watchdog.
	InactivityTimeout time.Duration

	BufferSize      int
	ConnectTimeout  time.Duration
	MaxPendingBytes int
	MaxHeaderBytes  int
}

type Server struct {
	logger            slog.Logger
	clock             quartz.Clock
	metrics           *Metrics
	slots             *semaphore.Weighted
	inactivityTimeout time.Duration
	sessionOpts       session.Options

	wg sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	sessions map[*session.Session]struct{}
}

func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	logger := opts.Logger.Named("proxy")
	return &Server{
		logger:            logger,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		slots:             semaphore.NewWeighted(opts.MaxClients),
		inactivityTimeout: opts.InactivityTimeout,
		sessions:          make(map[*session.Session]struct{}),
		sessionOpts: session.Options{
			Filter:          opts.Filter,
			AccessLog:       opts.AccessLog,
			Dialer:          opts.Dialer,
			Clock:           opts.Clock,
			Logger:          logger,
			Metrics:         opts.Metrics.session(),
			BufferSize:      opts.BufferSize,
			ConnectTimeout:  opts.ConnectTimeout,
			MaxPendingBytes: opts.MaxPendingBytes,
			MaxHeaderBytes:  opts.MaxHeaderBytes,
		},
	}
}

// Serve accepts connections from ln until ctx is canceled or ln fails. It
// closes ln and every session before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.logger.Info(ctx, "proxy listening", slog.F("address", ln.Addr().String()))

	var watchdog quartz.Waiter
	if s.inactivityTimeout > 0 {
		watchdog = s.clock.TickerFunc(ctx, watchdogInterval(s.inactivityTimeout), func() error {
			s.reapIdle(ctx)
			return nil
		}, "proxy", "watchdog")
	}

	err := s.acceptLoop(ctx, ln)
	cancel()
	_ = ln.Close()
	if watchdog != nil {
		_ = watchdog.Wait()
	}
	s.closeSessions()
	s.wg.Wait()
	s.logger.Info(context.Background(), "proxy stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if xerrors.Is(err, net.ErrClosed) {
				return xerrors.Errorf("accept: %w", err)
			}
			s.logger.Warn(ctx, "accept error", slog.Error(err))
			continue
		}
		if !s.slots.TryAcquire(1) {
			s.metrics.RejectedClients.Inc()
			s.logger.Warn(ctx, "too many clients, closing connection",
				slog.F("client_addr", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	s.metrics.Sessions.Inc()
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	sess := session.New(conn, s.sessionOpts)
	if !s.track(sess) {
		sess.Close()
		return
	}
	<-sess.Done()
	s.untrack(sess)
}

func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) snapshot() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ActiveSessions reports how many sessions are being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range s.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close()
		}()
	}
	wg.Wait()
}

// reapIdle closes every session whose connections have been quiet for longer
// than the inactivity timeout.
func (s *Server) reapIdle(ctx context.Context) {
	now := s.clock.Now()
	for _, sess := range s.snapshot() {
		idle := now.Sub(sess.LastActivity())
		if idle < s.inactivityTimeout {
			continue
		}
		s.logger.Info(ctx, "closing idle session",
			slog.F("connection_id", sess.ID()),
			slog.F("state", sess.State().String()),
			slog.F("idle", idle))
		s.metrics.IdleReaped.Inc()
		sess.Close()
	}
}

func watchdogInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
