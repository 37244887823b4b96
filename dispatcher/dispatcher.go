// Package dispatcher keeps the single upstream connection a proxy session
// forwards to, reusing it while the session keeps talking to the same origin.
package dispatcher

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/filter"
	"github.com/coder/gallatin/netconn"
)

var (
	ErrNoActiveServer = xerrors.New("no active server connection")
	ErrConnectTimeout = xerrors.New("timed out connecting to server")
	ErrClosed         = xerrors.New("dispatcher closed")
)

const DefaultConnectTimeout = 10 * time.Second

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type EventKind int

const (
	// EventServerData carries bytes from the active connection.
	EventServerData EventKind = iota + 1
	// EventServerShutdown means the active server stopped sending.
	EventServerShutdown
	// EventServerClosed means the active connection dropped.
	EventServerClosed
)

type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Sink receives events from the active connection only. It must not block.
type Sink func(Event)

type Options struct {
	Dialer         Dialer
	Clock          quartz.Clock
	Logger         slog.Logger
	ConnectTimeout time.Duration
	BufferSize     int
	// ConnectResults, if set, counts dials by result label.
	ConnectResults *prometheus.CounterVec
}

type upstream struct {
	host   string
	port   int
	conn   *netconn.Conn
	filter *filter.ProxyFilter
	// shutdown is set once the server half-closed, so the connection is no
	// longer offered for reuse.
	shutdown bool
}

type Dispatcher struct {
	dialer         Dialer
	clock          quartz.Clock
	logger         slog.Logger
	connectTimeout time.Duration
	bufSize        int
	connects       *prometheus.CounterVec
	sink           Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// connectSlot allows a single dial at a time.
	connectSlot *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	active *upstream
	// retired holds connections that are no longer active and still need a
	// Close.
	retired []*upstream
}

func New(sink Sink, opts Options) *Dispatcher {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		dialer:         opts.Dialer,
		clock:          opts.Clock,
		logger:         opts.Logger.Named("dispatcher"),
		connectTimeout: opts.ConnectTimeout,
		bufSize:        opts.BufferSize,
		connects:       opts.ConnectResults,
		sink:           sink,
		ctx:            ctx,
		cancel:         cancel,
		connectSlot:    semaphore.NewWeighted(1),
	}
}

// ConnectToServer makes host:port the active connection and reports the
// outcome through done. When the active connection already points there,
// done runs before ConnectToServer returns and nothing is dialed. Otherwise
// the dial runs in the background and the previous connection is closed once
// the new one is up.
func (d *Dispatcher) ConnectToServer(ctx context.Context, host string, port int, f *filter.ProxyFilter, done func(error)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done(ErrClosed)
		return
	}
	if a := d.active; a != nil && a.host == host && a.port == port && !a.shutdown {
		a.filter = f
		d.mu.Unlock()
		d.count("reused")
		done(nil)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		done(d.connect(ctx, host, port, f))
	}()
}

func (d *Dispatcher) connect(ctx context.Context, host string, port int, f *filter.ProxyFilter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	if err := d.connectSlot.Acquire(ctx, 1); err != nil {
		return xerrors.Errorf("acquire connect slot: %w", err)
	}
	defer d.connectSlot.Release(1)

	var timedOut atomic.Bool
	timer := d.clock.AfterFunc(d.connectTimeout, func() {
		timedOut.Store(true)
		cancel()
	}, "dispatcher", "connect")
	defer timer.Stop()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := d.logger.With(slog.F("upstream", addr))
	logger.Debug(ctx, "connecting to server")

	nc, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if timedOut.Load() {
			d.count("timeout")
			return xerrors.Errorf("connect %s: %w", addr, ErrConnectTimeout)
		}
		d.count("failed")
		return xerrors.Errorf("connect %s: %w", addr, err)
	}

	up := &upstream{host: host, port: port, filter: f}
	up.conn = netconn.New(nc, func(_ *netconn.Conn, ev netconn.Event) {
		d.handle(up, ev)
	}, netconn.Options{
		BufferSize: d.bufSize,
		Clock:      d.clock,
		Logger:     logger,
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = up.conn.Close()
		return ErrClosed
	}
	prev := d.active
	d.active = up
	d.mu.Unlock()

	if prev != nil {
		logger.Debug(ctx, "superseding server connection",
			slog.F("previous", net.JoinHostPort(prev.host, strconv.Itoa(prev.port))))
		_ = prev.conn.Close()
	}
	d.count("connected")
	return nil
}

// handle runs on the connection's reader goroutine, so it must not Close the
// connection itself.
func (d *Dispatcher) handle(up *upstream, ev netconn.Event) {
	d.mu.Lock()
	if d.active != up {
		d.mu.Unlock()
		return
	}
	var out Event
	switch ev.Kind {
	case netconn.EventData:
		out = Event{Kind: EventServerData, Data: ev.Data}
	case netconn.EventShutdown:
		up.shutdown = true
		out = Event{Kind: EventServerShutdown, Err: ev.Err}
	default:
		d.active = nil
		d.retired = append(d.retired, up)
		out = Event{Kind: EventServerClosed, Err: ev.Err}
	}
	d.mu.Unlock()
	d.sink(out)
}

// TrySendDataToActiveServer forwards p to the active connection. It reports
// false without error when there is none.
func (d *Dispatcher) TrySendDataToActiveServer(ctx context.Context, p []byte) (bool, error) {
	d.mu.Lock()
	a := d.active
	d.mu.Unlock()
	if a == nil {
		return false, nil
	}
	if err := a.conn.Send(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// ReceiveFromActiveServer requests the next read from the active connection.
func (d *Dispatcher) ReceiveFromActiveServer() error {
	d.mu.Lock()
	a := d.active
	d.mu.Unlock()
	if a == nil {
		return ErrNoActiveServer
	}
	return a.conn.Receive()
}

// ActiveHost returns the host and port of the active connection.
func (d *Dispatcher) ActiveHost() (string, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return "", 0, false
	}
	return d.active.host, d.active.port, true
}

// ActiveFilter returns the filter registered with the active connection.
func (d *Dispatcher) ActiveFilter() *filter.ProxyFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil
	}
	return d.active.filter
}

// LastActivity is the last read or write on the active connection.
func (d *Dispatcher) LastActivity() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return time.Time{}, false
	}
	return d.active.conn.LastActivity(), true
}

// DetachActive removes the active connection from the dispatcher and returns
// its socket plus any bytes read but not yet delivered.
func (d *Dispatcher) DetachActive() (net.Conn, []byte, error) {
	d.mu.Lock()
	a := d.active
	d.active = nil
	d.mu.Unlock()
	if a == nil {
		return nil, nil, ErrNoActiveServer
	}
	return a.conn.Detach()
}

// Close closes every connection and waits for pending dials to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := d.retired
	if d.active != nil {
		conns = append(conns, d.active)
	}
	d.active = nil
	d.retired = nil
	d.mu.Unlock()

	d.cancel()
	var merr error
	for _, up := range conns {
		if err := up.conn.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	d.wg.Wait()
	return merr
}

func (d *Dispatcher) count(result string) {
	if d.connects != nil {
		d.connects.WithLabelValues(result).Inc()
	}
}
