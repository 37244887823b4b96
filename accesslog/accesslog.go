// Package accesslog records one line per proxied exchange. Writes never
// block the proxy: entries are queued, batched, and dropped when the queue is
// full.
package accesslog

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/httpmsg"
)

type Outcome string

const (
	OutcomeForwarded          Outcome = "forwarded"
	OutcomeConnectionRejected Outcome = "connection-rejected"
	OutcomeResponseRejected   Outcome = "response-rejected"
	OutcomeResponseModified   Outcome = "response-modified"
	OutcomeTunnel             Outcome = "tunnel"
	OutcomeError              Outcome = "error"
)

type Entry struct {
	ID           uuid.UUID `json:"id"`
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connection_id"`
	Method       string    `json:"method"`
	Target       string    `json:"target"`
	Host         string    `json:"host,omitempty"`
	Version      string    `json:"version"`
	Outcome      Outcome   `json:"outcome"`
}

// Writer is what the proxy logs exchanges to.
type Writer interface {
	Write(connectionID string, req *httpmsg.RequestHeader, outcome Outcome)
}

// Sink persists batches of entries.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Close() error
}

type nop struct{}

func (nop) Write(string, *httpmsg.RequestHeader, Outcome) {}

// Nop discards every entry.
var Nop Writer = nop{}

const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

type Options struct {
	Sinks         []Sink
	Clock         quartz.Clock
	Logger        slog.Logger
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Manager queues entries and flushes them to every sink when a batch fills
// up or the flush interval passes.
type Manager struct {
	sinks     []Sink
	clock     quartz.Clock
	logger    slog.Logger
	batchSize int

	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ Writer = (*Manager)(nil)

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	m := &Manager{
		sinks:     opts.Sinks,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("accesslog"),
		batchSize: opts.BatchSize,
		entries:   make(chan Entry, opts.QueueSize),
		done:      make(chan struct{}),
	}
	ticker := m.clock.NewTicker(opts.FlushInterval, "accesslog", "flush")
	m.wg.Add(1)
	go m.run(ticker)
	return m
}

// Write queues an entry. It never blocks.
func (m *Manager) Write(connectionID string, req *httpmsg.RequestHeader, outcome Outcome) {
	select {
	case <-m.done:
		return
	default:
	}

	e := Entry{
		ID:           uuid.New(),
		Time:         m.clock.Now().UTC(),
		ConnectionID: connectionID,
		Outcome:      outcome,
	}
	if req != nil {
		e.Method = req.Method()
		e.Target = req.Path()
		e.Version = req.Version()
		if host, _, err := req.Target(); err == nil {
			e.Host = host
		}
	}

	select {
	case m.entries <- e:
	default:
		m.logger.Warn(context.Background(), "dropping access log entry, queue full",
			slog.F("connection_id", connectionID),
			slog.F("outcome", outcome))
	}
}

func (m *Manager) run(ticker *quartz.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	batch := make([]Entry, 0, m.batchSize)
	for {
		select {
		case e := <-m.entries:
			batch = append(batch, e)
			if len(batch) >= m.batchSize {
				batch = m.flush(batch)
			}
		case <-ticker.C:
			batch = m.flush(batch)
		case <-m.done:
		drain:
			for {
				select {
				case e := <-m.entries:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			m.flush(batch)
			return
		}
	}
}

func (m *Manager) flush(batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range m.sinks {
		if err := s.WriteBatch(ctx, batch); err != nil {
			m.logger.Warn(ctx, "write access log batch", slog.Error(err), slog.F("entries", len(batch)))
		}
	}
	return batch[:0]
}

// Close flushes queued entries and closes the sinks.
func (m *Manager) Close() error {
	var merr error
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
		for _, s := range m.sinks {
			if err := s.Close(); err != nil {
				merr = multierror.Append(merr, xerrors.Errorf("close sink: %w", err))
			}
		}
	})
	return merr
}
