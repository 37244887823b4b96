// Package netconn adapts a net.Conn to the completion-driven contract the
// proxy session expects: at most one receive in flight, results delivered to a
// sink instead of returned from a blocking call, and an explicit close after
// which no further events arrive.
package netconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

var (
	ErrReceivePending = xerrors.New("receive already in progress")
	ErrSendPending    = xerrors.New("send already in progress")
	ErrClosed         = xerrors.New("connection closed")
	ErrReadShutdown   = xerrors.New("peer stopped sending")
)

const DefaultBufferSize = 8 << 10

type EventKind int

const (
	// EventData carries bytes read from the peer.
	EventData EventKind = iota + 1
	// EventShutdown means the peer half-closed: it will send nothing more but
	// may still read.
	EventShutdown
	// EventClosed means the read failed for any other reason. Err says why.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventShutdown:
		return "shutdown"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Sink receives the completion of every Receive. It usually runs on the
// connection's reader goroutine, occasionally inside Receive itself, and must
// not block.
type Sink func(c *Conn, ev Event)

type Options struct {
	BufferSize int
	Clock      quartz.Clock
	Logger     slog.Logger
}

type Conn struct {
	id      uuid.UUID
	conn    net.Conn
	sink    Sink
	clock   quartz.Clock
	logger  slog.Logger
	bufSize int

	recvReq    chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	readerDone chan struct{}
	closeOnce  sync.Once

	mu           sync.Mutex
	receiving    bool
	sending      bool
	closed       bool
	detached     bool
	readDone     bool
	pendingErr   error
	leftover     []byte
	lastActivity time.Time
}

// New wraps conn and starts its reader goroutine. Nothing is read until the
// first Receive.
func New(conn net.Conn, sink Sink, opts Options) *Conn {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	c := &Conn{
		id:         uuid.New(),
		conn:       conn,
		sink:       sink,
		clock:      opts.Clock,
		bufSize:    opts.BufferSize,
		recvReq:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.logger = opts.Logger.With(
		slog.F("conn_id", c.id),
		slog.F("remote_addr", conn.RemoteAddr()),
	)
	c.lastActivity = c.clock.Now()
	go c.readLoop()
	return c
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LastActivity is the time of the last successful read or write.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Receive requests one read. Its result is delivered to the sink.
func (c *Conn) Receive() error {
	c.mu.Lock()
	switch {
	case c.closed || c.detached:
		c.mu.Unlock()
		return ErrClosed
	case c.receiving:
		c.mu.Unlock()
		return ErrReceivePending
	case c.readDone:
		c.mu.Unlock()
		return ErrReadShutdown
	}

	// A read that returned bytes together with an error delivered the bytes
	// first; the error completes this receive.
	if err := c.pendingErr; err != nil {
		c.pendingErr = nil
		c.readDone = true
		c.mu.Unlock()
		c.sink(c, readErrorEvent(err))
		return nil
	}

	c.receiving = true
	c.mu.Unlock()
	c.recvReq <- struct{}{}
	return nil
}

// Send writes p in full. ctx bounds the write: its deadline becomes the
// write deadline and cancellation aborts it.
func (c *Conn) Send(ctx context.Context, p []byte) error {
	c.mu.Lock()
	switch {
	case c.closed || c.detached:
		c.mu.Unlock()
		return ErrClosed
	case c.sending:
		c.mu.Unlock()
		return ErrSendPending
	}
	c.sending = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	_, err := c.conn.Write(p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.Errorf("write: %w", err)
	}

	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// Close closes the socket. Events for a receive still in flight are
// suppressed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		detached := c.detached
		c.closed = true
		c.mu.Unlock()
		if detached {
			return
		}
		c.stopReader()
		err = c.conn.Close()
		<-c.readerDone
	})
	return err
}

// Detach stops the reader goroutine and hands the socket to the caller, for
// example to relay a tunnel. An outstanding receive is interrupted; any bytes
// it had already read are returned so nothing is lost. The Conn is unusable
// afterwards.
func (c *Conn) Detach() (net.Conn, []byte, error) {
	c.mu.Lock()
	if c.closed || c.detached {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.detached = true
	pending := c.receiving
	c.mu.Unlock()

	c.stopReader()
	if pending {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	}
	<-c.readerDone
	_ = c.conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	leftover := c.leftover
	c.leftover = nil
	c.mu.Unlock()
	return c.conn, leftover, nil
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, c.bufSize)
	for {
		select {
		case <-c.stop:
			return
		case <-c.recvReq:
		}

		n, err := c.conn.Read(buf)

		c.mu.Lock()
		c.receiving = false
		if c.detached {
			c.leftover = append(c.leftover, buf[:n]...)
			c.mu.Unlock()
			return
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		if n > 0 {
			c.lastActivity = c.clock.Now()
			if err != nil {
				c.pendingErr = err
			}
		} else if err != nil {
			c.readDone = true
		}
		c.mu.Unlock()

		switch {
		case n > 0:
			data := make([]byte, n)
			copy(data, buf[:n])
			c.sink(c, Event{Kind: EventData, Data: data})
		case err != nil:
			c.logger.Debug(context.Background(), "read ended", slog.Error(err))
			c.sink(c, readErrorEvent(err))
			return
		default:
			// A zero-byte read without an error carries no information.
			c.mu.Lock()
			c.receiving = true
			c.mu.Unlock()
			c.recvReq <- struct{}{}
		}
	}
}

func (c *Conn) stopReader() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func readErrorEvent(err error) Event {
	if xerrors.Is(err, io.EOF) {
		return Event{Kind: EventShutdown, Err: err}
	}
	return Event{Kind: EventClosed, Err: err}
}
