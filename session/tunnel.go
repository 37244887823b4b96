package session

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/xerrors"

	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/httpmsg"
	"github.com/coder/gallatin/netconn"
)

// startTunnel answers a CONNECT whose upstream is ready and hands both
// sockets to a byte relay. The parsers are done with this session.
func (s *Session) startTunnel(req *httpmsg.RequestHeader) {
	if !s.sendClientData(httpmsg.ConnectionEstablished(req.Version())) {
		return
	}
	s.setDepth(s.depth - 1)
	s.exchanges++
	s.logAccess(req, accesslog.OutcomeTunnel)

	// A receive armed before the CONNECT was parsed may still deliver data.
	// Its event is either in the mailbox already or posted before Detach
	// returns.
	rest := s.drainClientData(nil)
	clientConn, clientLeft, err := s.client.Detach()
	if err != nil {
		s.reset(xerrors.Errorf("detach client: %w", err))
		return
	}
	rest = s.drainClientData(rest)
	serverConn, serverLeft, err := s.disp.DetachActive()
	if err != nil {
		_ = clientConn.Close()
		s.reset(xerrors.Errorf("detach server: %w", err))
		return
	}
	s.tunnelConns = []net.Conn{clientConn, serverConn}

	// Client bytes that followed the CONNECT header, in arrival order.
	up := s.clientParser.TakeBuffered()
	up = append(up, s.queued...)
	up = append(up, clientLeft...)
	s.queued = nil

	s.tunnelActivity.Store(s.clock.Now().UnixNano())
	s.tunnelWG.Add(1)
	go func() {
		defer s.tunnelWG.Done()
		err := s.relay(s.ctx, clientConn, serverConn, up, serverLeft)
		s.post(message{kind: msgTunnelDone, err: err})
	}()

	for _, m := range rest {
		if s.ended {
			return
		}
		s.handle(m)
	}
}

// drainClientData moves client bytes waiting in the mailbox to s.queued.
// Every other message is appended to rest in arrival order.
func (s *Session) drainClientData(rest []message) []message {
	for {
		select {
		case m := <-s.mailbox:
			if m.kind == msgClient && m.client.Kind == netconn.EventData {
				s.queued = append(s.queued, m.client.Data...)
				continue
			}
			rest = append(rest, m)
		default:
			return rest
		}
	}
}

// relay copies bytes both ways until both peers stopped sending, either copy
// fails, or ctx is canceled. A peer that stops sending is half-closed towards
// the other side when the connection supports it.
func (s *Session) relay(ctx context.Context, client, server net.Conn, up, down []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = server.Close()
		})
	}
	defer closeBoth()
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	if len(up) > 0 {
		if _, err := server.Write(up); err != nil {
			return xerrors.Errorf("write buffered client data: %w", err)
		}
		s.countBytes(DirectionClientToServer, len(up))
	}
	if len(down) > 0 {
		if _, err := client.Write(down); err != nil {
			return xerrors.Errorf("write buffered server data: %w", err)
		}
		s.countBytes(DirectionServerToClient, len(down))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	copyHalf := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		_, err := io.Copy(&activityWriter{s: s, w: dst, direction: direction}, src)
		if err != nil {
			mu.Lock()
			if firstErr == nil && ctx.Err() == nil {
				firstErr = xerrors.Errorf("relay %s: %w", direction, err)
			}
			mu.Unlock()
			cancel()
			return
		}
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
			return
		}
		// Without half-close support the whole tunnel ends with the first
		// direction.
		cancel()
	}

	wg.Add(2)
	go copyHalf(server, client, DirectionClientToServer)
	go copyHalf(client, server, DirectionServerToClient)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

type activityWriter struct {
	s         *Session
	w         io.Writer
	direction string
}

func (a *activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.s.tunnelActivity.Store(a.s.clock.Now().UnixNano())
		a.s.countBytes(a.direction, n)
	}
	return n, err
}
