package session

import (
	"net"
	"strconv"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/httpmsg"
	"github.com/coder/gallatin/httpstream"
	"github.com/coder/gallatin/netconn"
)

// clientBlocked reports whether client parsing is suspended until an upstream
// is ready.
func (s *Session) clientBlocked() bool {
	return s.connecting || s.held != nil || s.state == StateHTTPS
}

func (s *Session) receiveClient() {
	if s.ended || s.clientShutdown {
		return
	}
	err := s.client.Receive()
	if err != nil && !xerrors.Is(err, netconn.ErrReceivePending) {
		s.reset(xerrors.Errorf("receive from client: %w", err))
	}
}

func (s *Session) onClientEvent(ev netconn.Event) {
	switch ev.Kind {
	case netconn.EventData:
		if s.clientBlocked() {
			if len(s.queued)+len(ev.Data) > s.maxPending {
				s.changeState(StateError, xerrors.Errorf("%d bytes queued: %w", len(s.queued)+len(ev.Data), ErrPendingOverflow))
				return
			}
			s.queued = append(s.queued, ev.Data...)
		} else {
			s.feedClient(ev.Data)
		}
		if s.state == StateHTTPS {
			// The tunnel relay reads the rest straight from the socket.
			return
		}
		s.receiveClient()
	case netconn.EventShutdown:
		s.clientShutdown = true
		s.acknowledgeClientShutdown()
	default:
		s.reset(xerrors.Errorf("client connection: %w", ev.Err))
	}
}

// acknowledgeClientShutdown ends the session once a half-closed client has no
// responses left to receive.
func (s *Session) acknowledgeClientShutdown() {
	if s.ended || s.clientBlocked() {
		return
	}
	if _, err := s.clientParser.EndOfStream(); err != nil {
		s.reset(xerrors.Errorf("client stopped sending: %w", err))
		return
	}
	if s.depth == 0 {
		s.reset(nil)
	}
}

// feedClient parses client bytes until the parser needs more input or the
// session has to wait for an upstream.
func (s *Session) feedClient(data []byte) {
	events, err := s.clientParser.AppendData(data)
	for {
		for _, ev := range events {
			if s.ended {
				return
			}
			switch ev.Kind {
			case httpstream.EventRequestHeader:
				s.onRequestHeader(ev.Request)
			case httpstream.EventPartialBody:
				s.sendServerData(ev.Data)
			}
		}
		if s.ended {
			return
		}
		if err != nil {
			s.reset(xerrors.Errorf("parse request: %w", err))
			return
		}
		if s.clientBlocked() || len(events) == 0 || events[len(events)-1].Kind == httpstream.EventNeedMoreData {
			return
		}
		events, err = s.clientParser.AppendData(nil)
	}
}

// resumeClient continues parsing after an upstream became ready: first what
// the parser still buffers, then the bytes queued meanwhile.
func (s *Session) resumeClient() {
	s.feedClient(nil)
	for !s.ended && !s.clientBlocked() && len(s.queued) > 0 {
		q := s.queued
		s.queued = nil
		s.feedClient(q)
	}
	if s.clientShutdown {
		s.acknowledgeClientShutdown()
	}
}

func (s *Session) onRequestHeader(req *httpmsg.RequestHeader) {
	normalizeProxyConnection(req.Headers())
	s.setDepth(s.depth + 1)
	s.lastRequest.Store(req)
	s.logger.Debug(s.ctx, "request read", slog.F("request", req.String()))

	if (s.state == StateConnected || s.state == StateResponseBodyFilter) && !req.IsSSL() {
		host, port, err := req.Target()
		if err != nil {
			s.changeState(StateError, xerrors.Errorf("resolve target of %q: %w", req.String(), err))
			return
		}
		// Requests on a kept-alive upstream were already admitted by the
		// connection filters.
		if h, p, ok := s.disp.ActiveHost(); ok && h == host && p == port {
			s.forwardRequest(req)
			return
		}
	}
	if len(s.pending) > 0 {
		s.held = req
		return
	}
	s.beginConnectToRemoteHost(req)
}

// beginConnectToRemoteHost filters req and asks the dispatcher for an
// upstream. Client parsing stays suspended until onConnected.
func (s *Session) beginConnectToRemoteHost(req *httpmsg.RequestHeader) {
	page, err := s.filter.EvaluateConnectionFilters(req, s.id)
	if err != nil {
		s.connectReq = req
		s.changeState(StateError, xerrors.Errorf("evaluate connection filters: %w", err))
		return
	}
	if page != nil {
		if s.sendClientData(page) {
			s.logAccess(req, accesslog.OutcomeConnectionRejected)
			s.reset(nil)
		}
		return
	}

	host, port, err := req.Target()
	if err != nil {
		s.connectReq = req
		s.changeState(StateError, xerrors.Errorf("resolve target of %q: %w", req.String(), err))
		return
	}

	s.connectReq = req
	s.connecting = true
	if req.IsSSL() {
		s.changeState(StateHTTPS, nil)
	} else {
		s.changeState(StateClientConnecting, nil)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.disp.ConnectToServer(s.ctx, host, port, s.filter, func(err error) {
		if err != nil {
			err = &connectError{addr: addr, err: err}
		}
		s.post(message{kind: msgConnected, err: err})
	})
}

func (s *Session) onConnected(err error) {
	if s.ended {
		return
	}
	if err != nil {
		s.connecting = false
		s.changeState(StateError, err)
		return
	}

	req := s.connectReq
	s.connecting = false
	s.connectReq = nil
	// The previous upstream, if any, had nothing outstanding.
	s.serverShutdown = false
	s.serverParser.Reset()

	if s.state == StateHTTPS {
		s.startTunnel(req)
		return
	}
	s.changeState(StateConnected, nil)
	s.forwardRequest(req)
	if s.ended {
		return
	}
	s.resumeClient()
}

func (s *Session) forwardRequest(req *httpmsg.RequestHeader) {
	s.pending = append(s.pending, req)
	s.serverParser.ExpectResponseTo(req.Method())
	if !s.sendServerData(req.Bytes()) {
		return
	}
	s.receiveServer()
}

// normalizeProxyConnection turns the non-standard Proxy-Connection header
// into Connection before a request goes upstream.
func normalizeProxyConnection(h *httpmsg.Headers) {
	if !h.Has(httpmsg.HeaderProxyConnection) {
		return
	}
	if h.Has(httpmsg.HeaderConnection) {
		h.Remove(httpmsg.HeaderProxyConnection)
		return
	}
	h.Rename(httpmsg.HeaderProxyConnection, httpmsg.HeaderConnection)
}
