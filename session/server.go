package session

import (
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/dispatcher"
	"github.com/coder/gallatin/httpmsg"
	"github.com/coder/gallatin/httpstream"
	"github.com/coder/gallatin/netconn"
)

func (s *Session) receiveServer() {
	if s.ended {
		return
	}
	err := s.disp.ReceiveFromActiveServer()
	switch {
	case err == nil,
		xerrors.Is(err, netconn.ErrReceivePending),
		xerrors.Is(err, netconn.ErrReadShutdown):
	default:
		s.reset(xerrors.Errorf("receive from server: %w", err))
	}
}

func (s *Session) onServerEvent(ev dispatcher.Event) {
	switch ev.Kind {
	case dispatcher.EventServerData:
		s.feedServer(ev.Data)
		if !s.ended {
			s.receiveServer()
		}
	case dispatcher.EventServerShutdown:
		s.serverShutdown = true
		s.acknowledgeServerShutdown()
	default:
		if s.connecting && len(s.pending) == 0 {
			// The upstream being replaced went away; nothing was waiting on it.
			s.logger.Debug(s.ctx, "previous server connection closed", slog.Error(ev.Err))
			return
		}
		s.reset(xerrors.Errorf("server connection: %w", ev.Err))
	}
}

// acknowledgeServerShutdown completes a close-delimited response and ends the
// session when nothing else is expected from the server.
func (s *Session) acknowledgeServerShutdown() {
	events, err := s.serverParser.EndOfStream()
	s.handleServerEvents(events)
	if s.ended {
		return
	}
	if err != nil {
		s.failResponse(xerrors.Errorf("server stopped sending: %w", err))
		return
	}
	if len(s.pending) > 0 {
		s.changeState(StateError, xerrors.Errorf("server stopped sending with %d requests unanswered: %w",
			len(s.pending), httpstream.ErrUnexpectedEOF))
		return
	}
	if s.connecting {
		return
	}
	if s.depth == 0 {
		s.reset(nil)
	}
}

// failResponse ends the session after a broken response. The client gets an
// error page only if none of the response reached it.
func (s *Session) failResponse(err error) {
	if s.responseStarted {
		s.reset(err)
		return
	}
	s.changeState(StateError, err)
}

func (s *Session) feedServer(data []byte) {
	events, err := s.serverParser.AppendData(data)
	for {
		s.handleServerEvents(events)
		if s.ended {
			return
		}
		if err != nil {
			s.failResponse(xerrors.Errorf("parse response: %w", err))
			return
		}
		if len(events) == 0 || events[len(events)-1].Kind == httpstream.EventNeedMoreData {
			return
		}
		events, err = s.serverParser.AppendData(nil)
	}
}

func (s *Session) handleServerEvents(events []httpstream.Event) {
	for _, ev := range events {
		if s.ended {
			return
		}
		switch ev.Kind {
		case httpstream.EventResponseHeader:
			s.onResponseHeader(ev.Response)
		case httpstream.EventPartialBody:
			// A body held for filtering is sent once complete.
			if s.state == StateConnected && s.sendClientData(ev.Data) {
				s.responseStarted = true
			}
		case httpstream.EventBodyComplete:
			s.onResponseBody(ev.Data)
		case httpstream.EventMessageComplete:
			s.onResponseComplete()
		}
	}
}

func (s *Session) onResponseHeader(resp *httpmsg.ResponseHeader) {
	if len(s.pending) == 0 || s.state != StateConnected {
		s.reset(xerrors.Errorf("response %q in state %s: %w", resp.String(), s.state, ErrInvalidTransition))
		return
	}
	req := s.pending[0]
	s.lastResponse.Store(resp)
	s.logger.Debug(s.ctx, "response read",
		slog.F("request", req.String()),
		slog.F("response", resp.String()))

	if resp.IsInterim() {
		s.interim = true
		s.sendClientData(resp.Bytes())
		return
	}
	s.resp = resp
	s.outcome = accesslog.OutcomeForwarded

	eval, err := s.disp.ActiveFilter().TryEvaluateResponseFilters(req, resp, s.id)
	if err != nil {
		s.changeState(StateError, xerrors.Errorf("evaluate response filters: %w", err))
		return
	}
	if page := eval.Page(); page != nil {
		s.changeState(StateResponseHeaderFilter, nil)
		if !s.sendClientData(page) {
			return
		}
		s.logAccess(req, accesslog.OutcomeResponseRejected)
		// A replaced response always ends the session; the origin body is
		// never read.
		s.reset(nil)
		return
	}
	if eval.NeedsBody() && resp.HasBody() && !resp.Bodyless() && req.Method() != httpmsg.MethodHead {
		s.eval = eval
		s.serverParser.CaptureBody()
		s.changeState(StateResponseBodyFilter, nil)
		return
	}
	if s.sendClientData(resp.Bytes()) {
		s.responseStarted = true
	}
}

func (s *Session) onResponseBody(body []byte) {
	if s.state != StateResponseBodyFilter {
		return
	}
	out, modified, err := s.filter.EvaluateResponseFiltersWithBody(s.eval, s.resp, s.id, body)
	if err != nil {
		s.changeState(StateError, xerrors.Errorf("evaluate body filters: %w", err))
		return
	}
	if modified {
		s.resp.Headers().Upsert(httpmsg.HeaderConnection, "close")
		s.closeAfterResponse = true
		s.outcome = accesslog.OutcomeResponseModified
	}
	msg := append(s.resp.Bytes(), out...)
	if !s.sendClientData(msg) {
		return
	}
	s.responseStarted = true
	s.changeState(StateConnected, nil)
}

// onResponseComplete finishes the oldest exchange and decides whether the
// connection stays open for the next one.
func (s *Session) onResponseComplete() {
	if s.interim {
		s.interim = false
		return
	}
	if len(s.pending) == 0 {
		return
	}
	req := s.pending[0]
	s.pending = s.pending[1:]
	s.logAccess(req, s.outcome)
	s.exchanges++
	s.setDepth(s.depth - 1)

	persistent := s.resp != nil && s.resp.IsPersistent() && req.IsPersistent() && !s.closeAfterResponse
	s.resp = nil
	s.eval = nil
	s.responseStarted = false
	s.closeAfterResponse = false
	s.outcome = ""

	if !persistent || (s.depth == 0 && (s.clientShutdown || s.serverShutdown)) {
		s.reset(nil)
		return
	}
	if s.held != nil && len(s.pending) == 0 {
		req := s.held
		s.held = nil
		s.beginConnectToRemoteHost(req)
	}
}
