package session

import (
	"cdr.dev/slog/v3"
)

// State is the phase a session is in. Every event is dispatched on it.
type State int32

const (
	// StateUnconnected is both the initial and the terminal state. Entering it
	// tears the session down.
	StateUnconnected State = iota
	// StateClientConnecting waits for a request and for its upstream to be
	// reachable.
	StateClientConnecting
	// StateConnected relays requests and responses over an established
	// upstream.
	StateConnected
	// StateResponseHeaderFilter replaced a response with a synthetic page.
	StateResponseHeaderFilter
	// StateResponseBodyFilter holds a response back until its body can be
	// filtered.
	StateResponseBodyFilter
	// StateHTTPS sets up, then relays, a CONNECT tunnel.
	StateHTTPS
	// StateError reports a failure to the client if it still can.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateClientConnecting:
		return "client_connecting"
	case StateConnected:
		return "connected"
	case StateResponseHeaderFilter:
		return "response_header_filter"
	case StateResponseBodyFilter:
		return "response_body_filter"
	case StateHTTPS:
		return "https"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type transition struct {
	to  State
	err error
}

// changeState moves the session to a new state. A change requested while
// another one is being applied is queued and applied after it, so entering a
// state never nests inside entering another.
func (s *Session) changeState(to State, err error) {
	s.transitions = append(s.transitions, transition{to: to, err: err})
	if s.transitioning {
		return
	}
	s.transitioning = true
	defer func() { s.transitioning = false }()

	for len(s.transitions) > 0 {
		t := s.transitions[0]
		s.transitions = s.transitions[1:]
		s.enter(t)
	}
}

func (s *Session) enter(t transition) {
	if s.ended {
		return
	}
	from := s.state
	s.state = t.to
	s.stateValue.Store(int32(t.to))
	if from != t.to {
		s.logger.Debug(s.ctx, "state changed",
			slog.F("from", from.String()),
			slog.F("to", t.to.String()))
	}

	switch t.to {
	case StateError:
		s.enterError(t.err)
	case StateUnconnected:
		s.teardown(t.err)
	}
}

// reset ends the session.
func (s *Session) reset(err error) {
	s.changeState(StateUnconnected, err)
}
