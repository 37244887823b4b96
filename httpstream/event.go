package httpstream

import (
	"github.com/coder/gallatin/httpmsg"
)

type EventKind int

const (
	// EventRequestHeader carries a fully parsed request header block.
	EventRequestHeader EventKind = iota + 1
	// EventResponseHeader carries a fully parsed response header block.
	EventResponseHeader
	// EventPartialBody carries raw body bytes in arrival order, framing
	// included, so they can be forwarded verbatim.
	EventPartialBody
	// EventBodyComplete carries the decoded body of the current message. It is
	// only produced after CaptureBody.
	EventBodyComplete
	// EventMessageComplete marks the end of the current message.
	EventMessageComplete
	// EventNeedMoreData means every buffered byte has been classified and the
	// parser is waiting for input.
	EventNeedMoreData
)

func (k EventKind) String() string {
	switch k {
	case EventRequestHeader:
		return "request_header"
	case EventResponseHeader:
		return "response_header"
	case EventPartialBody:
		return "partial_body"
	case EventBodyComplete:
		return "body_complete"
	case EventMessageComplete:
		return "message_complete"
	case EventNeedMoreData:
		return "need_more_data"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	Request  *httpmsg.RequestHeader
	Response *httpmsg.ResponseHeader
	// Data is set for EventPartialBody and EventBodyComplete. The slice is owned
	// by the receiver.
	Data []byte
}
