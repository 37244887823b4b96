// Package httpstream reconstructs HTTP/1.x messages from a fragmented byte
// stream. A Parser is fed whatever a socket read returned and reports message
// boundaries as a slice of events, never blocking for more input.
package httpstream

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/coder/gallatin/httpmsg"
)

var (
	ErrMalformedStartLine = xerrors.New("malformed start line")
	ErrMalformedHeader    = xerrors.New("malformed header")
	ErrMalformedChunk     = xerrors.New("malformed chunk")
	ErrHeaderTooLarge     = xerrors.New("header block too large")
	ErrUnexpectedEOF      = xerrors.New("stream ended inside a message")
)

const (
	// DefaultMaxHeaderBytes bounds a header block or a chunked trailer section.
	DefaultMaxHeaderBytes = 64 << 10
	// maxChunkSizeLine bounds "chunk-size [chunk-ext] CRLF".
	maxChunkSizeLine = 4 << 10
	// maxChunkSizeDigits keeps the size inside an int64.
	maxChunkSizeDigits = 15
)

var (
	crlf      = []byte("\r\n")
	crlfcrlf  = []byte("\r\n\r\n")
	httpSlash = []byte("HTTP/")
)

type state int

const (
	stateHeader state = iota
	stateChunkedHeader
	stateChunkedBody
	stateChunkedTrailer
	stateNormalBody
	stateHTTP10Body
)

func (s state) String() string {
	switch s {
	case stateHeader:
		return "header"
	case stateChunkedHeader:
		return "chunked_header"
	case stateChunkedBody:
		return "chunked_body"
	case stateChunkedTrailer:
		return "chunked_trailer"
	case stateNormalBody:
		return "normal_body"
	case stateHTTP10Body:
		return "http10_body"
	default:
		return "unknown"
	}
}

type Option func(*Parser)

// WithMaxHeaderBytes overrides DefaultMaxHeaderBytes.
func WithMaxHeaderBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxHeaderBytes = n
		}
	}
}

// Parser is safe for concurrent use; calls are serialized.
//
// AppendData stops after every header event so the caller can decide whether
// to CaptureBody before any body byte is classified. The caller resumes with
// AppendData(nil) until a batch ends with EventNeedMoreData.
type Parser struct {
	mu             sync.Mutex
	maxHeaderBytes int

	buf []byte
	// scan is how far into buf a line terminator has already been searched
	// for, so a slow trickle of header bytes is not rescanned from the start.
	scan  int
	state state
	err   error

	// remaining counts body bytes left in a Content-Length body or in the
	// current chunk's data.
	remaining int64
	// crlfLeft counts the CRLF bytes that must follow chunk data.
	crlfLeft int
	paused   bool
	capture  bool
	body     bytes.Buffer
	pending  []byte
	out      []Event

	// expect holds the methods of forwarded requests whose responses have not
	// been parsed yet, oldest first.
	expect []string
}

func New(opts ...Option) *Parser {
	p := &Parser{maxHeaderBytes: DefaultMaxHeaderBytes}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AppendData feeds bytes to the parser and returns the events they produced.
// On a parse error the events classified before it are still returned. The
// error is sticky until Reset.
func (p *Parser) AppendData(data []byte) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	p.buf = append(p.buf, data...)
	p.paused = false
	p.out = nil

	for !p.paused {
		more, err := p.step()
		if err != nil {
			p.err = err
			p.flushBody()
			out := p.out
			p.out = nil
			return out, err
		}
		if more {
			p.flushBody()
			p.out = append(p.out, Event{Kind: EventNeedMoreData})
			break
		}
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}

	out := p.out
	p.out = nil
	return out, nil
}

// CaptureBody asks for EventBodyComplete at the end of the current message.
// It must be called after the header event and before resuming.
func (p *Parser) CaptureBody() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capture = true
}

// ExpectResponseTo records the method of a request forwarded on this
// connection, so a response to HEAD or to a successful CONNECT is read without
// a body.
func (p *Parser) ExpectResponseTo(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expect = append(p.expect, strings.ToUpper(method))
}

// EndOfStream tells the parser the peer stopped sending. A close-delimited
// body is completed; ending inside any other message is ErrUnexpectedEOF.
func (p *Parser) EndOfStream() ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	switch {
	case p.state == stateHTTP10Body:
		p.out = nil
		p.completeMessage()
		out := p.out
		p.out = nil
		return out, nil
	case p.state == stateHeader && len(bytes.Trim(p.buf, "\r\n")) == 0:
		return nil, nil
	default:
		p.err = xerrors.Errorf("%s: %w", p.state, ErrUnexpectedEOF)
		return nil, p.err
	}
}

// TakeBuffered returns bytes received after the last classified unit and
// forgets them. A CONNECT handler uses it to recover tunnel bytes that arrived
// together with the request header.
func (p *Parser) TakeBuffered() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buf
	p.buf = nil
	p.scan = 0
	return b
}

// Idle reports whether the parser sits on a message boundary.
func (p *Parser) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateHeader && len(p.buf) == 0
}

// Reset discards all state so the parser behaves like a new instance.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.scan = 0
	p.state = stateHeader
	p.err = nil
	p.remaining = 0
	p.crlfLeft = 0
	p.paused = false
	p.capture = false
	p.body.Reset()
	p.pending = nil
	p.out = nil
	p.expect = nil
}

// step runs the current state once. more is true when the state cannot
// advance without input.
func (p *Parser) step() (more bool, err error) {
	switch p.state {
	case stateHeader:
		return p.readHeader()
	case stateChunkedHeader:
		return p.readChunkSize()
	case stateChunkedBody:
		return p.readChunkData()
	case stateChunkedTrailer:
		return p.readTrailer()
	case stateNormalBody:
		return p.readNormalBody()
	case stateHTTP10Body:
		return p.readHTTP10Body()
	default:
		return false, xerrors.Errorf("unknown parser state %d", p.state)
	}
}

func (p *Parser) readHeader() (bool, error) {
	// Stray CRLFs between messages are ignored.
	skipped := 0
	for len(p.buf)-skipped >= 2 && p.buf[skipped] == '\r' && p.buf[skipped+1] == '\n' {
		skipped += 2
	}
	if skipped > 0 {
		p.buf = p.buf[skipped:]
		p.scan = max(p.scan-skipped, 0)
	}

	start := max(p.scan-len(crlfcrlf)+1, 0)
	i := bytes.Index(p.buf[start:], crlfcrlf)
	if i < 0 {
		p.scan = len(p.buf)
		if len(p.buf) > p.maxHeaderBytes {
			return false, xerrors.Errorf("%d bytes without end of header: %w", len(p.buf), ErrHeaderTooLarge)
		}
		return true, nil
	}
	end := start + i
	if end > p.maxHeaderBytes {
		return false, xerrors.Errorf("%d byte header block: %w", end, ErrHeaderTooLarge)
	}

	block := p.buf[:end]
	ev, err := parseHeaderBlock(block)
	if err != nil {
		return false, err
	}
	p.buf = p.buf[end+len(crlfcrlf):]
	p.scan = 0
	p.capture = false
	p.body.Reset()

	switch ev.Kind {
	case EventRequestHeader:
		err = p.frameRequest(ev.Request)
	case EventResponseHeader:
		err = p.frameResponse(ev.Response)
	}
	if err != nil {
		return false, err
	}

	p.out = append(p.out, ev)
	p.paused = true
	return false, nil
}

func (p *Parser) frameRequest(req *httpmsg.RequestHeader) error {
	h := req.Headers()
	if httpmsg.IsChunked(h) {
		p.state = stateChunkedHeader
		return nil
	}
	n, err := contentLength(h)
	if err != nil {
		return err
	}
	p.state = stateNormalBody
	p.remaining = n
	return nil
}

func (p *Parser) frameResponse(resp *httpmsg.ResponseHeader) error {
	method := ""
	if !resp.IsInterim() && len(p.expect) > 0 {
		method = p.expect[0]
		p.expect = p.expect[1:]
	}
	success := resp.StatusCode() >= 200 && resp.StatusCode() < 300
	if resp.Bodyless() || method == httpmsg.MethodHead || (method == httpmsg.MethodConnect && success) {
		p.state = stateNormalBody
		p.remaining = 0
		return nil
	}

	h := resp.Headers()
	// Transfer-Encoding overrides Content-Length.
	if httpmsg.IsChunked(h) {
		p.state = stateChunkedHeader
		return nil
	}
	if _, ok := h.Get(httpmsg.HeaderContentLength); ok {
		n, err := contentLength(h)
		if err != nil {
			return err
		}
		p.state = stateNormalBody
		p.remaining = n
		return nil
	}
	// Without framing the body runs until the server closes.
	p.state = stateHTTP10Body
	return nil
}

func (p *Parser) readNormalBody() (bool, error) {
	if p.remaining > 0 {
		if len(p.buf) == 0 {
			return true, nil
		}
		n := min(int64(len(p.buf)), p.remaining)
		p.consumeBody(p.buf[:n], p.buf[:n])
		p.buf = p.buf[n:]
		p.remaining -= n
		if p.remaining > 0 {
			return true, nil
		}
	}
	p.completeMessage()
	return false, nil
}

func (p *Parser) readHTTP10Body() (bool, error) {
	if len(p.buf) > 0 {
		p.consumeBody(p.buf, p.buf)
		p.buf = p.buf[len(p.buf):]
	}
	return true, nil
}

func (p *Parser) readChunkSize() (bool, error) {
	end, ok := p.findLine()
	if !ok {
		if len(p.buf) > maxChunkSizeLine {
			return false, xerrors.Errorf("chunk size line exceeds %d bytes: %w", maxChunkSizeLine, ErrMalformedChunk)
		}
		return true, nil
	}

	line := p.buf[:end]
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.Trim(line, " \t")
	if len(line) == 0 || len(line) > maxChunkSizeDigits {
		return false, xerrors.Errorf("chunk size %q: %w", line, ErrMalformedChunk)
	}
	// Chunk sizes are bare hexadecimal digits, unlike Content-Length. ParseUint
	// rejects the sign prefixes ParseInt would take.
	u, err := strconv.ParseUint(string(line), 16, 63)
	if err != nil {
		return false, xerrors.Errorf("chunk size %q: %w", line, ErrMalformedChunk)
	}
	size := int64(u)

	p.consumeBody(p.buf[:end+len(crlf)], nil)
	p.buf = p.buf[end+len(crlf):]
	p.scan = 0
	if size == 0 {
		p.state = stateChunkedTrailer
		return false, nil
	}
	p.state = stateChunkedBody
	p.remaining = size
	p.crlfLeft = len(crlf)
	return false, nil
}

func (p *Parser) readChunkData() (bool, error) {
	for p.remaining > 0 {
		if len(p.buf) == 0 {
			return true, nil
		}
		n := min(int64(len(p.buf)), p.remaining)
		p.consumeBody(p.buf[:n], p.buf[:n])
		p.buf = p.buf[n:]
		p.remaining -= n
	}
	for p.crlfLeft > 0 {
		if len(p.buf) == 0 {
			return true, nil
		}
		want := crlf[len(crlf)-p.crlfLeft]
		if p.buf[0] != want {
			return false, xerrors.Errorf("chunk data not followed by CRLF: %w", ErrMalformedChunk)
		}
		p.consumeBody(p.buf[:1], nil)
		p.buf = p.buf[1:]
		p.crlfLeft--
	}
	p.state = stateChunkedHeader
	return false, nil
}

func (p *Parser) readTrailer() (bool, error) {
	end, ok := p.findLine()
	if !ok {
		if len(p.buf) > p.maxHeaderBytes {
			return false, xerrors.Errorf("chunked trailer: %w", ErrHeaderTooLarge)
		}
		return true, nil
	}
	line := p.buf[:end]
	if len(line) > 0 && bytes.IndexByte(line, ':') <= 0 {
		return false, xerrors.Errorf("trailer field %q: %w", line, ErrMalformedChunk)
	}
	p.consumeBody(p.buf[:end+len(crlf)], nil)
	p.buf = p.buf[end+len(crlf):]
	p.scan = 0
	if len(line) == 0 {
		p.completeMessage()
	}
	return false, nil
}

// findLine returns the offset of the next CRLF in buf.
func (p *Parser) findLine() (int, bool) {
	start := max(p.scan-len(crlf)+1, 0)
	i := bytes.Index(p.buf[start:], crlf)
	if i < 0 {
		p.scan = len(p.buf)
		return 0, false
	}
	return start + i, true
}

// consumeBody records raw wire bytes for forwarding and, when capturing, the
// payload bytes they carry.
func (p *Parser) consumeBody(raw, payload []byte) {
	p.pending = append(p.pending, raw...)
	if p.capture && len(payload) > 0 {
		_, _ = p.body.Write(payload)
	}
}

func (p *Parser) flushBody() {
	if len(p.pending) == 0 {
		return
	}
	p.out = append(p.out, Event{Kind: EventPartialBody, Data: p.pending})
	p.pending = nil
}

func (p *Parser) completeMessage() {
	p.flushBody()
	if p.capture {
		body := make([]byte, p.body.Len())
		copy(body, p.body.Bytes())
		p.out = append(p.out, Event{Kind: EventBodyComplete, Data: body})
	}
	p.out = append(p.out, Event{Kind: EventMessageComplete})
	p.state = stateHeader
	p.remaining = 0
	p.crlfLeft = 0
	p.capture = false
	p.body.Reset()
	p.scan = 0
}

func contentLength(h *httpmsg.Headers) (int64, error) {
	v, ok := h.Get(httpmsg.HeaderContentLength)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 63)
	if err != nil {
		return 0, xerrors.Errorf("content-length %q: %w", v, ErrMalformedHeader)
	}
	return int64(n), nil
}

func parseHeaderBlock(block []byte) (Event, error) {
	lines := bytes.Split(block, crlf)
	startLine := lines[0]

	fields := make([]httpmsg.Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if len(line) == 0 {
			return Event{}, xerrors.Errorf("empty header line: %w", ErrMalformedHeader)
		}
		// Obsolete line folding continues the previous value.
		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) == 0 {
				return Event{}, xerrors.Errorf("continuation before first field: %w", ErrMalformedHeader)
			}
			last := &fields[len(fields)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.Trim(string(line), " \t"))
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return Event{}, xerrors.Errorf("header line %q: %w", line, ErrMalformedHeader)
		}
		key := line[:i]
		if bytes.ContainsAny(key, " \t") {
			return Event{}, xerrors.Errorf("header name %q: %w", key, ErrMalformedHeader)
		}
		fields = append(fields, httpmsg.Header{
			Key:   string(key),
			Value: strings.Trim(string(line[i+1:]), " \t"),
		})
	}
	headers := httpmsg.NewHeaders(fields...)

	if bytes.HasPrefix(startLine, httpSlash) {
		resp, err := parseStatusLine(startLine, headers)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventResponseHeader, Response: resp}, nil
	}
	req, err := parseRequestLine(startLine, headers)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventRequestHeader, Request: req}, nil
}

// parseStatusLine parses "HTTP/x.y SP 3DIGIT [SP reason-phrase]".
func parseStatusLine(line []byte, headers *httpmsg.Headers) (*httpmsg.ResponseHeader, error) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return nil, xerrors.Errorf("status line %q: %w", line, ErrMalformedStartLine)
	}
	version, ok := parseVersion(line[len(httpSlash):sp])
	if !ok {
		return nil, xerrors.Errorf("status line version %q: %w", line, ErrMalformedStartLine)
	}
	rest := line[sp+1:]
	code, reason := rest, []byte(nil)
	if j := bytes.IndexByte(rest, ' '); j >= 0 {
		code, reason = rest[:j], rest[j+1:]
	}
	if len(code) != 3 {
		return nil, xerrors.Errorf("status code %q: %w", code, ErrMalformedStartLine)
	}
	status, err := strconv.Atoi(string(code))
	if err != nil || status < 100 {
		return nil, xerrors.Errorf("status code %q: %w", code, ErrMalformedStartLine)
	}
	return httpmsg.NewResponseHeader(version, status, string(reason), headers), nil
}

// parseRequestLine parses "method SP request-target SP HTTP/x.y".
func parseRequestLine(line []byte, headers *httpmsg.Headers) (*httpmsg.RequestHeader, error) {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return nil, xerrors.Errorf("request line %q: %w", line, ErrMalformedStartLine)
	}
	for _, c := range parts[0] {
		if c <= ' ' || c >= 0x7f {
			return nil, xerrors.Errorf("method %q: %w", parts[0], ErrMalformedStartLine)
		}
	}
	if !bytes.HasPrefix(parts[2], httpSlash) {
		return nil, xerrors.Errorf("request line %q: %w", line, ErrMalformedStartLine)
	}
	version, ok := parseVersion(parts[2][len(httpSlash):])
	if !ok {
		return nil, xerrors.Errorf("request version %q: %w", parts[2], ErrMalformedStartLine)
	}
	return httpmsg.NewRequestHeader(version, string(parts[0]), string(parts[1]), headers), nil
}

func parseVersion(b []byte) (string, bool) {
	if len(b) != 3 || b[1] != '.' || !isDigit(b[0]) || !isDigit(b[2]) {
		return "", false
	}
	return string(b), true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
