// Package httpmsg models parsed HTTP/1.x message headers and the synthetic
// responses the proxy writes on its own behalf.
package httpmsg

import (
	"bytes"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const (
	Version10 = "1.0"
	Version11 = "1.1"

	MethodConnect = "CONNECT"
	MethodHead    = "HEAD"

	HeaderConnection       = "Connection"
	HeaderProxyConnection  = "Proxy-Connection"
	HeaderContentLength    = "Content-Length"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentType      = "Content-Type"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderHost             = "Host"

	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

var ErrInvalidHost = xerrors.New("request has no usable host")

// RequestHeader is the start line and header block of a request. The start line
// fields never change after construction; headers may be edited before
// forwarding.
type RequestHeader struct {
	version string
	method  string
	path    string
	headers *Headers
}

func NewRequestHeader(version, method, path string, headers *Headers) *RequestHeader {
	if headers == nil {
		headers = NewHeaders()
	}
	return &RequestHeader{
		version: version,
		method:  method,
		path:    path,
		headers: headers,
	}
}

func (r *RequestHeader) Version() string   { return r.version }
func (r *RequestHeader) Method() string    { return r.method }
func (r *RequestHeader) Path() string      { return r.path }
func (r *RequestHeader) Headers() *Headers { return r.headers }

// IsSSL reports whether the request asks for a CONNECT tunnel.
func (r *RequestHeader) IsSSL() bool {
	return strings.EqualFold(r.method, MethodConnect)
}

// IsPersistent reports whether the client expects the connection to stay open
// after this exchange.
func (r *RequestHeader) IsPersistent() bool {
	return persistent(r.version, r.headers)
}

// HasBody reports whether the request carries a framed body.
func (r *RequestHeader) HasBody() bool {
	return hasBody(r.headers)
}

// Target resolves the upstream host and port. CONNECT requests name it in the
// request target; other requests use an absolute URI or fall back to the Host
// header, with port 80 when none is given.
func (r *RequestHeader) Target() (string, int, error) {
	if r.IsSSL() {
		return splitHostPort(r.path, DefaultHTTPSPort)
	}

	lower := strings.ToLower(r.path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(r.path)
		if err != nil {
			return "", 0, xerrors.Errorf("parse request target %q: %w", r.path, ErrInvalidHost)
		}
		port := DefaultHTTPPort
		if strings.EqualFold(u.Scheme, "https") {
			port = DefaultHTTPSPort
		}
		if u.Hostname() == "" {
			return "", 0, ErrInvalidHost
		}
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil || port <= 0 || port > 65535 {
				return "", 0, xerrors.Errorf("port %q: %w", p, ErrInvalidHost)
			}
		}
		return u.Hostname(), port, nil
	}

	host, ok := r.headers.Get(HeaderHost)
	if !ok {
		return "", 0, ErrInvalidHost
	}
	return splitHostPort(strings.TrimSpace(host), DefaultHTTPPort)
}

// Bytes serializes the header block, terminating blank line included.
func (r *RequestHeader) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(r.method)
	buf.WriteByte(' ')
	buf.WriteString(r.path)
	buf.WriteString(" HTTP/")
	buf.WriteString(r.version)
	buf.WriteString("\r\n")
	r.headers.writeTo(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (r *RequestHeader) String() string {
	return r.method + " " + r.path + " HTTP/" + r.version
}

// ResponseHeader is the status line and header block of a response.
type ResponseHeader struct {
	version    string
	statusCode int
	statusText string
	headers    *Headers
}

func NewResponseHeader(version string, statusCode int, statusText string, headers *Headers) *ResponseHeader {
	if headers == nil {
		headers = NewHeaders()
	}
	return &ResponseHeader{
		version:    version,
		statusCode: statusCode,
		statusText: statusText,
		headers:    headers,
	}
}

func (r *ResponseHeader) Version() string    { return r.version }
func (r *ResponseHeader) StatusCode() int    { return r.statusCode }
func (r *ResponseHeader) StatusText() string { return r.statusText }
func (r *ResponseHeader) Headers() *Headers  { return r.headers }

// IsPersistent is true for HTTP/1.1 responses that do not ask for the
// connection to be closed.
func (r *ResponseHeader) IsPersistent() bool {
	return persistent(r.version, r.headers)
}

// HasBody reports whether the response declares a non-empty Content-Length or
// chunked transfer coding.
func (r *ResponseHeader) HasBody() bool {
	return hasBody(r.headers)
}

// IsInterim reports a 1xx response, which precedes the final response to the
// same request.
func (r *ResponseHeader) IsInterim() bool {
	return r.statusCode >= 100 && r.statusCode < 200
}

// Bodyless reports a status that never carries a body.
func (r *ResponseHeader) Bodyless() bool {
	return r.IsInterim() || r.statusCode == 204 || r.statusCode == 304
}

// Bytes serializes the header block, terminating blank line included.
func (r *ResponseHeader) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/")
	buf.WriteString(r.version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(r.statusCode))
	if r.statusText != "" {
		buf.WriteByte(' ')
		buf.WriteString(r.statusText)
	}
	buf.WriteString("\r\n")
	r.headers.writeTo(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (r *ResponseHeader) String() string {
	return "HTTP/" + r.version + " " + strconv.Itoa(r.statusCode) + " " + r.statusText
}

// ContentLength returns the parsed Content-Length, if present and valid.
func ContentLength(h *Headers) (int64, bool) {
	v, ok := h.Get(HeaderContentLength)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IsChunked reports whether chunked transfer coding applies.
func IsChunked(h *Headers) bool {
	return h.ContainsToken(HeaderTransferEncoding, "chunked")
}

func hasBody(h *Headers) bool {
	if IsChunked(h) {
		return true
	}
	n, ok := ContentLength(h)
	return ok && n > 0
}

func persistent(version string, h *Headers) bool {
	if h.ContainsToken(HeaderConnection, "close") || h.ContainsToken(HeaderProxyConnection, "close") {
		return false
	}
	return version == Version11
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, ErrInvalidHost
	}
	// A bare IPv6 literal or a name without a port.
	if !strings.Contains(hostport, ":") || (strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]")) {
		return strings.Trim(hostport, "[]"), defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, xerrors.Errorf("split %q: %w", hostport, ErrInvalidHost)
	}
	if host == "" {
		return "", 0, ErrInvalidHost
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, xerrors.Errorf("port %q: %w", portStr, ErrInvalidHost)
	}
	return host, port, nil
}
