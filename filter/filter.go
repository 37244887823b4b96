// Package filter decides whether the proxy may open a connection for a
// request and whether, or how, a response may reach the client.
package filter

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/httpmsg"
)

//go:generate mockgen -destination ./filtermock/filtermock.go -package filtermock github.com/coder/gallatin/filter ConnectionFilter,ResponseFilter

var ErrFilterPanic = xerrors.New("filter panicked")

// Speed orders filters so that cheap local checks run before ones that
// consult a remote service.
type Speed int

const (
	SpeedLocal Speed = iota
	SpeedRemote
)

// ConnectionFilter runs before the proxy connects upstream. A non-empty
// message rejects the request and is shown to the client.
type ConnectionFilter interface {
	Name() string
	Speed() Speed
	EvaluateConnection(req *httpmsg.RequestHeader, connectionID string) (string, error)
}

// BodyFunc inspects a complete, decoded response body. It returns nil to
// leave the body unchanged.
type BodyFunc func(resp *httpmsg.ResponseHeader, connectionID string, body []byte) ([]byte, error)

// ResponseFilter runs once the response header is known. It may reject the
// response outright with a message, or return a BodyFunc to see the body.
type ResponseFilter interface {
	Name() string
	Speed() Speed
	EvaluateResponse(resp *httpmsg.ResponseHeader, connectionID string) (string, BodyFunc, error)
}

type Options struct {
	Enabled bool
	// Whitelist holds host glob patterns that bypass every filter.
	Whitelist         []string
	ConnectionFilters []ConnectionFilter
	ResponseFilters   []ResponseFilter
	// Verdicts, if set, counts outcomes by stage and verdict.
	Verdicts *prometheus.CounterVec
	Logger   slog.Logger
}

// ProxyFilter runs the registered filters in speed order. It holds no
// per-request state and may be shared by sessions.
type ProxyFilter struct {
	enabled     bool
	whitelist   []string
	connFilters []ConnectionFilter
	respFilters []ResponseFilter
	verdicts    *prometheus.CounterVec
	logger      slog.Logger
}

func New(opts Options) *ProxyFilter {
	connFilters := append([]ConnectionFilter(nil), opts.ConnectionFilters...)
	sort.SliceStable(connFilters, func(i, j int) bool {
		return connFilters[i].Speed() < connFilters[j].Speed()
	})
	respFilters := append([]ResponseFilter(nil), opts.ResponseFilters...)
	sort.SliceStable(respFilters, func(i, j int) bool {
		return respFilters[i].Speed() < respFilters[j].Speed()
	})
	whitelist := make([]string, 0, len(opts.Whitelist))
	for _, w := range opts.Whitelist {
		whitelist = append(whitelist, strings.ToLower(w))
	}
	return &ProxyFilter{
		enabled:     opts.Enabled,
		whitelist:   whitelist,
		connFilters: connFilters,
		respFilters: respFilters,
		verdicts:    opts.Verdicts,
		logger:      opts.Logger.Named("filter"),
	}
}

func (f *ProxyFilter) Enabled() bool {
	return f != nil && f.enabled
}

// Whitelisted reports whether the request's host matches a whitelist pattern.
func (f *ProxyFilter) Whitelisted(req *httpmsg.RequestHeader) bool {
	if req == nil {
		return false
	}
	host, _, err := req.Target()
	if err != nil {
		return false
	}
	return MatchHost(f.whitelist, host)
}

func (f *ProxyFilter) active(req *httpmsg.RequestHeader) bool {
	return f.Enabled() && !f.Whitelisted(req)
}

// EvaluateConnectionFilters returns a rejection page for the first filter
// that objects to req, or nil when the request may proceed.
func (f *ProxyFilter) EvaluateConnectionFilters(req *httpmsg.RequestHeader, connectionID string) ([]byte, error) {
	if !f.active(req) {
		return nil, nil
	}
	for _, cf := range f.connFilters {
		msg, err := f.callConnection(cf, req, connectionID)
		if err != nil {
			f.count("connection", "error")
			return nil, xerrors.Errorf("connection filter %q: %w", cf.Name(), err)
		}
		if msg != "" {
			f.logger.Debug(context.Background(), "connection rejected",
				slog.F("connection_id", connectionID),
				slog.F("filter", cf.Name()),
				slog.F("request", req.String()))
			f.count("connection", "reject")
			return httpmsg.RejectionPage(req.Version(), msg), nil
		}
	}
	f.count("connection", "pass")
	return nil, nil
}

// ResponseEvaluation is the header-time verdict on a response.
type ResponseEvaluation struct {
	page      []byte
	callbacks []BodyFunc
	names     []string
}

// Page is the synthetic response to send instead of the real one, if any.
func (e *ResponseEvaluation) Page() []byte {
	if e == nil {
		return nil
	}
	return e.page
}

// NeedsBody reports whether a filter asked to inspect the body. The caller
// buffers the body only if the response has one.
func (e *ResponseEvaluation) NeedsBody() bool {
	return e != nil && len(e.callbacks) > 0
}

// TryEvaluateResponseFilters runs the response filters against the header.
// req is the request the response answers and drives whitelisting.
func (f *ProxyFilter) TryEvaluateResponseFilters(req *httpmsg.RequestHeader, resp *httpmsg.ResponseHeader, connectionID string) (*ResponseEvaluation, error) {
	eval := &ResponseEvaluation{}
	if !f.active(req) {
		return eval, nil
	}
	for _, rf := range f.respFilters {
		msg, cb, err := f.callResponse(rf, resp, connectionID)
		if err != nil {
			f.count("response", "error")
			return nil, xerrors.Errorf("response filter %q: %w", rf.Name(), err)
		}
		if msg != "" {
			f.logger.Debug(context.Background(), "response rejected",
				slog.F("connection_id", connectionID),
				slog.F("filter", rf.Name()),
				slog.F("status", resp.StatusCode()))
			f.count("response", "reject")
			return &ResponseEvaluation{page: httpmsg.ResponseFilteredPage(resp.Version(), msg)}, nil
		}
		if cb != nil {
			eval.callbacks = append(eval.callbacks, cb)
			eval.names = append(eval.names, rf.Name())
		}
	}
	if eval.NeedsBody() {
		f.count("response", "body")
	} else {
		f.count("response", "pass")
	}
	return eval, nil
}

// EvaluateResponseFiltersWithBody runs the body callbacks registered by
// TryEvaluateResponseFilters. body is the de-chunked payload. The response
// headers are rewritten to describe the returned body: chunked framing and
// decoded content codings are removed and Content-Length is updated after
// every step. modified reports whether a callback replaced the body.
func (f *ProxyFilter) EvaluateResponseFiltersWithBody(eval *ResponseEvaluation, resp *httpmsg.ResponseHeader, connectionID string, body []byte) (_ []byte, modified bool, _ error) {
	h := resp.Headers()
	if h.RemoveKeyValue(httpmsg.HeaderTransferEncoding, "chunked") {
		h.Upsert(httpmsg.HeaderContentLength, strconv.Itoa(len(body)))
	}

	body, decoded, err := decodeBody(h, body)
	if err != nil {
		f.count("body", "error")
		return nil, false, xerrors.Errorf("decode body: %w", err)
	}
	if !decoded {
		// The body is still in a coding the filters cannot read.
		f.count("body", "pass")
		return body, false, nil
	}

	if eval != nil {
		for i, cb := range eval.callbacks {
			out, err := callBody(cb, resp, connectionID, body)
			if err != nil {
				f.count("body", "error")
				return nil, false, xerrors.Errorf("body filter %q: %w", eval.names[i], err)
			}
			if out != nil {
				f.logger.Debug(context.Background(), "response body modified",
					slog.F("connection_id", connectionID),
					slog.F("filter", eval.names[i]),
					slog.F("before", len(body)),
					slog.F("after", len(out)))
				body = out
				modified = true
				break
			}
		}
	}

	h.Upsert(httpmsg.HeaderContentLength, strconv.Itoa(len(body)))
	if modified {
		f.count("body", "modify")
	} else {
		f.count("body", "pass")
	}
	return body, modified, nil
}

func (f *ProxyFilter) count(stage, verdict string) {
	if f != nil && f.verdicts != nil {
		f.verdicts.WithLabelValues(stage, verdict).Inc()
	}
}

func (*ProxyFilter) callConnection(cf ConnectionFilter, req *httpmsg.RequestHeader, connectionID string) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("%v: %w", r, ErrFilterPanic)
		}
	}()
	return cf.EvaluateConnection(req, connectionID)
}

func (*ProxyFilter) callResponse(rf ResponseFilter, resp *httpmsg.ResponseHeader, connectionID string) (msg string, cb BodyFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("%v: %w", r, ErrFilterPanic)
		}
	}()
	return rf.EvaluateResponse(resp, connectionID)
}

func callBody(cb BodyFunc, resp *httpmsg.ResponseHeader, connectionID string, body []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("%v: %w", r, ErrFilterPanic)
		}
	}()
	return cb(resp, connectionID, body)
}

// MatchHost reports whether host matches any of the glob patterns. A pattern
// of the form "*.example.com" also matches "example.com" itself.
func MatchHost(patterns []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, p := range patterns {
		p = strings.ToLower(p)
		if ok, _ := path.Match(p, host); ok {
			return true
		}
		if rest, ok := strings.CutPrefix(p, "*."); ok && (host == rest || strings.HasSuffix(host, "."+rest)) {
			return true
		}
	}
	return false
}
