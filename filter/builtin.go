package filter

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"slices"
	"strconv"
	"strings"

	"github.com/coder/gallatin/httpmsg"
)

// HostFilter rejects requests whose target host matches a blocked pattern.
// Rejection messages are HTML, so request-derived text is escaped.
type HostFilter struct {
	Blocked []string
}

var _ ConnectionFilter = (*HostFilter)(nil)

func (*HostFilter) Name() string { return "host" }
func (*HostFilter) Speed() Speed { return SpeedLocal }

func (f *HostFilter) EvaluateConnection(req *httpmsg.RequestHeader, _ string) (string, error) {
	host, _, err := req.Target()
	if err != nil {
		// Requests without a usable host fail later, when connecting.
		return "", nil
	}
	if MatchHost(f.Blocked, host) {
		return fmt.Sprintf("Access to %s is blocked by policy.", html.EscapeString(host)), nil
	}
	return "", nil
}

// TunnelPortFilter only lets CONNECT reach the listed ports.
type TunnelPortFilter struct {
	Ports []int
}

var _ ConnectionFilter = (*TunnelPortFilter)(nil)

func (*TunnelPortFilter) Name() string { return "tunnel_port" }
func (*TunnelPortFilter) Speed() Speed { return SpeedLocal }

func (f *TunnelPortFilter) EvaluateConnection(req *httpmsg.RequestHeader, _ string) (string, error) {
	if !req.IsSSL() {
		return "", nil
	}
	_, port, err := req.Target()
	if err != nil {
		return "", nil
	}
	if slices.Contains(f.Ports, port) {
		return "", nil
	}
	allowed := make([]string, 0, len(f.Ports))
	for _, p := range f.Ports {
		allowed = append(allowed, strconv.Itoa(p))
	}
	return fmt.Sprintf("Tunnels to port %d are not allowed. Allowed ports: %s.", port, strings.Join(allowed, ", ")), nil
}

// ContentTypeFilter rejects responses by media type using the header alone.
type ContentTypeFilter struct {
	Blocked []string
}

var _ ResponseFilter = (*ContentTypeFilter)(nil)

func (*ContentTypeFilter) Name() string { return "content_type" }
func (*ContentTypeFilter) Speed() Speed { return SpeedLocal }

func (f *ContentTypeFilter) EvaluateResponse(resp *httpmsg.ResponseHeader, _ string) (string, BodyFunc, error) {
	mt := mediaType(resp)
	if mt == "" {
		return "", nil, nil
	}
	for _, blocked := range f.Blocked {
		blocked = strings.ToLower(blocked)
		if mt == blocked || (strings.HasSuffix(blocked, "/*") && strings.HasPrefix(mt, strings.TrimSuffix(blocked, "*"))) {
			return fmt.Sprintf("Content of type %s is blocked by policy.", html.EscapeString(mt)), nil, nil
		}
	}
	return "", nil, nil
}

// KeywordFilter masks keywords in text bodies with asterisks.
type KeywordFilter struct {
	Keywords []string
}

var _ ResponseFilter = (*KeywordFilter)(nil)

func (*KeywordFilter) Name() string { return "keyword" }
func (*KeywordFilter) Speed() Speed { return SpeedLocal }

func (f *KeywordFilter) EvaluateResponse(resp *httpmsg.ResponseHeader, _ string) (string, BodyFunc, error) {
	if len(f.Keywords) == 0 || !strings.HasPrefix(mediaType(resp), "text/") {
		return "", nil, nil
	}
	return "", f.mask, nil
}

func (f *KeywordFilter) mask(_ *httpmsg.ResponseHeader, _ string, body []byte) ([]byte, error) {
	lower := bytes.ToLower(body)
	// Case folding changed the length, so offsets would not line up.
	folded := len(lower) == len(body)
	if !folded {
		lower = body
	}
	var out []byte
	for _, kw := range f.Keywords {
		if kw == "" {
			continue
		}
		needle := []byte(kw)
		if folded {
			needle = bytes.ToLower(needle)
		}
		for off := 0; ; {
			i := bytes.Index(lower[off:], needle)
			if i < 0 {
				break
			}
			if out == nil {
				out = bytes.Clone(body)
			}
			start := off + i
			for j := start; j < start+len(needle); j++ {
				out[j] = '*'
			}
			off = start + len(needle)
		}
	}
	return out, nil
}

func mediaType(resp *httpmsg.ResponseHeader) string {
	v, ok := resp.Headers().Get(httpmsg.HeaderContentType)
	if !ok {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		mt, _, _ = strings.Cut(v, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
