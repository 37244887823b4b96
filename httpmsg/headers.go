package httpmsg

import (
	"bytes"
	"strings"
)

// Header is a single header line. Key keeps the case it arrived with.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header collection. Lookups are case-insensitive and
// insertion order is preserved, since a proxy must not reorder header fields.
//
// Headers is not safe for concurrent use.
type Headers struct {
	fields []Header
}

// NewHeaders returns a collection holding fields in the given order.
func NewHeaders(fields ...Header) *Headers {
	h := &Headers{fields: make([]Header, 0, len(fields))}
	h.fields = append(h.fields, fields...)
	return h
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	return len(h.fields)
}

// All returns a copy of every header line in order.
func (h *Headers) All() []Header {
	out := make([]Header, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	return NewHeaders(h.fields...)
}

// Add appends a header line without looking for an existing key.
func (h *Headers) Add(key, value string) {
	h.fields = append(h.fields, Header{Key: key, Value: value})
}

// Get returns the value of the first line matching key.
func (h *Headers) Get(key string) (string, bool) {
	i := h.index(key)
	if i < 0 {
		return "", false
	}
	return h.fields[i].Value, true
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	return h.index(key) >= 0
}

// Upsert sets key to value. The first existing line keeps its position and any
// further lines with the same key are dropped. A missing key is appended.
func (h *Headers) Upsert(key, value string) {
	i := h.index(key)
	if i < 0 {
		h.Add(key, value)
		return
	}
	h.fields[i].Value = value
	h.removeFrom(key, i+1)
}

// Rename changes the key of every line named oldKey to newKey, keeping values
// and positions. It reports whether anything was renamed.
func (h *Headers) Rename(oldKey, newKey string) bool {
	renamed := false
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Key, oldKey) {
			h.fields[i].Key = newKey
			renamed = true
		}
	}
	return renamed
}

// Remove deletes every line named key and reports whether any existed.
func (h *Headers) Remove(key string) bool {
	before := len(h.fields)
	h.removeFrom(key, 0)
	return len(h.fields) != before
}

// RemoveKeyValue removes token from the comma separated value of key, e.g.
// removing "chunked" from "gzip, chunked" leaves "gzip". A line left with an
// empty value is deleted. It reports whether the token was found.
func (h *Headers) RemoveKeyValue(key, token string) bool {
	found := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Key, key) {
			kept = append(kept, f)
			continue
		}
		parts := strings.Split(f.Value, ",")
		remaining := parts[:0]
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if strings.EqualFold(p, token) {
				found = true
				continue
			}
			if p != "" {
				remaining = append(remaining, p)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		f.Value = strings.Join(remaining, ", ")
		kept = append(kept, f)
	}
	h.fields = kept
	return found
}

// ContainsToken reports whether any line named key lists token in its comma
// separated value.
func (h *Headers) ContainsToken(key, token string) bool {
	for _, f := range h.fields {
		if !strings.EqualFold(f.Key, key) {
			continue
		}
		for _, p := range strings.Split(f.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

// writeTo appends every line in wire format ("Key: Value\r\n").
func (h *Headers) writeTo(buf *bytes.Buffer) {
	for _, f := range h.fields {
		buf.WriteString(f.Key)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
}

func (h *Headers) index(key string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return i
		}
	}
	return -1
}

func (h *Headers) removeFrom(key string, start int) {
	kept := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.Key, key) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}
