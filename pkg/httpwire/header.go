// Package httpwire terminates HTTP/1.1 connections for the gatehouse
// front door: it incrementally parses inbound messages, exposes bodies
// as pull-based readers, and incrementally serializes responses with
// streaming and chunked transfer support.
package httpwire

import "strings"

// Header maps canonicalized field names to values.
type Header map[string][]string

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	if vv, ok := h[CanonicalKey(key)]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Set replaces any existing values for key.
func (h Header) Set(key, value string) {
	h[CanonicalKey(key)] = []string{value}
}

// Add appends a value for key.
func (h Header) Add(key, value string) {
	ck := CanonicalKey(key)
	h[ck] = append(h[ck], value)
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, CanonicalKey(key))
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[CanonicalKey(key)]
	return ok
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// CanonicalKey canonicalizes a header field name (content-type →
// Content-Type) without pulling in net/textproto.
func CanonicalKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}

// tokenListContains reports whether a comma-separated header value
// contains token, case-insensitively.
func tokenListContains(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// sanitizeValue removes CR/LF and control characters except HTAB from a
// header value, preventing response splitting.
func sanitizeValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
