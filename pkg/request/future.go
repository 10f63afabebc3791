package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/txn2/gatehouse/pkg/httpwire"
)

// FutureResponse accumulates headers and cookies that endpoints want
// on the final response before that response exists. The dispatcher
// merges it into whatever response dispatch produced.
type FutureResponse struct {
	header  httpwire.Header
	cookies []string
	status  int
}

func NewFutureResponse() *FutureResponse {
	return &FutureResponse{header: make(httpwire.Header)}
}

// SetHeader records a header for the final response, replacing any
// value set earlier under the same key.
func (f *FutureResponse) SetHeader(key, value string) {
	f.header.Set(key, value)
}

// AddHeader records an additional value under key.
func (f *FutureResponse) AddHeader(key, value string) {
	f.header.Add(key, value)
}

// SetStatus overrides the response status. A later call wins.
func (f *FutureResponse) SetStatus(code int) {
	f.status = code
}

// Cookie options for SetCookie.
type CookieOptions struct {
	Path     string
	MaxAge   time.Duration
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// SetCookie records a Set-Cookie line for the final response.
func (f *FutureResponse) SetCookie(name, value string, opts CookieOptions) {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('=')
	sb.WriteString(value)
	if opts.Path != "" {
		sb.WriteString("; Path=")
		sb.WriteString(opts.Path)
	}
	if opts.MaxAge != 0 {
		fmt.Fprintf(&sb, "; Max-Age=%d", int(opts.MaxAge.Seconds()))
	}
	if opts.SameSite != "" {
		sb.WriteString("; SameSite=")
		sb.WriteString(opts.SameSite)
	}
	if opts.Secure {
		sb.WriteString("; Secure")
	}
	if opts.HTTPOnly {
		sb.WriteString("; HttpOnly")
	}
	f.cookies = append(f.cookies, sb.String())
}

// ExpireCookie records a deletion for the named cookie.
func (f *FutureResponse) ExpireCookie(name, path string) {
	f.cookies = append(f.cookies, name+"=; Path="+path+"; Max-Age=0")
}

// MergeInto applies the accumulated state to resp. Headers already on
// the response win over deferred ones; cookies always append.
func (f *FutureResponse) MergeInto(resp *httpwire.Response) {
	for key, values := range f.header {
		if resp.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			resp.Header.Add(key, v)
		}
	}
	for _, c := range f.cookies {
		resp.SetCookie(c)
	}
	if f.status != 0 {
		resp.Status = f.status
	}
}
