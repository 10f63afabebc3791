// Package router owns the rule tables mapping request paths to
// endpoints: matching, content-type compatibility, CORS preflight and
// the standard security headers.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
)

var (
	ErrNotFound         = errors.New("no route matches")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// MatchError attaches response detail to a routing sentinel: the
// allowed methods for a 405, the compatible media types for a 415.
type MatchError struct {
	Err    error
	Allow  []string
	Accept []string
}

func (e *MatchError) Error() string { return e.Err.Error() }
func (e *MatchError) Unwrap() error { return e.Err }

// Router holds two compiled tables: system routes that need no session
// or database, and the full table available once application state is
// loaded. Lookup is system-first.
type Router struct {
	logger *slog.Logger
	system []*Rule
	full   []*Rule
}

func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Load compiles composed manifest routes into the tables. It replaces
// any previously loaded table.
func (rt *Router) Load(routes []endpoint.Route) error {
	var system, full []*Rule
	for _, r := range routes {
		rule, err := FromRoute(r)
		if err != nil {
			return fmt.Errorf("route %q: %w", r.Pattern, err)
		}
		if rule.System {
			system = append(system, rule)
		} else {
			full = append(full, rule)
		}
	}
	rt.system = system
	rt.full = full
	rt.logger.Info("route tables loaded", "system", len(system), "full", len(full))
	return nil
}

// Match resolves method+path to a rule and its path arguments. A path
// that matches under a different method yields ErrMethodNotAllowed
// with the union of allowed methods; no path match yields ErrNotFound.
func (rt *Router) Match(method, path string) (*Rule, map[string]string, error) {
	var allowed []string
	for _, table := range [][]*Rule{rt.system, rt.full} {
		for _, rule := range table {
			args, ok := rule.match(path)
			if !ok {
				continue
			}
			if rule.allowsMethod(method) {
				return rule, args, nil
			}
			allowed = append(allowed, rule.Methods...)
		}
	}
	if len(allowed) > 0 {
		return nil, nil, &MatchError{Err: ErrMethodNotAllowed, Allow: dedupe(allowed)}
	}
	return nil, nil, &MatchError{Err: fmt.Errorf("%w: %s", ErrNotFound, path)}
}

// CheckContentType verifies an inbound Content-Type against the rule's
// protocol type. The 415 error lists the types the rule does accept.
func (rt *Router) CheckContentType(rule *Rule, method, contentType string) error {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if compatibleMediaType(rule.Type, method, mediaType) {
		return nil
	}
	return &MatchError{Err: ErrUnsupportedMedia, Accept: acceptedTypes(rule.Type)}
}

func compatibleMediaType(t Type, method, mediaType string) bool {
	switch t {
	case TypeForm:
		if mediaType == "" && bodylessMethod(method) {
			return true
		}
		return mediaType == "application/x-www-form-urlencoded" ||
			mediaType == "multipart/form-data"
	case TypeRPC:
		return mediaType == "application/json" || mediaType == "application/json-rpc"
	case TypeJSON:
		return mediaType == "" ||
			mediaType == "application/json" ||
			strings.HasSuffix(mediaType, "+json")
	default:
		return true
	}
}

func acceptedTypes(t Type) []string {
	switch t {
	case TypeForm:
		return []string{"application/x-www-form-urlencoded", "multipart/form-data"}
	case TypeRPC:
		return []string{"application/json", "application/json-rpc"}
	case TypeJSON:
		return []string{"application/json"}
	default:
		return nil
	}
}

func bodylessMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// Preflight answers a CORS preflight without touching the endpoint.
// The caller checks the rule declares CORS and the request is OPTIONS.
func (rt *Router) Preflight(rule *Rule, origin string) *httpwire.Response {
	resp := httpwire.NewResponse(204)
	resp.ContentLength = 0
	setCORS(resp.Header, rule, origin)
	resp.Header.Set("Access-Control-Allow-Methods", strings.Join(allowMethods(rule), ", "))
	resp.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
	resp.Header.Set("Access-Control-Max-Age", "86400")
	return resp
}

// ApplyCORS sets the simple-request CORS headers on an actual
// response.
func (rt *Router) ApplyCORS(resp *httpwire.Response, rule *Rule, origin string) {
	if rule.CORS == "" || origin == "" {
		return
	}
	setCORS(resp.Header, rule, origin)
}

func setCORS(h httpwire.Header, rule *Rule, origin string) {
	allowed := rule.CORS
	if allowed == "*" {
		allowed = origin
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	h.Set("Vary", "Origin")
}

func allowMethods(rule *Rule) []string {
	if len(rule.Methods) == 0 {
		return []string{"GET", "POST", "OPTIONS"}
	}
	out := append([]string(nil), rule.Methods...)
	out = append(out, "OPTIONS")
	return dedupe(out)
}

// SecurityHeaders attaches the standard protections: sniffing is
// always disabled, and non-HTML static content gets a deny-all CSP so
// a served attachment cannot script against the origin.
func SecurityHeaders(resp *httpwire.Response) {
	resp.Header.Set("X-Content-Type-Options", "nosniff")
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct == "" || strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml") {
		return
	}
	if resp.Header.Get("Content-Security-Policy") == "" {
		resp.Header.Set("Content-Security-Policy", "default-src 'none'")
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		u := strings.ToUpper(s)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
