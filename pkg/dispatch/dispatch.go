// Package dispatch bridges matched routes to endpoint invocations.
// Three dispatcher variants share one lifecycle: PreDispatch,
// Dispatch through the retry executor, PostDispatch, HandleError. A
// dispatcher instance serves exactly one exchange.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/metrics"
	"github.com/txn2/gatehouse/pkg/request"
	"github.com/txn2/gatehouse/pkg/retry"
	"github.com/txn2/gatehouse/pkg/router"
	"github.com/txn2/gatehouse/pkg/session"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session_id"

// HTTPError is an expected failure that knows its wire representation.
type HTTPError struct {
	Status  int
	Name    string
	Message string
	Header  httpwire.Header
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return httpwire.StatusText(e.Status)
}

// Dispatcher is the per-exchange lifecycle around an endpoint call.
type Dispatcher interface {
	PreDispatch(rc *request.Context, rule *router.Rule) error
	Dispatch(rc *request.Context, ep *endpoint.Endpoint, args map[string]any) (*httpwire.Response, error)
	PostDispatch(rc *request.Context, resp *httpwire.Response)
	HandleError(rc *request.Context, err error) *httpwire.Response
}

// Deps is the shared wiring for all dispatcher variants.
type Deps struct {
	Logger        *slog.Logger
	Store         session.Store
	CSRF          *session.CSRF
	Retry         *retry.Executor
	Metrics       *metrics.Metrics
	CookieMaxAge  time.Duration
	SecureCookies bool
	Debug         bool
}

// Select decides which dispatcher type serves a request. A declared
// protocol type wins; otherwise the content type votes, so routing
// misses are still rendered in the caller's dialect.
func Select(declared router.Type, contentType string) router.Type {
	if declared != router.TypeNone {
		return declared
	}
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "application/json" || mt == "application/json-rpc":
		return router.TypeRPC
	case strings.HasSuffix(mt, "+json"):
		return router.TypeJSON
	default:
		return router.TypeForm
	}
}

// New builds a dispatcher of the given type for one exchange.
func New(t router.Type, deps Deps) Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	switch t {
	case router.TypeRPC:
		return &RPCDispatcher{base: base{deps: deps}}
	case router.TypeJSON:
		return &JSONDispatcher{base: base{deps: deps}}
	default:
		return &FormDispatcher{base: base{deps: deps}}
	}
}

// base carries the per-exchange state common to the variants.
type base struct {
	deps Deps
	rule *router.Rule
}

func (b *base) PreDispatch(rc *request.Context, rule *router.Rule) error {
	b.rule = rule
	if rc.Session != nil && rule.System {
		// System routes must work before any application state exists,
		// so they never write sessions either.
		rc.Session.DisablePersistence()
	}
	if rule.CORS != "" {
		if origin := rc.Req.Header.Get("Origin"); origin != "" {
			allowed := rule.CORS
			if allowed == "*" {
				allowed = origin
			}
			rc.Future.SetHeader("Access-Control-Allow-Origin", allowed)
			rc.Future.SetHeader("Vary", "Origin")
		}
	}
	return nil
}

// PostDispatch flushes deferred headers, persists the session and
// re-issues the cookie when the token on the wire no longer matches.
func (b *base) PostDispatch(rc *request.Context, resp *httpwire.Response) {
	s := rc.Session
	if s != nil && b.deps.Store != nil {
		wireToken, _ := rc.Cookie(SessionCookie)
		b.persistSession(rc, s)
		if s.Token() != wireToken {
			b.issueCookie(rc, s.Token())
		}
	}
	rc.Future.MergeInto(resp)
}

func (b *base) persistSession(rc *request.Context, s *session.Session) {
	ctx := rc.Context()
	if pending, soft := s.RotationPending(); pending {
		if err := b.deps.Store.Rotate(ctx, s, soft); err != nil {
			rc.Logger.Error("session rotation failed", "error", err)
			return
		}
		b.deps.Metrics.SessionRotated()
		return
	}
	if s.Dirty() && s.ShouldPersist() {
		if err := b.deps.Store.Save(ctx, s); err != nil {
			rc.Logger.Error("session save failed", "error", err)
			return
		}
		b.deps.Metrics.SessionSaved()
	}
}

func (b *base) issueCookie(rc *request.Context, token string) {
	rc.Future.SetCookie(SessionCookie, token, request.CookieOptions{
		Path:     "/",
		MaxAge:   b.deps.CookieMaxAge,
		HTTPOnly: true,
		Secure:   b.deps.SecureCookies,
		SameSite: "Lax",
	})
}

// invoke runs the endpoint through the retry executor so transient
// write conflicts replay with the same input bytes.
func (b *base) invoke(rc *request.Context, ep *endpoint.Endpoint, params map[string]any, uploads []io.Seeker) (any, error) {
	if b.deps.Retry == nil {
		return ep.Call(rc, params)
	}
	return b.deps.Retry.Execute(rc.Context(), retry.Work{
		Do: func(context.Context) (any, error) {
			return ep.Call(rc, params)
		},
		Uploads: uploads,
	})
}

// rotateOnAuthFailure drops the identity of a session that had one, so
// the stale token cannot be replayed, and schedules the cookie
// re-issue that PostDispatch performs.
func (b *base) rotateOnAuthFailure(rc *request.Context) {
	if rc.Session == nil {
		return
	}
	if _, ok := rc.Session.UserID(); ok {
		rc.Session.ClearIdentity()
	}
}

func readBody(rc *request.Context) ([]byte, error) {
	if rc.Req.Body == nil {
		return nil, nil
	}
	defer rc.Req.Body.Close()
	body, err := io.ReadAll(rc.Req.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	return body, nil
}

// bodyError maps a failed body read onto its wire representation. A
// capped body crossing its limit is a 413, not an internal error.
func bodyError(err error) error {
	if errors.Is(err, httpwire.ErrBodyTooLarge) {
		return &HTTPError{Status: 413, Name: "request_too_large",
			Message: "request body too large"}
	}
	return fmt.Errorf("reading request body: %w", err)
}

func unsafeMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return false
	}
	return true
}
