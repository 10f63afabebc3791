// Package request carries the per-exchange state shared by router,
// dispatchers and endpoints: parsed cookies and query values, the bound
// session, the negotiated language and the deferred response headers.
package request

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/session"
)

// Context is built once per exchange and handed down the call chain
// explicitly. It is not safe for concurrent use; a single exchange is
// served by a single goroutine, except for the DB op counters which
// retried transactions may touch from their own goroutines.
type Context struct {
	Req     *httpwire.Request
	Ctx     context.Context
	ID      string
	Logger  *slog.Logger
	Session *session.Session
	Future  *FutureResponse
	Debug   bool

	// Locales is the set of languages content can be served in,
	// first entry doubling as the fallback.
	Locales []string

	cookies map[string]string
	query   url.Values
	lang    string
	evalCtx map[string]any

	dbOps  atomic.Int64
	dbTime atomic.Int64
}

// New builds a Context for one parsed request. The request ID seeds
// the component logger so every line of the exchange correlates.
func New(req *httpwire.Request, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Context{
		Req:    req,
		ID:     id,
		Logger: logger.With("request_id", id),
		Future: NewFutureResponse(),
	}
}

// Cookie returns the named request cookie. Parsing happens on first
// use and malformed pairs are dropped.
func (rc *Context) Cookie(name string) (string, bool) {
	if rc.cookies == nil {
		rc.cookies = make(map[string]string)
		for _, line := range rc.Req.Header["Cookie"] {
			parsed, err := http.ParseCookie(line)
			if err != nil {
				continue
			}
			for _, c := range parsed {
				rc.cookies[c.Name] = c.Value
			}
		}
	}
	v, ok := rc.cookies[name]
	return v, ok
}

// SetEvalContext overrides the evaluation context for the rest of this
// exchange without touching the stored session.
func (rc *Context) SetEvalContext(m map[string]any) { rc.evalCtx = m }

// EvalContext returns the evaluation context: the per-exchange override
// when one was set, otherwise the session's.
func (rc *Context) EvalContext() map[string]any {
	if rc.evalCtx != nil {
		return rc.evalCtx
	}
	if rc.Session != nil {
		return rc.Session.EvalContext()
	}
	return map[string]any{}
}

// Query returns the parsed query string values.
func (rc *Context) Query() url.Values {
	if rc.query == nil {
		q, err := url.ParseQuery(rc.Req.URL.RawQuery)
		if err != nil {
			q = url.Values{}
		}
		rc.query = q
	}
	return rc.query
}

// Lang negotiates the response language from Accept-Language against
// the configured locales. The first configured locale is the fallback.
func (rc *Context) Lang() string {
	if rc.lang == "" {
		rc.lang = negotiateLanguage(rc.Req.Header.Get("Accept-Language"), rc.Locales)
	}
	return rc.lang
}

// RecordDBOp accounts one database round trip toward the access log
// stats for this exchange.
func (rc *Context) RecordDBOp(d time.Duration) {
	rc.dbOps.Add(1)
	rc.dbTime.Add(int64(d))
}

// Stats snapshots the DB op counters for the access log.
func (rc *Context) Stats() httpwire.ExchangeStats {
	return httpwire.ExchangeStats{
		DBOps:  int(rc.dbOps.Load()),
		DBTime: time.Duration(rc.dbTime.Load()),
	}
}

// Context returns the cancellation context for this exchange.
func (rc *Context) Context() context.Context {
	if rc.Ctx != nil {
		return rc.Ctx
	}
	return context.Background()
}

type ctxKey struct{}

// WithContext stashes rc on ctx at connection entry.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the Context stashed on ctx, or nil.
func From(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}
