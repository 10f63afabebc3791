// Package server assembles the gatehouse front door from its parts:
// connection handling, routing, dispatch, sessions, retry and metrics.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/gatehouse/pkg/dispatch"
	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/metrics"
	"github.com/txn2/gatehouse/pkg/platform"
	"github.com/txn2/gatehouse/pkg/ratelimit"
	"github.com/txn2/gatehouse/pkg/request"
	"github.com/txn2/gatehouse/pkg/retry"
	"github.com/txn2/gatehouse/pkg/router"
	"github.com/txn2/gatehouse/pkg/session"
	sessionpg "github.com/txn2/gatehouse/pkg/session/postgres"
	"github.com/txn2/gatehouse/pkg/stream"

	_ "github.com/lib/pq"
)

// Version is the build version, overridden at link time.
var Version = "dev"

// DatabaseHeader lets a caller pick the active data partition when the
// session does not already select one.
const DatabaseHeader = "X-Gatehouse-Database"

// Gatehouse is the assembled application server front door.
type Gatehouse struct {
	cfg      *platform.Config
	logger   *slog.Logger
	registry *endpoint.Registry
	router   *router.Router
	store    session.Store
	csrf     *session.CSRF
	retry    *retry.Executor
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	limiter  *ratelimit.PeerLimiter
	streams  *stream.Responder
	db       *sql.DB
}

// New wires a Gatehouse from configuration. Route tables stay empty
// until manifests are registered and LoadRoutes is called.
func New(cfg *platform.Config, logger *slog.Logger) (*Gatehouse, error) {
	if logger == nil {
		logger = slog.Default()
	}

	promReg := prometheus.NewRegistry()
	g := &Gatehouse{
		cfg:      cfg,
		logger:   logger,
		registry: endpoint.NewRegistry(logger),
		router:   router.New(logger),
		csrf:     session.NewCSRF(cfg.Session.Secret),
		metrics:  metrics.New(promReg),
		promReg:  promReg,
		streams:  &stream.Responder{},
	}
	g.retry = retry.New(cfg.Retry.MaxTries, cfg.Retry.BackoffCap, logger, g.metrics)
	if cfg.RateLimit.Enabled {
		g.limiter = ratelimit.New(cfg.RateLimit.PerSec, cfg.RateLimit.Burst)
	}
	if cfg.Stream.Sendfile {
		g.streams.SendfileHeader = cfg.Stream.SendfileHeader
	}

	if err := g.openStore(); err != nil {
		return nil, err
	}
	if err := g.registry.Register(builtinManifest(g)); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gatehouse) openStore() error {
	switch g.cfg.Session.Store {
	case "postgres":
		db, err := sql.Open("postgres", g.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		if err := sessionpg.Migrate(db); err != nil {
			db.Close()
			return fmt.Errorf("migrating session schema: %w", err)
		}
		g.db = db
		g.store = sessionpg.New(db, sessionpg.Config{
			RotationGrace: g.cfg.Session.RotationGrace,
		}, g.logger)
	default:
		store, err := session.NewFileStore(g.cfg.Session.Dir, g.cfg.Session.RotationGrace, g.logger)
		if err != nil {
			return err
		}
		g.store = store
	}
	return nil
}

// Register adds a module manifest to the registry.
func (g *Gatehouse) Register(m endpoint.Manifest) error {
	return g.registry.Register(m)
}

// LoadRoutes composes all registered manifests and builds the route
// tables.
func (g *Gatehouse) LoadRoutes() error {
	routes, err := g.registry.Compose()
	if err != nil {
		return err
	}
	return g.router.Load(routes)
}

// Store exposes the session store for maintenance commands.
func (g *Gatehouse) Store() session.Store { return g.store }

// Streams exposes the stream responder so endpoints can render
// conditional, cache-aware responses.
func (g *Gatehouse) Streams() *stream.Responder { return g.streams }

// MetricsRegistry exposes the prometheus registry for scraping.
func (g *Gatehouse) MetricsRegistry() *prometheus.Registry { return g.promReg }

// Close releases held resources.
func (g *Gatehouse) Close() error {
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}

// Run serves until ctx is canceled, vacuuming idle sessions in the
// background.
func (g *Gatehouse) Run(ctx context.Context) error {
	go g.vacuumLoop(ctx)

	srv := &httpwire.Server{
		Addr:              g.cfg.Server.Address,
		Handler:           g,
		ReadHeaderTimeout: g.cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       g.cfg.Server.ReadTimeout,
		WriteTimeout:      g.cfg.Server.WriteTimeout,
		IdleTimeout:       g.cfg.Server.IdleTimeout,
		MaxHeaderBytes:    g.cfg.Server.MaxHeaderBytes,
		MaxBodyBytes:      g.cfg.Server.MaxBodyBytes,
		Logger:            g.logger,
		Metrics:           g.metrics,
		Limiter:           g.limiter,
	}
	g.logger.Info("gatehouse listening", "address", g.cfg.Server.Address, "version", Version)
	return srv.ListenAndServe(ctx)
}

func (g *Gatehouse) vacuumLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := g.store.Vacuum(ctx, g.cfg.Session.InactivityTimeout); err != nil {
				g.logger.Warn("session vacuum failed", "error", err)
			}
		}
	}
}

// Handle serves one parsed request end to end. Errors never escape;
// every failure is rendered by the dispatcher that owns the exchange's
// dialect.
func (g *Gatehouse) Handle(ctx context.Context, req *httpwire.Request) *httpwire.Response {
	rc := request.New(req, g.logger)
	rc.Ctx = request.WithContext(ctx, rc)
	rc.Locales = g.cfg.Locales
	rc.Debug = g.cfg.Debug

	contentType := req.Header.Get("Content-Type")
	resp := g.serve(rc, contentType)
	router.SecurityHeaders(resp)
	resp.Stats = rc.Stats()
	return resp
}

func (g *Gatehouse) serve(rc *request.Context, contentType string) *httpwire.Response {
	req := rc.Req
	rule, pathArgs, err := g.router.Match(req.Method, req.URL.Path)
	if err != nil {
		d := dispatch.New(dispatch.Select(router.TypeNone, contentType), g.deps())
		return d.HandleError(rc, matchHTTPError(err))
	}

	if req.Method == "OPTIONS" && rule.CORS != "" {
		return g.router.Preflight(rule, req.Header.Get("Origin"))
	}

	d := dispatch.New(dispatch.Select(rule.Type, contentType), g.deps())

	if err := g.router.CheckContentType(rule, req.Method, contentType); err != nil {
		return d.HandleError(rc, matchHTTPError(err))
	}
	if resp, errResp := g.limitBody(rc, rule, d); errResp {
		return resp
	}
	if err := g.bindSession(rc, rule); err != nil {
		return finish(d, rc, d.HandleError(rc, err))
	}

	if err := d.PreDispatch(rc, rule); err != nil {
		return finish(d, rc, d.HandleError(rc, err))
	}
	args := make(map[string]any, len(pathArgs))
	for k, v := range pathArgs {
		args[k] = v
	}
	resp, err := d.Dispatch(rc, rule.Endpoint, args)
	if err != nil {
		resp = d.HandleError(rc, err)
	}
	g.router.ApplyCORS(resp, rule, req.Header.Get("Origin"))
	return finish(d, rc, resp)
}

func finish(d dispatch.Dispatcher, rc *request.Context, resp *httpwire.Response) *httpwire.Response {
	d.PostDispatch(rc, resp)
	return resp
}

// limitBody enforces the per-route body cap before any body read.
func (g *Gatehouse) limitBody(rc *request.Context, rule *router.Rule, d dispatch.Dispatcher) (*httpwire.Response, bool) {
	limit := rule.MaxBody()
	if limit <= 0 {
		return nil, false
	}
	if rc.Req.ContentLength > limit {
		return d.HandleError(rc, &dispatch.HTTPError{
			Status: 413, Name: "request_too_large", Message: "request body too large",
		}), true
	}
	// A chunked body declares no length; cap it at read time so the
	// endpoint sees a 413, never a silently truncated payload.
	rc.Req.Body = httpwire.MaxBytesReader(rc.Req.Body, limit)
	return nil, false
}

// bindSession loads the session for the cookie token and resolves the
// active data partition. A database header that contradicts the
// session's partition is a hard error.
func (g *Gatehouse) bindSession(rc *request.Context, rule *router.Rule) error {
	token, _ := rc.Cookie(dispatch.SessionCookie)
	// Keep a well-formed token even when no record exists yet.
	// Anonymous sessions are rarely persisted, and the CSRF secret is
	// derived from the token prefix; churning the token here would
	// invalidate every token issued on the previous request.
	s, err := g.store.Get(rc.Context(), token, true)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	rc.Session = s

	if dbName := rc.Req.Header.Get(DatabaseHeader); dbName != "" {
		current := s.Database()
		if current != "" && current != dbName {
			return fmt.Errorf("%w: session is bound to another database", endpoint.ErrForbidden)
		}
		if current == "" {
			s.SetDatabase(dbName)
		}
	}

	if rule.Auth == router.AuthUser {
		if _, ok := s.UserID(); !ok {
			return session.ErrSessionExpired
		}
	}
	return nil
}

func (g *Gatehouse) deps() dispatch.Deps {
	return dispatch.Deps{
		Logger:        g.logger,
		Store:         g.store,
		CSRF:          g.csrf,
		Retry:         g.retry,
		Metrics:       g.metrics,
		CookieMaxAge:  g.cfg.Session.InactivityTimeout,
		SecureCookies: g.cfg.Server.ProxyMode,
		Debug:         g.cfg.Debug,
	}
}

// matchHTTPError converts router errors into dispatch errors carrying
// the right status and headers.
func matchHTTPError(err error) error {
	var me *router.MatchError
	if !errors.As(err, &me) {
		return err
	}
	switch {
	case len(me.Allow) > 0:
		hdr := make(httpwire.Header)
		hdr.Set("Allow", strings.Join(me.Allow, ", "))
		return &dispatch.HTTPError{Status: 405, Name: "method_not_allowed",
			Message: "method not allowed", Header: hdr}
	case len(me.Accept) > 0:
		hdr := make(httpwire.Header)
		hdr.Set("Accept", strings.Join(me.Accept, ", "))
		return &dispatch.HTTPError{Status: 415, Name: "unsupported_media_type",
			Message: "unsupported content type", Header: hdr}
	default:
		return &dispatch.HTTPError{Status: 404, Name: "not_found", Message: "page not found"}
	}
}

