package server

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/gatehouse/pkg/dispatch"
	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/platform"
	"github.com/txn2/gatehouse/pkg/request"
	"github.com/txn2/gatehouse/pkg/session"
)

func testConfig(t *testing.T) *platform.Config {
	t.Helper()
	cfg := &platform.Config{}
	cfg.Session.Secret = "server-test-secret"
	cfg.Session.Dir = t.TempDir()
	cfg.Locales = []string{"en_US"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestGatehouse(t *testing.T) *Gatehouse {
	t.Helper()
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, g.Register(endpoint.Manifest{
		Module:  "testapp",
		Depends: []string{"gatehouse"},
		Routes: []endpoint.Route{
			{
				Pattern: "/web/login",
				Methods: []string{"GET", "POST"},
				Type:    "form",
				System:  true,
				Endpoint: &endpoint.Endpoint{
					Name: "testapp.login",
					Handler: func(rc *request.Context, args map[string]any) (any, error) {
						if login, _ := args["login"].(string); login == "admin" {
							rc.Session.SetUserID(1)
							return "<html>welcome</html>", nil
						}
						return "<html>login</html>", nil
					},
				},
			},
			{
				Pattern: "/web/profile",
				Methods: []string{"POST"},
				Type:    "form",
				CSRF:    true,
				Endpoint: &endpoint.Endpoint{
					Name: "testapp.profile",
					Handler: func(rc *request.Context, args map[string]any) (any, error) {
						return "<html>saved</html>", nil
					},
				},
			},
			{
				Pattern: "/api/records/{id}",
				Methods: []string{"POST"},
				Type:    "json",
				Auth:    "user",
				Endpoint: &endpoint.Endpoint{
					Name: "testapp.record",
					Handler: func(rc *request.Context, args map[string]any) (any, error) {
						return map[string]any{"id": args["id"]}, nil
					},
				},
			},
			{
				Pattern: "/api/capped",
				Methods: []string{"POST"},
				Type:    "json",
				MaxBody: 8,
				Endpoint: &endpoint.Endpoint{
					Name: "testapp.capped",
					Handler: func(rc *request.Context, args map[string]any) (any, error) {
						return map[string]any{"ok": true}, nil
					},
				},
			},
			{
				Pattern: "/api/cors",
				Methods: []string{"POST"},
				Type:    "json",
				CORS:    "*",
				Endpoint: &endpoint.Endpoint{
					Name: "testapp.cors",
					Handler: func(rc *request.Context, args map[string]any) (any, error) {
						return map[string]any{"ok": true}, nil
					},
				},
			},
		},
	}))
	require.NoError(t, g.LoadRoutes())
	return g
}

type stringBody struct{ *strings.Reader }

func (stringBody) Close() error { return nil }

func makeRequest(t *testing.T, method, target string, header map[string]string, body string) *httpwire.Request {
	t.Helper()
	hdr := make(httpwire.Header)
	for k, v := range header {
		hdr.Set(k, v)
	}
	u, err := url.ParseRequestURI(target)
	require.NoError(t, err)
	var rb io.ReadCloser = stringBody{strings.NewReader(body)}
	return &httpwire.Request{
		Method:        method,
		Target:        target,
		Proto:         "HTTP/1.1",
		Header:        hdr,
		URL:           u,
		Body:          rb,
		ContentLength: int64(len(body)),
	}
}

func TestHandle_HealthEndpoint(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "GET", "/gatehouse/health", nil, ""))

	require.Equal(t, 200, resp.Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestHandle_NotFoundRenderedPerDialect(t *testing.T) {
	g := newTestGatehouse(t)

	html := g.Handle(context.Background(), makeRequest(t, "GET", "/nope", nil, ""))
	assert.Equal(t, 404, html.Status)
	assert.Contains(t, html.Header.Get("Content-Type"), "text/html")

	jsonResp := g.Handle(context.Background(), makeRequest(t, "POST", "/nope",
		map[string]string{"Content-Type": "application/json"}, `{"id":1,"method":"x","params":{}}`))
	assert.Equal(t, 404, jsonResp.Status)
	assert.Contains(t, jsonResp.Header.Get("Content-Type"), "application/json")
	var frame map[string]any
	require.NoError(t, json.Unmarshal(jsonResp.Body, &frame))
	assert.Nil(t, frame["id"])
	require.Contains(t, frame, "error")
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "DELETE", "/web/login", nil, ""))

	assert.Equal(t, 405, resp.Status)
	assert.Contains(t, resp.Header.Get("Allow"), "POST")
}

func TestHandle_UnsupportedMediaType(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/web/login",
		map[string]string{"Content-Type": "application/json"}, `{}`))

	assert.Equal(t, 415, resp.Status)
	// The form route advertises its own types, not JSON.
	assert.Contains(t, resp.Header.Get("Accept"), "application/x-www-form-urlencoded")
}

func TestHandle_AuthRequiredRedirectsByDialect(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/api/records/4",
		map[string]string{"Content-Type": "application/json"}, `{}`))

	// The json dispatcher renders a structured error, not a redirect.
	assert.Equal(t, 401, resp.Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &payload))
	assert.Equal(t, "session_expired", payload["name"])
}

func TestHandle_LoginIssuesRotatedCookie(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/web/login",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		"login=admin&password=secret"))

	require.Equal(t, 200, resp.Status)
	cookies := resp.Header["Set-Cookie"]
	require.Len(t, cookies, 1)
	require.True(t, strings.HasPrefix(cookies[0], dispatch.SessionCookie+"="))

	token := strings.SplitN(strings.TrimPrefix(cookies[0], dispatch.SessionCookie+"="), ";", 2)[0]
	require.True(t, session.ValidToken(token))

	// The issued token authenticates a follow-up request.
	next := g.Handle(context.Background(), makeRequest(t, "POST", "/api/records/4",
		map[string]string{
			"Content-Type": "application/json",
			"Cookie":       dispatch.SessionCookie + "=" + token,
		}, `{}`))
	require.Equal(t, 200, next.Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(next.Body, &payload))
	assert.Equal(t, "4", payload["id"])
}

func TestHandle_DatabaseHeaderConflict(t *testing.T) {
	g := newTestGatehouse(t)

	// Bind a session selecting one database.
	s, err := g.store.Get(context.Background(), "", false)
	require.NoError(t, err)
	s.SetDatabase("prod")
	require.NoError(t, g.store.Save(context.Background(), s))

	resp := g.Handle(context.Background(), makeRequest(t, "GET", "/web/session/csrf",
		map[string]string{
			"Cookie":       dispatch.SessionCookie + "=" + s.Token(),
			DatabaseHeader: "staging",
		}, ""))
	assert.Equal(t, 403, resp.Status)

	// A matching header value is fine.
	resp = g.Handle(context.Background(), makeRequest(t, "GET", "/web/session/csrf",
		map[string]string{
			"Cookie":       dispatch.SessionCookie + "=" + s.Token(),
			DatabaseHeader: "prod",
		}, ""))
	assert.Equal(t, 200, resp.Status)
}

func TestHandle_CORSPreflight(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "OPTIONS", "/api/cors",
		map[string]string{"Origin": "https://app.example"}, ""))

	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestHandle_CSRFTokenEndpoint(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "GET", "/web/session/csrf",
		map[string]string{"Accept": "application/json"}, ""))

	require.Equal(t, 200, resp.Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &payload))
	token, _ := payload["csrf_token"].(string)
	assert.Regexp(t, `^[0-9a-f]{40}o\d+$`, token)
}

func TestHandle_IssuedCSRFTokenSubmits(t *testing.T) {
	g := newTestGatehouse(t)

	// First request: no cookie. The server mints a session, issues its
	// token as a cookie and hands out a matching CSRF token. Anonymous
	// sessions are not persisted, so the follow-up must survive on the
	// cookie token alone.
	first := g.Handle(context.Background(), makeRequest(t, "GET", "/web/session/csrf", nil, ""))
	require.Equal(t, 200, first.Status)

	cookies := first.Header["Set-Cookie"]
	require.Len(t, cookies, 1)
	sid := strings.SplitN(strings.TrimPrefix(cookies[0], dispatch.SessionCookie+"="), ";", 2)[0]
	require.True(t, session.ValidToken(sid))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(first.Body, &payload))
	csrfToken, _ := payload["csrf_token"].(string)
	require.NotEmpty(t, csrfToken)

	// Second request: the issued pair passes the CSRF check.
	second := g.Handle(context.Background(), makeRequest(t, "POST", "/web/profile",
		map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Cookie":       dispatch.SessionCookie + "=" + sid,
		}, "csrf_token="+url.QueryEscape(csrfToken)))
	require.Equal(t, 200, second.Status)
	assert.Contains(t, string(second.Body), "saved")
}

func TestHandle_CSRFFailureIsBadRequest(t *testing.T) {
	g := newTestGatehouse(t)
	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/web/profile",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		"name=x"))

	assert.Equal(t, 400, resp.Status)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestHandle_RouteBodyCap(t *testing.T) {
	g := newTestGatehouse(t)
	oversized := `{"payload":"` + strings.Repeat("x", 64) + `"}`

	// Declared length over the cap is rejected before any read.
	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/api/capped",
		map[string]string{"Content-Type": "application/json"}, oversized))
	assert.Equal(t, 413, resp.Status)

	// A chunked request declares no length; the cap must trip on read
	// and surface as a 413, never as a truncated payload.
	req := makeRequest(t, "POST", "/api/capped",
		map[string]string{"Content-Type": "application/json"}, oversized)
	req.ContentLength = -1
	resp = g.Handle(context.Background(), req)
	assert.Equal(t, 413, resp.Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &payload))
	assert.Equal(t, "request_too_large", payload["name"])
}

func TestHandle_AccessLogStatsAttached(t *testing.T) {
	g := newTestGatehouse(t)
	require.NoError(t, g.Register(endpoint.Manifest{
		Module:  "dbapp",
		Depends: []string{"gatehouse"},
		Routes: []endpoint.Route{{
			Pattern: "/api/db",
			Methods: []string{"POST"},
			Type:    "json",
			Endpoint: &endpoint.Endpoint{
				Name: "dbapp.query",
				Handler: func(rc *request.Context, args map[string]any) (any, error) {
					rc.RecordDBOp(5 * time.Millisecond)
					rc.RecordDBOp(5 * time.Millisecond)
					return map[string]any{}, nil
				},
			},
		}},
	}))
	require.NoError(t, g.LoadRoutes())

	resp := g.Handle(context.Background(), makeRequest(t, "POST", "/api/db",
		map[string]string{"Content-Type": "application/json"}, `{}`))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, resp.Stats.DBOps)
	assert.Equal(t, 10*time.Millisecond, resp.Stats.DBTime)
}
