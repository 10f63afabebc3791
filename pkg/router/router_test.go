package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
)

func newTestResponse(contentType string) *httpwire.Response {
	resp := httpwire.NewResponse(200)
	resp.Header.Set("Content-Type", contentType)
	return resp
}

func testRoutes() []endpoint.Route {
	return []endpoint.Route{
		{
			Pattern:  "/web/login",
			Methods:  []string{"GET", "POST"},
			Type:     "form",
			System:   true,
			CSRF:     true,
			Endpoint: &endpoint.Endpoint{Name: "web.login"},
		},
		{
			Pattern:  "/web/dataset/{model}/{method}",
			Methods:  []string{"POST"},
			Type:     "rpc",
			Auth:     "user",
			Endpoint: &endpoint.Endpoint{Name: "dataset.call"},
		},
		{
			Pattern:     "/api/v1/records",
			Methods:     []string{"GET", "POST"},
			Type:        "json",
			Auth:        "user",
			CORS:        "*",
			StrictSlash: true,
			Endpoint:    &endpoint.Endpoint{Name: "api.records"},
		},
		{
			Pattern:  "/static/{file}",
			Methods:  []string{"GET"},
			Type:     "none",
			System:   true,
			Endpoint: &endpoint.Endpoint{Name: "static.serve"},
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	rt := New(nil)
	require.NoError(t, rt.Load(testRoutes()))
	return rt
}

func TestRouter_Match(t *testing.T) {
	rt := newTestRouter(t)

	rule, args, err := rt.Match("GET", "/web/login")
	require.NoError(t, err)
	assert.Equal(t, "web.login", rule.Endpoint.Name)
	assert.Empty(t, args)

	rule, args, err = rt.Match("POST", "/web/dataset/res.partner/write")
	require.NoError(t, err)
	assert.Equal(t, "dataset.call", rule.Endpoint.Name)
	assert.Equal(t, map[string]string{"model": "res.partner", "method": "write"}, args)
}

func TestRouter_MatchHeadRidesOnGet(t *testing.T) {
	rt := newTestRouter(t)

	rule, _, err := rt.Match("HEAD", "/static/app.css")
	require.NoError(t, err)
	assert.Equal(t, "static.serve", rule.Endpoint.Name)
}

func TestRouter_MatchNotFound(t *testing.T) {
	rt := newTestRouter(t)

	_, _, err := rt.Match("GET", "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRouter_MatchMethodNotAllowed(t *testing.T) {
	rt := newTestRouter(t)

	_, _, err := rt.Match("DELETE", "/web/login")
	require.ErrorIs(t, err, ErrMethodNotAllowed)

	var me *MatchError
	require.ErrorAs(t, err, &me)
	assert.ElementsMatch(t, []string{"GET", "POST"}, me.Allow)
}

func TestRouter_TrailingSlash(t *testing.T) {
	rt := newTestRouter(t)

	// Lenient by default.
	_, _, err := rt.Match("GET", "/web/login/")
	assert.NoError(t, err)

	// StrictSlash rules reject the variant.
	_, _, err = rt.Match("GET", "/api/v1/records/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRouter_CheckContentType(t *testing.T) {
	rt := newTestRouter(t)
	form, _, err := rt.Match("POST", "/web/login")
	require.NoError(t, err)
	rpc, _, err := rt.Match("POST", "/web/dataset/m/f")
	require.NoError(t, err)
	jsonRule, _, err := rt.Match("POST", "/api/v1/records")
	require.NoError(t, err)

	assert.NoError(t, rt.CheckContentType(form, "POST", "application/x-www-form-urlencoded"))
	assert.NoError(t, rt.CheckContentType(form, "POST", "multipart/form-data; boundary=x"))
	assert.NoError(t, rt.CheckContentType(form, "GET", ""))
	assert.NoError(t, rt.CheckContentType(rpc, "POST", "application/json; charset=utf-8"))
	assert.NoError(t, rt.CheckContentType(jsonRule, "POST", "application/vnd.acme+json"))
	assert.NoError(t, rt.CheckContentType(jsonRule, "POST", ""))

	err = rt.CheckContentType(form, "POST", "application/json")
	require.ErrorIs(t, err, ErrUnsupportedMedia)
	var me *MatchError
	require.ErrorAs(t, err, &me)
	// The form route advertises form types, not the JSON ones.
	assert.Equal(t, []string{"application/x-www-form-urlencoded", "multipart/form-data"}, me.Accept)

	assert.ErrorIs(t, rt.CheckContentType(rpc, "POST", "text/plain"), ErrUnsupportedMedia)
}

func TestRouter_Preflight(t *testing.T) {
	rt := newTestRouter(t)
	rule, _, err := rt.Match("POST", "/api/v1/records")
	require.NoError(t, err)

	resp := rt.Preflight(rule, "https://app.example")
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "OPTIONS")
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))
}

func TestRouter_LateBoundMaxBody(t *testing.T) {
	limit := int64(1024)
	routes := []endpoint.Route{{
		Pattern:     "/upload",
		Methods:     []string{"POST"},
		Type:        "form",
		MaxBodyFunc: func() int64 { return limit },
		Endpoint:    &endpoint.Endpoint{Name: "upload"},
	}}
	rt := New(nil)
	require.NoError(t, rt.Load(routes))

	rule, _, err := rt.Match("POST", "/upload")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), rule.MaxBody())

	limit = 2048
	assert.Equal(t, int64(2048), rule.MaxBody())
}

func TestSecurityHeaders(t *testing.T) {
	resp := newTestResponse("text/css")
	SecurityHeaders(resp)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", resp.Header.Get("Content-Security-Policy"))

	html := newTestResponse("text/html; charset=utf-8")
	SecurityHeaders(html)
	assert.Equal(t, "nosniff", html.Header.Get("X-Content-Type-Options"))
	assert.Empty(t, html.Header.Get("Content-Security-Policy"))
}

func TestRouter_LoadRejectsBadPattern(t *testing.T) {
	rt := New(nil)
	err := rt.Load([]endpoint.Route{{Pattern: "/bad/{unclosed", Endpoint: &endpoint.Endpoint{}}})
	assert.Error(t, err)
}

func TestParseTypeAndAuth(t *testing.T) {
	typ, err := ParseType("rpc")
	require.NoError(t, err)
	assert.Equal(t, TypeRPC, typ)

	_, err = ParseType("soap")
	assert.Error(t, err)

	auth, err := ParseAuth("user")
	require.NoError(t, err)
	assert.Equal(t, AuthUser, auth)

	_, err = ParseAuth("wizard")
	assert.Error(t, err)
}
