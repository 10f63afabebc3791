package server

import (
	"time"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/request"
	"github.com/txn2/gatehouse/pkg/session"
)

// builtinManifest provides the routes every deployment carries: a
// liveness probe, the CSRF token feed for single-page frontends, and
// session logout.
func builtinManifest(g *Gatehouse) endpoint.Manifest {
	return endpoint.Manifest{
		Module: "gatehouse",
		Routes: []endpoint.Route{
			{
				Pattern: "/gatehouse/health",
				Methods: []string{"GET"},
				Type:    "json",
				System:  true,
				Endpoint: &endpoint.Endpoint{
					Name:    "gatehouse.health",
					Handler: g.healthEndpoint,
				},
			},
			{
				Pattern: "/web/session/csrf",
				Methods: []string{"GET"},
				Type:    "json",
				Endpoint: &endpoint.Endpoint{
					Name:    "gatehouse.csrf",
					Handler: g.csrfEndpoint,
				},
			},
			{
				Pattern: "/web/session/logout",
				Methods: []string{"POST"},
				Type:    "form",
				CSRF:    true,
				Endpoint: &endpoint.Endpoint{
					Name:    "gatehouse.logout",
					Handler: g.logoutEndpoint,
				},
			},
		},
	}
}

func (g *Gatehouse) healthEndpoint(rc *request.Context, _ map[string]any) (any, error) {
	return map[string]any{"status": "ok", "version": Version}, nil
}

// csrfEndpoint hands a fresh token to JS clients that render their own
// forms. The token is bound to the session prefix, so it survives soft
// rotations.
func (g *Gatehouse) csrfEndpoint(rc *request.Context, _ map[string]any) (any, error) {
	if rc.Session == nil {
		return nil, session.ErrSessionExpired
	}
	return map[string]any{
		"csrf_token": g.csrf.Token(rc.Session, 24*time.Hour),
	}, nil
}

func (g *Gatehouse) logoutEndpoint(rc *request.Context, _ map[string]any) (any, error) {
	if rc.Session != nil {
		rc.Session.ClearIdentity()
	}
	resp := httpwire.NewResponse(303)
	resp.Header.Set("Location", "/web/login")
	resp.ContentLength = 0
	return resp, nil
}
