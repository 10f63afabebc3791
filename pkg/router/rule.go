package router

import (
	"fmt"
	"strings"

	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/gatehouse/pkg/endpoint"
)

// Type is a rule's declared protocol, deciding which dispatcher serves
// it and which content types are acceptable.
type Type int

const (
	TypeNone Type = iota
	TypeForm
	TypeRPC
	TypeJSON
)

func (t Type) String() string {
	switch t {
	case TypeForm:
		return "form"
	case TypeRPC:
		return "rpc"
	case TypeJSON:
		return "json"
	default:
		return "none"
	}
}

// ParseType maps a manifest type name onto a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "none":
		return TypeNone, nil
	case "form", "http":
		return TypeForm, nil
	case "rpc":
		return TypeRPC, nil
	case "json":
		return TypeJSON, nil
	default:
		return TypeNone, fmt.Errorf("unknown protocol type %q", s)
	}
}

// Auth is a rule's declared access requirement.
type Auth int

const (
	AuthNone Auth = iota
	AuthUser
)

// ParseAuth maps a manifest auth name onto an Auth.
func ParseAuth(s string) (Auth, error) {
	switch s {
	case "", "none", "public":
		return AuthNone, nil
	case "user":
		return AuthUser, nil
	default:
		return AuthNone, fmt.Errorf("unknown auth requirement %q", s)
	}
}

// Rule is one compiled routing rule.
type Rule struct {
	Pattern     string
	Methods     []string
	Type        Type
	Auth        Auth
	Readonly    bool
	CORS        string
	CSRF        bool
	StrictSlash bool
	System      bool
	Endpoint    *endpoint.Endpoint

	maxBody func() int64
	tmpl    *uritemplate.Template
}

// MaxBody returns the per-route body cap, 0 meaning the server
// default. The cap may be late-bound through a manifest func.
func (r *Rule) MaxBody() int64 {
	if r.maxBody == nil {
		return 0
	}
	return r.maxBody()
}

func (r *Rule) compile() error {
	tmpl, err := uritemplate.New(r.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", r.Pattern, err)
	}
	r.tmpl = tmpl
	return nil
}

// match extracts path arguments, or reports no match. Without
// StrictSlash a single trailing slash is tolerated.
func (r *Rule) match(path string) (map[string]string, bool) {
	if args, ok := r.matchExact(path); ok {
		return args, true
	}
	if r.StrictSlash {
		return nil, false
	}
	if trimmed := strings.TrimSuffix(path, "/"); trimmed != path && trimmed != "" {
		return r.matchExact(trimmed)
	}
	return r.matchExact(path + "/")
}

func (r *Rule) matchExact(path string) (map[string]string, bool) {
	match := r.tmpl.Match(path)
	if match == nil {
		return nil, false
	}
	args := make(map[string]string)
	for _, name := range r.tmpl.Varnames() {
		args[name] = match.Get(name).String()
	}
	return args, true
}

func (r *Rule) allowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	// CORS rules must see the preflight even when OPTIONS is not
	// declared.
	if method == "OPTIONS" && r.CORS != "" {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	// HEAD rides on GET.
	if method == "HEAD" {
		for _, m := range r.Methods {
			if strings.EqualFold(m, "GET") {
				return true
			}
		}
	}
	return false
}

// FromRoute compiles one manifest route fragment into a Rule.
func FromRoute(rt endpoint.Route) (*Rule, error) {
	typ, err := ParseType(rt.Type)
	if err != nil {
		return nil, err
	}
	auth, err := ParseAuth(rt.Auth)
	if err != nil {
		return nil, err
	}
	r := &Rule{
		Pattern:     rt.Pattern,
		Methods:     rt.Methods,
		Type:        typ,
		Auth:        auth,
		Readonly:    rt.Readonly,
		CORS:        rt.CORS,
		CSRF:        rt.CSRF,
		StrictSlash: rt.StrictSlash,
		System:      rt.System,
		Endpoint:    rt.Endpoint,
	}
	switch {
	case rt.MaxBodyFunc != nil:
		r.maxBody = rt.MaxBodyFunc
	case rt.MaxBody > 0:
		limit := rt.MaxBody
		r.maxBody = func() int64 { return limit }
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}
