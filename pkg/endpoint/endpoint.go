// Package endpoint holds the callable units the router dispatches to,
// the module manifests they are registered through, and the narrow
// collaborator interfaces toward the business layer.
package endpoint

import (
	"errors"

	"github.com/txn2/gatehouse/pkg/request"
)

// Identity errors surfaced by Authenticator implementations and mapped
// to redirects or status codes by the dispatchers.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrReconfirm       = errors.New("identity reconfirmation required")
)

// HandlerFunc is the uniform endpoint signature. args merges path
// arguments with dispatcher-extracted parameters; the returned value
// is serialized by the dispatcher that routed the call.
type HandlerFunc func(rc *request.Context, args map[string]any) (any, error)

// Endpoint is one compiled callable.
type Endpoint struct {
	Name    string
	Handler HandlerFunc
}

// Call invokes the handler.
func (e *Endpoint) Call(rc *request.Context, args map[string]any) (any, error) {
	return e.Handler(rc, args)
}

// ModelExecutor runs a method on a named model with positional record
// arguments. It is the seam toward the business layer; implementations
// decide transactionality.
type ModelExecutor interface {
	Execute(rc *request.Context, model, method string, records []any, kwargs map[string]any) (any, error)
}

// Renderer renders a named template with a context map.
type Renderer interface {
	Render(rc *request.Context, template string, ctx map[string]any) ([]byte, error)
}

// Authenticator resolves the bound session to an identity, or one of
// ErrUnauthenticated, ErrForbidden, ErrReconfirm.
type Authenticator interface {
	Authenticate(rc *request.Context) (Identity, error)
}

// Identity is the resolved caller.
type Identity struct {
	UserID int64
	Login  string
}
