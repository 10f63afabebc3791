package dispatch

import (
	"errors"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/retry"
	"github.com/txn2/gatehouse/pkg/session"
)

// asHeaderError reports whether err carries an HTTPError with extra
// response headers.
func asHeaderError(err error, target **HTTPError) bool {
	return errors.As(err, target) && (*target).Header != nil
}

// abortResponse unwraps the literal-response short-circuit, if err is
// one.
func abortResponse(err error) *httpwire.Response {
	var abort *httpwire.Abort
	if errors.As(err, &abort) {
		return abort.Response
	}
	return nil
}

type authFailure int

const (
	authNone authFailure = iota
	authExpired
	authReconfirm
	authForbidden
)

func classifyAuthError(err error) authFailure {
	switch {
	case errors.Is(err, endpoint.ErrReconfirm):
		return authReconfirm
	case errors.Is(err, session.ErrSessionExpired), errors.Is(err, endpoint.ErrUnauthenticated):
		return authExpired
	case errors.Is(err, endpoint.ErrForbidden):
		return authForbidden
	default:
		return authNone
	}
}

// errorShape maps an error onto (status, machine name, message). The
// message is safe for users unless debug mode opts into detail.
func errorShape(err error, debug bool) (int, string, string) {
	var he *HTTPError
	if errors.As(err, &he) {
		name := he.Name
		if name == "" {
			name = "http_error"
		}
		return he.Status, name, he.Error()
	}

	var ve *retry.ValidationError
	if errors.As(err, &ve) {
		return 400, "validation_error", ve.Error()
	}

	switch classifyAuthError(err) {
	case authExpired:
		return 401, "session_expired", "session expired"
	case authReconfirm:
		return 401, "identity_check_required", "identity reconfirmation required"
	case authForbidden:
		return 403, "access_denied", "access denied"
	}

	if debug {
		return 500, "internal_error", err.Error()
	}
	return 500, "internal_error", "internal server error"
}
