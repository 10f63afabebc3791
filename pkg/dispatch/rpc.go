package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/request"
)

// JSON-RPC application error codes.
const (
	rpcCodeSessionExpired = 100
	rpcCodeServerError    = 200
)

type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RPCDispatcher serves the strict envelope protocol: every request is
// `{"id", "method", "params"}` with params an object, every response a
// jsonrpc 2.0 frame echoing the id.
type RPCDispatcher struct {
	base
	id    json.RawMessage
	hasID bool
}

func (d *RPCDispatcher) Dispatch(rc *request.Context, ep *endpoint.Endpoint, args map[string]any) (*httpwire.Response, error) {
	body, err := readBody(rc)
	if err != nil {
		return nil, err
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// No id is known yet, so no envelope can be produced.
		return nil, &HTTPError{Status: 400, Name: "bad_request", Message: "invalid JSON-RPC request"}
	}
	params := make(map[string]any)
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &HTTPError{Status: 400, Name: "bad_request", Message: "params must be an object"}
		}
	}
	d.id = env.ID
	d.hasID = true

	// A context key inside params replaces the evaluation context for
	// this call only and never reaches the endpoint. The stored session
	// keeps its own context.
	if cv, ok := params["context"].(map[string]any); ok {
		rc.SetEvalContext(cv)
	}
	delete(params, "context")

	for k, v := range args {
		params[k] = v
	}

	v, err := d.invoke(rc, ep, params, nil)
	if err != nil {
		return nil, err
	}
	return d.frame(map[string]any{"result": v})
}

func (d *RPCDispatcher) HandleError(rc *request.Context, err error) *httpwire.Response {
	if resp := abortResponse(err); resp != nil {
		return resp
	}
	if !d.hasID {
		// No envelope id was parsed. The frame still goes out as JSON
		// with a null id, carrying the HTTP status of the failure.
		status, name, msg := errorShape(err, d.deps.Debug)
		body, merr := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error": map[string]any{
				"code":    rpcCodeServerError,
				"message": msg,
				"data":    map[string]any{"name": name},
			},
		})
		if merr != nil {
			return httpwire.NewResponse(500).
				WithBody("text/plain; charset=utf-8", []byte("internal server error"))
		}
		return httpwire.NewResponse(status).
			WithBody("application/json; charset=utf-8", body)
	}

	code := rpcCodeServerError
	if classifyAuthError(err) == authExpired {
		d.rotateOnAuthFailure(rc)
		code = rpcCodeSessionExpired
	}
	_, name, msg := errorShape(err, d.deps.Debug)
	data := map[string]any{"name": name}
	if d.deps.Debug {
		data["debug"] = err.Error()
	}
	resp, ferr := d.frame(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "data": data},
	})
	if ferr != nil {
		return httpwire.NewResponse(500).
			WithBody("text/plain; charset=utf-8", []byte("internal server error"))
	}
	return resp
}

// frame wraps extra into a jsonrpc 2.0 response echoing the request
// id. JSON-RPC errors still travel with HTTP status 200; the envelope
// carries the failure.
func (d *RPCDispatcher) frame(extra map[string]any) (*httpwire.Response, error) {
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      d.id,
	}
	for k, v := range extra {
		frame[k] = v
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding response frame: %w", err)
	}
	return httpwire.NewResponse(200).WithBody("application/json; charset=utf-8", body), nil
}
