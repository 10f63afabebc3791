package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/request"
)

// JSONDispatcher serves the loose JSON protocol: an optional plain
// object body merged under the path arguments, plain JSON results and
// `{name, message, arguments, context, debug}` error objects.
type JSONDispatcher struct {
	base
}

func (d *JSONDispatcher) Dispatch(rc *request.Context, ep *endpoint.Endpoint, args map[string]any) (*httpwire.Response, error) {
	body, err := readBody(rc)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, &HTTPError{Status: 400, Name: "bad_request", Message: "request body must be a JSON object"}
		}
	}
	// Path arguments win over body keys of the same name.
	for k, v := range args {
		params[k] = v
	}

	v, err := d.invoke(rc, ep, params, nil)
	if err != nil {
		return nil, err
	}

	if resp, ok := v.(*httpwire.Response); ok {
		return resp, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return httpwire.NewResponse(200).WithBody("application/json; charset=utf-8", out), nil
}

func (d *JSONDispatcher) HandleError(rc *request.Context, err error) *httpwire.Response {
	if resp := abortResponse(err); resp != nil {
		return resp
	}
	if classifyAuthError(err) == authExpired {
		d.rotateOnAuthFailure(rc)
	}

	status, name, msg := errorShape(err, d.deps.Debug)
	payload := map[string]any{
		"name":      name,
		"message":   msg,
		"arguments": []any{msg},
		"context":   map[string]any{},
	}
	if d.deps.Debug {
		payload["debug"] = err.Error()
	}
	body, merr := json.Marshal(payload)
	if merr != nil {
		return httpwire.NewResponse(500).
			WithBody("text/plain; charset=utf-8", []byte("internal server error"))
	}

	resp := httpwire.NewResponse(status)
	var he *HTTPError
	if asHeaderError(err, &he) {
		for k, vs := range he.Header {
			for _, v := range vs {
				resp.Header.Add(k, v)
			}
		}
	}
	return resp.WithBody("application/json; charset=utf-8", body)
}
