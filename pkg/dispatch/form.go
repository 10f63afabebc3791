package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/url"

	"github.com/txn2/gatehouse/pkg/endpoint"
	"github.com/txn2/gatehouse/pkg/httpwire"
	"github.com/txn2/gatehouse/pkg/request"
)

const (
	loginPath         = "/web/login"
	checkIdentityPath = "/web/session/check-identity"
	csrfField         = "csrf_token"
)

// Upload is one file field from a multipart form. The reader is
// seekable so a retried invocation sees the same bytes.
type Upload struct {
	Filename    string
	ContentType string
	Reader      *bytes.Reader
}

// FormDispatcher serves browser-facing routes: form parameter
// extraction, CSRF enforcement, login redirects.
type FormDispatcher struct {
	base
	uploads []io.Seeker
}

func (d *FormDispatcher) Dispatch(rc *request.Context, ep *endpoint.Endpoint, args map[string]any) (*httpwire.Response, error) {
	params, err := d.extractParams(rc, args)
	if err != nil {
		return nil, err
	}

	if d.rule != nil && d.rule.CSRF && unsafeMethod(rc.Req.Method) {
		if err := d.checkCSRF(rc, params); err != nil {
			return nil, err
		}
	}

	v, err := d.invoke(rc, ep, params, d.uploads)
	if err != nil {
		return nil, err
	}
	return formResult(v)
}

// extractParams merges query string, form fields and uploads, with
// path arguments taking precedence.
func (d *FormDispatcher) extractParams(rc *request.Context, args map[string]any) (map[string]any, error) {
	params := make(map[string]any)
	for k, vs := range rc.Query() {
		if len(vs) == 1 {
			params[k] = vs[0]
		} else {
			params[k] = vs
		}
	}

	mediaType, mtParams := parseContentType(rc.Req.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		body, err := readBody(rc)
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, &HTTPError{Status: 400, Name: "bad_request", Message: "malformed form body"}
		}
		for k, vs := range form {
			if len(vs) == 1 {
				params[k] = vs[0]
			} else {
				params[k] = vs
			}
		}
	case "multipart/form-data":
		if err := d.parseMultipart(rc, mtParams["boundary"], params); err != nil {
			return nil, err
		}
	}

	for k, v := range args {
		params[k] = v
	}
	return params, nil
}

func (d *FormDispatcher) parseMultipart(rc *request.Context, boundary string, params map[string]any) error {
	if boundary == "" {
		return &HTTPError{Status: 400, Name: "bad_request", Message: "multipart body without boundary"}
	}
	mr := multipart.NewReader(rc.Req.Body, boundary)
	defer rc.Req.Body.Close()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, httpwire.ErrBodyTooLarge) {
				return bodyError(err)
			}
			return &HTTPError{Status: 400, Name: "bad_request", Message: "malformed multipart body"}
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return bodyError(err)
		}
		if part.FileName() == "" {
			params[part.FormName()] = string(data)
			continue
		}
		up := &Upload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Reader:      bytes.NewReader(data),
		}
		params[part.FormName()] = up
		d.uploads = append(d.uploads, up.Reader)
	}
}

// checkCSRF pops and validates the csrf_token parameter. The log line
// distinguishes a missing token (usually a stale page) from an invalid
// one (misconfiguration or an attack).
func (d *FormDispatcher) checkCSRF(rc *request.Context, params map[string]any) error {
	raw, present := params[csrfField]
	delete(params, csrfField)

	token, _ := raw.(string)
	if d.deps.CSRF != nil && rc.Session != nil && d.deps.CSRF.Validate(rc.Session, token) {
		return nil
	}
	if present {
		rc.Logger.Warn("csrf validation failed, token invalid",
			"path", rc.Req.URL.Path, "token_present", true)
	} else {
		rc.Logger.Warn("csrf validation failed, token missing; "+
			"a stale browser tab or a form missing the csrf_token field",
			"path", rc.Req.URL.Path, "token_present", false)
	}
	return &HTTPError{Status: 400, Name: "session_expired",
		Message: "session expired (invalid CSRF token)"}
}

func (d *FormDispatcher) HandleError(rc *request.Context, err error) *httpwire.Response {
	if resp := abortResponse(err); resp != nil {
		return resp
	}

	switch classifyAuthError(err) {
	case authExpired:
		d.rotateOnAuthFailure(rc)
		return redirect(303, loginPath+"?redirect="+url.QueryEscape(rc.Req.Target))
	case authReconfirm:
		return redirect(303, checkIdentityPath+"?redirect="+url.QueryEscape(rc.Req.Target))
	}

	status, _, msg := errorShape(err, d.deps.Debug)
	resp := httpwire.NewResponse(status)
	var he *HTTPError
	if errors.As(err, &he) && he.Header != nil {
		for k, vs := range he.Header {
			for _, v := range vs {
				resp.Header.Add(k, v)
			}
		}
	}
	body := fmt.Sprintf("<!DOCTYPE html><html><body><h1>%s</h1><p>%s</p></body></html>",
		httpwire.StatusText(status), html.EscapeString(msg))
	return resp.WithBody("text/html; charset=utf-8", []byte(body))
}

func formResult(v any) (*httpwire.Response, error) {
	switch r := v.(type) {
	case *httpwire.Response:
		return r, nil
	case nil:
		resp := httpwire.NewResponse(200)
		resp.ContentLength = 0
		return resp, nil
	case []byte:
		return httpwire.NewResponse(200).WithBody("text/html; charset=utf-8", r), nil
	case string:
		return httpwire.NewResponse(200).WithBody("text/html; charset=utf-8", []byte(r)), nil
	default:
		return nil, fmt.Errorf("form endpoint returned unsupported type %T", v)
	}
}

func redirect(status int, location string) *httpwire.Response {
	resp := httpwire.NewResponse(status)
	resp.Header.Set("Location", location)
	resp.ContentLength = 0
	return resp
}

func parseContentType(v string) (string, map[string]string) {
	if v == "" {
		return "", nil
	}
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "", nil
	}
	return mt, params
}
