// Package dispatch maps tubes to handlers and implements the remote-call
// handler style: a job's fields are posted to a web tier endpoint, which
// answers with a small JSON envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opendatarepository/odr-worker/internal/retry"
)

// Result codes of the response envelope.
const (
	CodeOK = 0
	// CodeBusy asks the caller to try again later.
	CodeBusy = 2
)

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// Envelope is the web tier's response: {"r": code, "t": type, "d": data}.
type Envelope struct {
	R int             `json:"r"`
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// Message returns d as text, unquoting it when it is a JSON string.
func (e *Envelope) Message() string {
	var s string
	if err := json.Unmarshal(e.D, &s); err == nil {
		return s
	}
	return string(e.D)
}

// frameworkError is the body the web framework sends for uncaught errors.
type frameworkError struct {
	Error *struct {
		Code            int    `json:"code"`
		StatusText      string `json:"status_text"`
		ExceptionSource string `json:"exception_source"`
		Message         string `json:"message"`
	} `json:"error"`
}

// Remote posts form-encoded jobs to web tier endpoints.
type Remote struct {
	Client *http.Client
	// Timeout bounds each call. Zero means no limit.
	Timeout time.Duration
}

// NewRemote creates a caller with the given per-call timeout.
func NewRemote(timeout time.Duration) *Remote {
	return &Remote{Client: &http.Client{}, Timeout: timeout}
}

// WithTimeout returns a copy of r using timeout.
func (r *Remote) WithTimeout(timeout time.Duration) *Remote {
	c := *r
	c.Timeout = timeout
	return &c
}

// Call posts form to endpoint and interprets the envelope. Every error is a
// *retry.Error.
func (r *Remote) Call(ctx context.Context, endpoint string, form url.Values) (*Envelope, error) {
	op := "post " + endpoint
	if endpoint == "" {
		return nil, retry.Validation("post", "missing fields: url")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.Validation(op, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Close = true

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, retry.Classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, retry.Classify(op, err)
	}
	return decodeResponse(op, resp.StatusCode, body)
}

func decodeResponse(op string, status int, body []byte) (*Envelope, error) {
	var fe frameworkError
	if err := json.Unmarshal(body, &fe); err == nil && fe.Error != nil {
		code := fe.Error.Code
		if code == 0 {
			code = status
		}
		msg := fe.Error.Message
		if msg == "" {
			msg = fe.Error.StatusText
		}
		return nil, statusError(op, code, errors.New(msg))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.D == nil {
		if status >= 400 {
			return nil, statusError(op, status, fmt.Errorf("HTTP %d: %s", status, snippet(body)))
		}
		return nil, retry.Unexpected(op, fmt.Errorf("unexpected response: %s", snippet(body)))
	}

	switch env.R {
	case CodeOK:
		return &env, nil
	case CodeBusy:
		return &env, retry.Overloaded(op, errors.New(env.Message()))
	default:
		return &env, retry.Unexpected(op, errors.New(env.Message()))
	}
}

// statusError maps an HTTP status code to an error kind.
func statusError(op string, code int, err error) error {
	switch code {
	case http.StatusBadRequest:
		return retry.Validation(op, err.Error())
	case http.StatusForbidden, http.StatusUnauthorized:
		return retry.Forbidden(op, err)
	case http.StatusNotFound:
		return retry.NotFound(op, err)
	}
	return retry.Unexpected(op, err)
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
