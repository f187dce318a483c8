// Package transport implements the remote side of synchronization over
// HTTP: create, update and delete map to POST, PUT and DELETE on the item's
// target, and 409/412 responses surface as conflicts carrying the server's
// current state.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// maxBody bounds how much of a response body is read.
const maxBody = 4 << 20

// OverrideHeader marks a request that applies a conflict resolution.
const OverrideHeader = "X-Sync-Override"

// CredentialProvider supplies the bearer token for each request.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config holds HTTP transport configuration.
type Config struct {
	BaseURL   string            `mapstructure:"base_url"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Headers   map[string]string `mapstructure:"headers"`
	UserAgent string            `mapstructure:"user_agent"`
}

// HTTPTransport sends queue items to a REST endpoint.
type HTTPTransport struct {
	base    *url.URL
	client  *http.Client
	creds   CredentialProvider
	headers map[string]string
	agent   string
}

// New creates an HTTPTransport. creds may be nil.
func New(cfg Config, creds CredentialProvider) (*HTTPTransport, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf(errors.ErrConfig, "invalid transport base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "syncd/1"
	}

	return &HTTPTransport{
		base: base,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		creds:   creds,
		headers: cfg.Headers,
		agent:   cfg.UserAgent,
	}, nil
}

// BaseURL returns the configured base URL.
func (t *HTTPTransport) BaseURL() string {
	return t.base.String()
}

func methodFor(action models.Action) (string, error) {
	switch action {
	case models.ActionCreate:
		return http.MethodPost, nil
	case models.ActionUpdate:
		return http.MethodPut, nil
	case models.ActionDelete:
		return http.MethodDelete, nil
	default:
		return "", errors.Newf(errors.ErrInvalid, "unknown action %q", action)
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, target string, payload json.RawMessage) (*http.Request, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid target", err)
	}

	var body io.Reader
	if len(payload) > 0 && method != http.MethodDelete {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.agent)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	if t.creds != nil {
		token, err := t.creds.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrSyncAuthFailed, "credentials unavailable", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (t *HTTPTransport) do(req *http.Request) (int, []byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return 0, nil, errors.Wrap(errors.ErrSyncTimeout, "request timed out", err)
		}
		return 0, nil, errors.Wrap(errors.ErrSyncFailed, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(errors.ErrSyncFailed, "read response", err)
	}
	return resp.StatusCode, body, nil
}

func statusError(method, target string, status int, body []byte) error {
	code := errors.ErrSyncFailed
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = errors.ErrSyncAuthFailed
	}
	msg := bytes.TrimSpace(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.Newf(code, "%s %s returned %d: %s", method, target, status, msg)
}

// Send delivers one change. ok reports success; a non-nil conflict carries
// the server state when the server rejected the change as conflicting.
func (t *HTTPTransport) Send(ctx context.Context, action models.Action, target string, payload json.RawMessage) (bool, json.RawMessage, error) {
	method, err := methodFor(action)
	if err != nil {
		return false, nil, err
	}
	req, err := t.newRequest(ctx, method, target, payload)
	if err != nil {
		return false, nil, err
	}

	status, body, err := t.do(req)
	if err != nil {
		return false, nil, err
	}

	switch {
	case status >= 200 && status < 300:
		return true, nil, nil
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("null")
		}
		return false, json.RawMessage(body), nil
	default:
		return false, nil, statusError(method, target, status, body)
	}
}

// ApplyResolution pushes a resolved payload over the server state. Deletes
// are re-sent as forced deletes.
func (t *HTTPTransport) ApplyResolution(ctx context.Context, item *models.SyncItem, resolved json.RawMessage) error {
	method := http.MethodPut
	if item.Action == models.ActionDelete {
		method = http.MethodDelete
	}
	req, err := t.newRequest(ctx, method, item.Target, resolved)
	if err != nil {
		return err
	}
	req.Header.Set(OverrideHeader, "true")

	status, body, err := t.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return statusError(method, item.Target, status, body)
	}
	return nil
}
