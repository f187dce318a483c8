package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync"
)

// Client talks to a running daemon's REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for addr, given as host:port or a URL.
func NewClient(addr string, httpClient *http.Client) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: base, http: httpClient}
}

// StatusResponse is the body of GET /api/sync/status.
type StatusResponse struct {
	Status   models.SyncStatus `json:"status" yaml:"status"`
	LastPass *sync.PassResult  `json:"last_pass,omitempty" yaml:"last_pass,omitempty"`
}

// ItemsResponse is the body of GET /api/sync/items.
type ItemsResponse struct {
	Items []*models.SyncItem `json:"items" yaml:"items"`
	Total int                `json:"total" yaml:"total"`
}

// ConflictsResponse is the body of GET /api/sync/conflicts.
type ConflictsResponse struct {
	Conflicts []*models.ConflictLog `json:"conflicts" yaml:"conflicts"`
	Total     int                   `json:"total" yaml:"total"`
}

// SyncNowResponse is the body of POST /api/sync/now. Pass is nil when the
// request joined a pass already in flight.
type SyncNowResponse struct {
	Pass      *sync.PassResult `json:"pass,omitempty" yaml:"pass,omitempty"`
	Coalesced bool             `json:"coalesced" yaml:"coalesced"`
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Items(ctx context.Context, status models.ItemStatus) (*ItemsResponse, error) {
	path := "/api/sync/items"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out ItemsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Item(ctx context.Context, id string) (*models.SyncItem, error) {
	var out models.SyncItem
	if err := c.do(ctx, http.MethodGet, "/api/sync/items/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Enqueue(ctx context.Context, req sync.EnqueueRequest) (models.UUID, error) {
	var out struct {
		ID models.UUID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sync/items", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var out struct {
		Reset int `json:"reset"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sync/retry", nil, &out); err != nil {
		return 0, err
	}
	return out.Reset, nil
}

func (c *Client) SyncNow(ctx context.Context) (*SyncNowResponse, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/sync/now", nil, &raw); err != nil {
		return nil, err
	}

	var probe struct {
		Coalesced bool `json:"coalesced"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Coalesced {
		return &SyncNowResponse{Coalesced: true}, nil
	}
	var pass sync.PassResult
	if err := json.Unmarshal(raw, &pass); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "decode pass result", err)
	}
	return &SyncNowResponse{Pass: &pass}, nil
}

func (c *Client) Clear(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/sync/queue", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) Conflicts(ctx context.Context, itemID string, limit int) (*ConflictsResponse, error) {
	q := url.Values{}
	if itemID != "" {
		q.Set("item_id", itemID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sync/conflicts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ConflictsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes the JSON response into out. Error bodies
// are turned back into AppErrors carrying the daemon's code.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("daemon unreachable at %s", c.base), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "read response", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			return errors.New(errors.ErrorCode(e.Code), e.Message)
		}
		return errors.Newf(errors.ErrInternal, "%s %s: %s", method, path, resp.Status)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.ErrInternal, "decode response", err)
	}
	return nil
}
