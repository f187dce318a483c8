package connectivity

import (
	"context"
	"fmt"
	"net/http"
)

// Prober performs one reachability check. An error means the answer is
// unknown, which is distinct from a definite "unreachable" (false, nil).
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) {
	return f(ctx)
}

// HTTPProber checks reachability with a HEAD request. Any HTTP response
// below 500 counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates an HTTPProber for url.
func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{URL: url, Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}
