package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// EncodeBatch marshals events as JSON and compresses them with snappy.
func EncodeBatch(events []models.TelemetryEvent) ([]byte, error) {
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry batch: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(body []byte) ([]models.TelemetryEvent, error) {
	data, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	var events []models.TelemetryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("unmarshal telemetry batch: %w", err)
	}
	return events, nil
}

// HTTPSink POSTs each batch as snappy-compressed JSON.
type HTTPSink struct {
	URL    string
	Client *http.Client
	// Token, when set, supplies a bearer token per request.
	Token func(ctx context.Context) (string, error)
}

// NewHTTPSink creates an HTTPSink for url.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSink{URL: url, Client: client}
}

func (s *HTTPSink) Send(ctx context.Context, events []models.TelemetryEvent) error {
	body, err := EncodeBatch(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "snappy")

	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return fmt.Errorf("telemetry credentials: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telemetry endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
