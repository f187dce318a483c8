// Package server exposes the sync engine over a local REST API and pushes
// status snapshots to WebSocket clients.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync"
)

const (
	shutdownTimeout = 5 * time.Second
	// DefaultPassTimeout bounds a pass started by POST /api/sync/now.
	DefaultPassTimeout = 5 * time.Minute
)

// ConflictLister reads persisted conflict records.
type ConflictLister interface {
	ListConflictLogs(itemID string, limit int) ([]*models.ConflictLog, error)
}

// TelemetryRecorder accepts analytics events from local clients.
type TelemetryRecorder interface {
	Enabled() bool
	Track(name string, properties map[string]interface{})
	Pending() int
	Dropped() int
}

// Options holds optional collaborators.
type Options struct {
	Conflicts ConflictLister
	Telemetry TelemetryRecorder
	// PassTimeout bounds a manual pass. Zero selects DefaultPassTimeout.
	PassTimeout time.Duration
}

// Server serves the sync API.
type Server struct {
	api       sync.API
	hub       *Hub
	conflicts ConflictLister
	telemetry TelemetryRecorder
	mux       *http.ServeMux

	// Manual passes run on passCtx rather than the request context, so a
	// client that disconnects does not abort the pass.
	passCtx      context.Context
	cancelPasses context.CancelFunc
	passTimeout  time.Duration
}

// New creates a Server for api.
func New(api sync.API, opts Options) *Server {
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = DefaultPassTimeout
	}
	s := &Server{
		api:         api,
		hub:         NewHub(),
		conflicts:   opts.Conflicts,
		telemetry:   opts.Telemetry,
		mux:         http.NewServeMux(),
		passTimeout: opts.PassTimeout,
	}
	s.passCtx, s.cancelPasses = context.WithCancel(context.Background())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sync/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync/items", s.handleEnqueue)
	s.mux.HandleFunc("GET /api/sync/items", s.handleListItems)
	s.mux.HandleFunc("GET /api/sync/items/{id}", s.handleGetItem)
	s.mux.HandleFunc("POST /api/sync/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/sync/now", s.handleSyncNow)
	s.mux.HandleFunc("DELETE /api/sync/queue", s.handleClear)
	s.mux.HandleFunc("GET /api/sync/conflicts", s.handleConflicts)
	s.mux.HandleFunc("POST /api/telemetry/events", s.handleTrack)
	s.mux.HandleFunc("GET /api/telemetry/events", s.handleTelemetryStatus)
	s.mux.HandleFunc("GET /ws", s.hub.ServeWS(s.api.CurrentStatus))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run listens on addr until ctx is cancelled, forwarding every status
// change to WebSocket clients.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.ErrConfig, "failed to listen on "+addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	unsubscribe := s.api.Subscribe(s.hub.BroadcastStatus)
	defer unsubscribe()

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("API server listening", map[string]interface{}{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancelPasses()
		s.hub.Close()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.cancelPasses()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("API server shutdown incomplete", map[string]interface{}{"error": err.Error()})
		return err
	}
	logging.Info("API server stopped", nil)
	return nil
}
