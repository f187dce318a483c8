package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError maps an AppError code onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	msg := err.Error()
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, status, errorBody{
		Error:   http.StatusText(status),
		Code:    string(code),
		Message: msg,
	})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrValidation, errors.ErrInvalidTransition:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicate, errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case errors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case errors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrSyncFailed, errors.ErrSyncAuthFailed, errors.ErrTelemetryFlush:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.api.CurrentStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"online":  st.IsOnline,
		"clients": s.hub.Len(),
	})
}

// handleStatus handles GET /api/sync/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    s.api.CurrentStatus(),
		"last_pass": s.api.LastPass(),
	})
}

// handleEnqueue handles POST /api/sync/items
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req sync.EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.api.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id})
}

// handleListItems handles GET /api/sync/items
// An optional status query parameter filters the result.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	filter := models.ItemStatus(r.URL.Query().Get("status"))
	if filter != "" && !filter.Valid() {
		writeError(w, errors.Newf(errors.ErrInvalid, "unknown status %q", filter))
		return
	}

	items := s.api.Items()
	out := make([]*models.SyncItem, 0, len(items))
	for _, item := range items {
		if filter == "" || item.Status == filter {
			out = append(out, item)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": out,
		"total": len(out),
	})
}

// handleGetItem handles GET /api/sync/items/{id}
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.api.Item(models.UUID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleRetry handles POST /api/sync/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.api.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": n})
}

// handleSyncNow handles POST /api/sync/now
// A pass already in flight absorbs the request; the response is then 202.
// The pass outlives the request and stops only on its timeout or shutdown.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(s.passCtx, s.passTimeout)
	defer cancel()

	result, err := s.api.ManualSync(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"coalesced": true})
		return
	}
	s.hub.Broadcast(EventSyncPass, result)
	writeJSON(w, http.StatusOK, result)
}

// handleClear handles DELETE /api/sync/queue
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.api.ClearAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

// handleConflicts handles GET /api/sync/conflicts
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if s.conflicts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": []*models.ConflictLog{}, "total": 0})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errors.Newf(errors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	logs, err := s.conflicts.ListConflictLogs(r.URL.Query().Get("item_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": logs, "total": len(logs)})
}

type trackRequest struct {
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// handleTrack handles POST /api/telemetry/events
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil || !s.telemetry.Enabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req trackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errors.New(errors.ErrInvalid, "event name is required"))
		return
	}

	s.telemetry.Track(req.Name, req.Properties)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"pending": s.telemetry.Pending()})
}

// handleTelemetryStatus handles GET /api/telemetry/events
func (s *Server) handleTelemetryStatus(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false, "pending": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": s.telemetry.Enabled(),
		"pending": s.telemetry.Pending(),
		"dropped": s.telemetry.Dropped(),
	})
}
