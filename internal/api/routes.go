package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
	"github.com/stacklok/misp-secops-forwarder/internal/versions"
)

// cursorReadTimeout bounds store access from request handlers
const cursorReadTimeout = 5 * time.Second

type routes struct {
	status StatusSource
	store  cursor.Store
}

// healthHandler handles GET /health
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readiness handles GET /readiness.
// The forwarder is ready while a loop runs and the cursor store is readable.
func (rt *routes) readiness(w http.ResponseWriter, r *http.Request) {
	if rt.status.Snapshot().LoopState == "" {
		writeErrorResponse(w, "synchronization loop not running", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cursorReadTimeout)
	defer cancel()
	if _, err := rt.store.Load(ctx); err != nil {
		writeErrorResponse(w, "cursor store not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
}

// getStatus handles GET /status
func (rt *routes) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cursorReadTimeout)
	defer cancel()

	writeJSONResponse(w, StatusResponse{
		Status: rt.status.Snapshot(),
		Cursor: rt.cursorStatus(ctx),
	}, http.StatusOK)
}

func (rt *routes) cursorStatus(ctx context.Context) CursorResponse {
	c, err := rt.store.Load(ctx)
	switch {
	case errors.Is(err, cursor.ErrCorrupt):
		return CursorResponse{State: CursorCorrupt, Error: err.Error()}
	case err != nil:
		return CursorResponse{State: CursorError, Error: err.Error()}
	case c == nil:
		return CursorResponse{State: CursorAbsent}
	}
	ts, at := c.LastTimestamp, c.Time()
	return CursorResponse{State: CursorPresent, LastTimestamp: &ts, Time: &at}
}

// versionHandler handles GET /version
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}
