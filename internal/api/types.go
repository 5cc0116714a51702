package api

import (
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/status"
)

// Cursor states reported by the status endpoint
const (
	CursorPresent = "present"
	CursorAbsent  = "absent"
	CursorCorrupt = "corrupt"
	CursorError   = "error"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status" example:"ready"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CursorResponse describes the stored synchronization cursor
type CursorResponse struct {
	State         string     `json:"state" example:"present"`
	LastTimestamp *int64     `json:"last_timestamp,omitempty"`
	Time          *time.Time `json:"time,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	status.Status
	Cursor CursorResponse `json:"cursor"`
}
