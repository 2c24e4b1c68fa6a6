package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateSessionResponse is the response body for POST /v1/migrations.
type CreateSessionResponse struct {
	ID     string          `json:"id"`
	Status MigrationStatus `json:"status"`
}

// StartResponse is the response body for POST /v1/migrations/{id}/start.
type StartResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// DeleteResponse is the response body for DELETE /v1/migrations/{id}.
type DeleteResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Uptime   int64  `json:"uptime_seconds"`
}
