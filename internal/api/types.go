package api

import (
	"encoding/json"
	"time"

	"docproc/internal/jobs"
)

const MaxSchemaBytes = 256 * 1024

// IdempotencyHeader lets a client retry intake without creating a second job.
const IdempotencyHeader = "Idempotency-Key"

// Operation classes the rate limiter keys its windows by.
const (
	ClassIntake  = "intake"
	ClassStatus  = "status"
	ClassCancel  = "cancel"
	ClassTrigger = "trigger"
)

const (
	ErrInvalidJSON       = "invalid_json"
	ErrInvalidRequest    = "invalid_request"
	ErrSchemaTooLarge    = "schema_too_large"
	ErrJobNotFound       = "job_not_found"
	ErrInvalidTransition = "invalid_transition"
	ErrStoreUnavailable  = "store_unavailable"
	ErrStore             = "store_error"
	ErrBlocked           = "blocked"
	ErrAutomation        = "automated_requests_not_allowed"
	ErrRateLimited       = "rate_limited"
	ErrSuspicious        = "suspicious_request_pattern"
)

type JobRequest struct {
	DocumentID     string          `json:"document_id"`
	SystemPromptID string          `json:"system_prompt_id"`
	CustomPromptID string          `json:"custom_prompt_id"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

type JobResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`
}

func newJobResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		JobID:       j.ID,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Progress:    j.Progress,
		CurrentStep: j.Step,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		RetryAt:     j.RetryAt,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Reason and ExpiresIn are set on block rejections.
	Reason    string `json:"reason,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
