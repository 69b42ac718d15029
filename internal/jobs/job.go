package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docproc/internal/state"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid job transition")
	ErrNotDue             = errors.New("job retry not due yet")
	ErrStoreInconsistency = errors.New("job store inconsistency")
	ErrConflict           = errors.New("job update conflict")
	ErrInvalidRequest     = errors.New("invalid job request")
)

// Job is the record kept under keyspace.Job(id). It is stored as JSON and
// rewritten whole on every update.
type Job struct {
	ID             string          `json:"job_id"`
	DocumentID     string          `json:"document_id"`
	SystemPromptID string          `json:"system_prompt_id"`
	CustomPromptID string          `json:"custom_prompt_id"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	Status         state.State     `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Progress       int             `json:"progress"`
	Step           string          `json:"current_step,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RetryAt        *time.Time      `json:"retry_at,omitempty"`
}

type NewJob struct {
	DocumentID     string
	SystemPromptID string
	CustomPromptID string
	Schema         json.RawMessage
}

func (n NewJob) validate() error {
	switch {
	case n.DocumentID == "":
		return fmt.Errorf("%w: document_id is required", ErrInvalidRequest)
	case n.SystemPromptID == "":
		return fmt.Errorf("%w: system_prompt_id is required", ErrInvalidRequest)
	case n.CustomPromptID == "":
		return fmt.Errorf("%w: custom_prompt_id is required", ErrInvalidRequest)
	}
	if len(n.Schema) > 0 && !json.Valid(n.Schema) {
		return fmt.Errorf("%w: schema must be valid JSON", ErrInvalidRequest)
	}
	return nil
}

func decode(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	if !state.Valid(j.Status) {
		return nil, fmt.Errorf("unknown status %q", j.Status)
	}
	return &j, nil
}

func encode(j *Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
