package executor

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentStore     = errors.New("document store unavailable")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrPromptNotFound    = errors.New("prompt not found")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrPersistFailed     = errors.New("persist failed")
)

// StepError is a pipeline failure. errors.Is matches both the failure kind
// and the underlying cause.
type StepError struct {
	Step string
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stepErr(step string, kind, err error) error {
	return &StepError{Step: step, Kind: kind, Err: err}
}
