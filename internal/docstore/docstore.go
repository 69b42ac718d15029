// Package docstore is the document and prompt store the executor reads from
// and writes results to.
package docstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal statuses drop the progress fields from the document.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

type PromptKind string

const (
	SystemPrompt PromptKind = "system"
	CustomPrompt PromptKind = "custom"
)

type Document struct {
	ID            string    `json:"id"`
	FilePath      string    `json:"filePath,omitempty"`
	Status        Status    `json:"status"`
	Progress      *int      `json:"progress,omitempty"`
	CurrentStep   string    `json:"currentStep,omitempty"`
	Error         string    `json:"error,omitempty"`
	QuestionCount int       `json:"questionCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// StatusUpdate is a partial write of a document's status fields. Progress and
// Step are ignored for terminal statuses, which clear them instead.
type StatusUpdate struct {
	Status   Status
	Progress int
	Step     string
	Error    string
}

type Store interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	GetPrompt(ctx context.Context, kind PromptKind, id string) (string, error)
	// SaveQuestions replaces the document's questions and marks it ready in one
	// atomic write.
	SaveQuestions(ctx context.Context, documentID string, questions []Question) error
}

// Apply folds an update into doc the way every backend stores it.
func Apply(doc *Document, update StatusUpdate, now time.Time) {
	doc.Status = update.Status
	doc.UpdatedAt = now
	if update.Status.Terminal() {
		doc.Progress = nil
		doc.CurrentStep = ""
	} else {
		progress := update.Progress
		doc.Progress = &progress
		doc.CurrentStep = update.Step
	}
	switch {
	case update.Error != "":
		doc.Error = update.Error
	case update.Status != StatusFailed:
		doc.Error = ""
	}
}
