package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docproc/internal/docstore"
)

type promptKey struct {
	kind docstore.PromptKind
	id   string
}

// Store keeps documents, prompts and questions in maps. It backs tests and
// single-process development setups.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	documents map[string]docstore.Document
	prompts   map[promptKey]string
	questions map[string][]docstore.Question
}

var _ docstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:       time.Now,
		documents: make(map[string]docstore.Document),
		prompts:   make(map[promptKey]string),
		questions: make(map[string][]docstore.Question),
	}
}

func (s *Store) PutDocument(doc docstore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
}

func (s *Store) PutPrompt(kind docstore.PromptKind, id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[promptKey{kind: kind, id: id}] = content
}

func (s *Store) Questions(documentID string) []docstore.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]docstore.Question, len(s.questions[documentID]))
	copy(out, s.questions[documentID])
	return out
}

func (s *Store) GetDocument(ctx context.Context, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, docstore.ErrNotFound)
	}
	return &doc, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, update docstore.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, docstore.ErrNotFound)
	}
	docstore.Apply(&doc, update, s.now())
	s.documents[id] = doc
	return nil
}

func (s *Store) GetPrompt(ctx context.Context, kind docstore.PromptKind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.prompts[promptKey{kind: kind, id: id}]
	if !ok {
		return "", fmt.Errorf("%s prompt %s: %w", kind, id, docstore.ErrNotFound)
	}
	return content, nil
}

func (s *Store) SaveQuestions(ctx context.Context, documentID string, questions []docstore.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, docstore.ErrNotFound)
	}
	saved := make([]docstore.Question, len(questions))
	copy(saved, questions)
	s.questions[documentID] = saved
	docstore.Apply(&doc, docstore.StatusUpdate{Status: docstore.StatusReady}, s.now())
	doc.QuestionCount = len(saved)
	s.documents[documentID] = doc
	return nil
}
