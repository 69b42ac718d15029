package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docproc/internal/docstore"
)

//go:embed schema.sql
var schema string

const (
	selectDocumentSQL = `
SELECT id, file_path, status, progress, COALESCE(current_step, ''), COALESCE(error, ''), question_count, updated_at
FROM documents WHERE id = $1`

	updateStatusSQL = `
UPDATE documents SET
    status = $2,
    progress = $3,
    current_step = $4,
    error = CASE WHEN $5::text <> '' THEN $5::text WHEN $2 = 'failed' THEN error ELSE NULL END,
    updated_at = $6
WHERE id = $1`

	selectPromptSQL = `SELECT content FROM prompts WHERE kind = $1 AND id = $2`

	lockDocumentSQL = `SELECT 1 FROM documents WHERE id = $1 FOR UPDATE`

	deleteQuestionsSQL = `DELETE FROM questions WHERE document_id = $1`

	insertQuestionSQL = `
INSERT INTO questions (document_id, position, id, text, options, correct_answer, explanation)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	markReadySQL = `
UPDATE documents SET
    status = 'ready',
    question_count = $2,
    progress = NULL,
    current_step = NULL,
    error = NULL,
    updated_at = $3
WHERE id = $1`
)

// Store is the Postgres document store. SaveQuestions runs as one transaction
// so a document is never marked ready without its questions.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ docstore.Store = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetDocument(ctx context.Context, id string) (*docstore.Document, error) {
	var doc docstore.Document
	var status string
	err := s.pool.QueryRow(ctx, selectDocumentSQL, id).Scan(
		&doc.ID, &doc.FilePath, &status, &doc.Progress, &doc.CurrentStep, &doc.Error, &doc.QuestionCount, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, docstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc.Status = docstore.Status(status)
	return &doc, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, update docstore.StatusUpdate) error {
	var progress *int
	var step *string
	if !update.Status.Terminal() {
		progress = &update.Progress
		step = &update.Step
	}
	tag, err := s.pool.Exec(ctx, updateStatusSQL, id, string(update.Status), progress, step, update.Error, s.now())
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, docstore.ErrNotFound)
	}
	return nil
}

func (s *Store) GetPrompt(ctx context.Context, kind docstore.PromptKind, id string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx, selectPromptSQL, string(kind), id).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s prompt %s: %w", kind, id, docstore.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get %s prompt %s: %w", kind, id, err)
	}
	return content, nil
}

func (s *Store) SaveQuestions(ctx context.Context, documentID string, questions []docstore.Question) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var one int
		if err := tx.QueryRow(ctx, lockDocumentSQL, documentID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("document %s: %w", documentID, docstore.ErrNotFound)
			}
			return fmt.Errorf("lock document %s: %w", documentID, err)
		}

		batch := &pgx.Batch{}
		batch.Queue(deleteQuestionsSQL, documentID)
		for i, q := range questions {
			batch.Queue(insertQuestionSQL, documentID, i, q.ID, q.Text, q.Options, q.CorrectAnswer, q.Explanation)
		}
		batch.Queue(markReadySQL, documentID, len(questions), s.now())

		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("save questions for %s: %w", documentID, err)
			}
		}
		return results.Close()
	})
}

// PutDocument and PutPrompt seed records; the upload path that normally
// creates them lives outside this service.
func (s *Store) PutDocument(ctx context.Context, doc docstore.Document) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (id, file_path, status, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET file_path = EXCLUDED.file_path, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.FilePath, string(doc.Status), s.now())
	if err != nil {
		return fmt.Errorf("put document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) PutPrompt(ctx context.Context, kind docstore.PromptKind, id, content string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO prompts (kind, id, content) VALUES ($1, $2, $3)
ON CONFLICT (kind, id) DO UPDATE SET content = EXCLUDED.content`,
		string(kind), id, content)
	if err != nil {
		return fmt.Errorf("put %s prompt %s: %w", kind, id, err)
	}
	return nil
}
