// Package executor runs the document processing pipeline for one claimed job
// and decides between retry and terminal failure when it fails.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docproc/internal/blob"
	"docproc/internal/docstore"
	"docproc/internal/events"
	"docproc/internal/generation"
	"docproc/internal/jobs"
)

// recordTimeout bounds the writes that record a run's outcome. They are
// detached from the run's context and still land after shutdown starts.
const recordTimeout = 10 * time.Second

type marker struct {
	percent int
	text    string
}

var (
	markStart    = marker{0, "Starting processing..."}
	markDocument = marker{10, "Reading document..."}
	markSource   = marker{20, "Loading PDF file..."}
	markPrompts  = marker{30, "Loading prompts..."}
	markGenerate = marker{40, "Analyzing PDF content with AI..."}
	markSave     = marker{90, "Saving questions..."}
)

type Executor struct {
	jobs      *jobs.Manager
	docs      docstore.Store
	blobs     blob.Store
	generator generation.Generator
	events    events.Publisher
	tracer    trace.Tracer
	logger    *slog.Logger
}

type Option func(*Executor)

func WithEvents(p events.Publisher) Option {
	return func(e *Executor) {
		e.events = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

func New(manager *jobs.Manager, docs docstore.Store, blobs blob.Store, generator generation.Generator, opts ...Option) *Executor {
	e := &Executor{
		jobs:      manager,
		docs:      docs,
		blobs:     blobs,
		generator: generator,
		events:    events.Noop{},
		tracer:    otel.Tracer("docproc/executor"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute claims a job popped from the ready queue and runs it. Claim errors
// (jobs.ErrNotDue, jobs.ErrInvalidTransition, jobs.ErrNotFound) are returned
// untouched so the caller can skip the entry.
func (e *Executor) Execute(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := e.jobs.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, job)
}

// Trigger runs a job on demand. A job that is already running or finished is
// rejected by the claim, never executed twice.
func (e *Executor) Trigger(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := e.jobs.Trigger(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, job)
}

// Run drives a PROCESSING job to COMPLETED, back to PENDING for a retry, or to
// FAILED. Pipeline failures are resolved here; the returned error only
// reports that the outcome could not be recorded.
func (e *Executor) Run(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("document.id", job.DocumentID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	logger := e.logger.With("job_id", job.ID, "doc_id", job.DocumentID)
	logger.Info("processing job", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)

	e.mark(ctx, logger, job, markStart)
	count, err := e.pipeline(ctx, logger, job)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(rctx, logger, job, err)
	}

	done, err := e.jobs.Complete(rctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	logger.Info("job completed", "questions", count)
	e.publish(rctx, logger, events.Event{
		Type:       events.JobCompleted,
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Attempt:    done.Attempt,
		Questions:  count,
		OccurredAt: e.jobs.Now(),
	})
	return done, nil
}

func (e *Executor) pipeline(ctx context.Context, logger *slog.Logger, job *jobs.Job) (int, error) {
	e.mark(ctx, logger, job, markDocument)
	doc, err := e.readDocument(ctx, job.DocumentID)
	if err != nil {
		return 0, err
	}

	e.mark(ctx, logger, job, markSource)
	source, err := e.readSource(ctx, doc.FilePath)
	if err != nil {
		return 0, err
	}
	logger.Debug("loaded source", "path", doc.FilePath, "bytes", len(source))

	e.mark(ctx, logger, job, markPrompts)
	systemPrompt, err := e.readPrompt(ctx, docstore.SystemPrompt, job.SystemPromptID)
	if err != nil {
		return 0, err
	}
	customPrompt, err := e.readPrompt(ctx, docstore.CustomPrompt, job.CustomPromptID)
	if err != nil {
		return 0, err
	}

	e.mark(ctx, logger, job, markGenerate)
	genCtx, span := e.tracer.Start(ctx, "executor.generate")
	questions, err := e.generator.Generate(genCtx, generation.Request{
		Source:       source,
		MIMEType:     "application/pdf",
		SystemPrompt: systemPrompt,
		CustomPrompt: customPrompt,
		Schema:       job.Schema,
	})
	span.End()
	if err != nil {
		return 0, stepErr("generate questions", ErrGenerationFailed, err)
	}
	logger.Info("generated questions", "questions", len(questions))

	e.mark(ctx, logger, job, markSave)
	if err := e.docs.SaveQuestions(ctx, job.DocumentID, questions); err != nil {
		return 0, stepErr("save questions", ErrPersistFailed, err)
	}
	return len(questions), nil
}

func (e *Executor) readDocument(ctx context.Context, id string) (*docstore.Document, error) {
	doc, err := e.docs.GetDocument(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, stepErr("read document", ErrDocumentNotFound, err)
	}
	if err != nil {
		return nil, stepErr("read document", ErrDocumentStore, err)
	}
	if strings.TrimSpace(doc.FilePath) == "" {
		return nil, stepErr("read document", ErrDocumentNotFound, fmt.Errorf("document %s has no file path", id))
	}
	return doc, nil
}

func (e *Executor) readSource(ctx context.Context, path string) ([]byte, error) {
	ok, err := e.blobs.Exists(ctx, path)
	if err != nil {
		return nil, stepErr("load source", ErrSourceUnavailable, err)
	}
	if !ok {
		return nil, stepErr("load source", ErrSourceUnavailable, fmt.Errorf("%w: %s", blob.ErrNotExist, path))
	}
	data, err := e.blobs.Download(ctx, path)
	if err != nil {
		return nil, stepErr("load source", ErrSourceUnavailable, err)
	}
	return data, nil
}

func (e *Executor) readPrompt(ctx context.Context, kind docstore.PromptKind, id string) (string, error) {
	content, err := e.docs.GetPrompt(ctx, kind, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", stepErr("load prompts", ErrPromptNotFound, err)
	}
	if err != nil {
		return "", stepErr("load prompts", ErrDocumentStore, err)
	}
	if strings.TrimSpace(content) == "" {
		return "", stepErr("load prompts", ErrPromptNotFound, fmt.Errorf("%s prompt %s is empty", kind, id))
	}
	return content, nil
}

// mark records a progress marker on the job and mirrors it onto the document.
// Failures here are logged and do not stop the pipeline.
func (e *Executor) mark(ctx context.Context, logger *slog.Logger, job *jobs.Job, m marker) {
	if _, err := e.jobs.SetProgress(ctx, job.ID, m.percent, m.text); err != nil {
		logger.Warn("record job progress", "step", m.text, "err", err)
	}
	e.updateDocument(ctx, logger, job.DocumentID, docstore.StatusUpdate{
		Status:   docstore.StatusProcessing,
		Progress: m.percent,
		Step:     m.text,
	})
}

func (e *Executor) updateDocument(ctx context.Context, logger *slog.Logger, id string, update docstore.StatusUpdate) {
	err := e.docs.UpdateStatus(ctx, id, update)
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrNotFound):
		logger.Debug("document missing, status not mirrored", "status", update.Status)
	default:
		logger.Warn("mirror document status", "status", update.Status, "err", err)
	}
}

func (e *Executor) fail(ctx context.Context, logger *slog.Logger, job *jobs.Job, cause error) (*jobs.Job, error) {
	logger.Error("job attempt failed", "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "err", cause)

	policy := e.jobs.Policy()
	policy.MaxAttempts = job.MaxAttempts
	if !policy.Exhausted(job.Attempt) {
		delay, err := policy.Delay(job.Attempt)
		if err != nil {
			return nil, fmt.Errorf("retry delay for %s: %w", job.ID, err)
		}
		next, err := e.jobs.ScheduleRetry(ctx, job.ID, delay, cause.Error())
		if err != nil {
			return next, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
		}
		logger.Info("retry scheduled", "delay", delay, "next_attempt", job.Attempt+1)
		e.updateDocument(ctx, logger, job.DocumentID, docstore.StatusUpdate{
			Status: docstore.StatusProcessing,
			Step:   next.Step,
		})
		e.publish(ctx, logger, events.Event{
			Type:       events.JobRetrying,
			JobID:      job.ID,
			DocumentID: job.DocumentID,
			Attempt:    job.Attempt,
			Error:      cause.Error(),
			OccurredAt: e.jobs.Now(),
		})
		return next, nil
	}

	reason := fmt.Sprintf("Failed after %d attempts: %v", job.Attempt, cause)
	failed, err := e.jobs.Fail(ctx, job.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	logger.Error("job failed", "attempts", job.Attempt, "err", cause)
	e.updateDocument(ctx, logger, job.DocumentID, docstore.StatusUpdate{
		Status: docstore.StatusFailed,
		Error:  reason,
	})
	e.publish(ctx, logger, events.Event{
		Type:       events.JobFailed,
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Attempt:    job.Attempt,
		Error:      reason,
		OccurredAt: e.jobs.Now(),
	})
	return failed, nil
}

func (e *Executor) publish(ctx context.Context, logger *slog.Logger, evt events.Event) {
	if err := e.events.Publish(ctx, evt); err != nil {
		logger.Warn("publish job event", "type", evt.Type, "err", err)
	}
}
