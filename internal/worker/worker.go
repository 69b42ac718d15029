package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docproc/internal/jobs"
)

type Config struct {
	Concurrency int           `yaml:"concurrency"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	ErrorPause  time.Duration `yaml:"error_pause"`
}

type Queue interface {
	PromoteDue(ctx context.Context) ([]string, error)
	PopReady(ctx context.Context, timeout time.Duration) (string, bool, error)
}

type Runner interface {
	Execute(ctx context.Context, id string) (*jobs.Job, error)
}

// Worker drains the job queues. Any number of workers may share one store;
// the atomic pop hands each job id to exactly one of them.
type Worker struct {
	queue       Queue
	runner      Runner
	pollTimeout time.Duration
	errorPause  time.Duration
	logger      *slog.Logger
}

func New(queue Queue, runner Runner, cfg Config, logger *slog.Logger) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:       queue,
		runner:      runner,
		pollTimeout: cfg.PollTimeout,
		errorPause:  cfg.ErrorPause,
		logger:      logger,
	}
	if w.pollTimeout <= 0 {
		w.pollTimeout = 5 * time.Second
	}
	if w.errorPause <= 0 {
		w.errorPause = time.Second
	}
	return w, nil
}

// Run loops until ctx is done. Errors from a single iteration are logged and
// followed by a short pause; they never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_timeout", w.pollTimeout)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopped")
			return err
		}
		if err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("worker iteration failed", "err", err)
			w.pause(ctx)
		}
	}
}

// RunConcurrent runs n loops in this process and waits for all of them.
func (w *Worker) RunConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}

// ProcessNext promotes due retries, waits for one ready job and runs it.
func (w *Worker) ProcessNext(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	promoted, err := w.queue.PromoteDue(ctx)
	if len(promoted) > 0 {
		w.logger.Info("promoted delayed jobs", "count", len(promoted))
	}
	if err != nil {
		return fmt.Errorf("promote due jobs: %w", err)
	}

	id, ok, err := w.queue.PopReady(ctx, w.pollTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	job, err := w.runner.Execute(ctx, id)
	switch {
	case err == nil:
		w.logger.Debug("job iteration finished", "job_id", id, "status", job.Status, "attempt", job.Attempt)
		return nil
	case errors.Is(err, jobs.ErrNotDue), errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrNotFound):
		w.logger.Info("skipping queue entry", "job_id", id, "reason", err)
		return nil
	default:
		return fmt.Errorf("execute job %s: %w", id, err)
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.errorPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
