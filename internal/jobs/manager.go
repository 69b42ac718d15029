package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docproc/internal/keyspace"
	"docproc/internal/kv"
	"docproc/internal/retry"
	"docproc/internal/state"
)

const (
	maxCASRetries = 8
	CancelReason  = "Cancelled by user"
)

// Manager is the Job Store and Queue Manager. Every job write is a
// compare-and-swap on the stored record, so concurrent workers, cancellations
// and triggers never interleave on the same job.
type Manager struct {
	kv     kv.Store
	keys   keyspace.Namespace
	policy retry.Policy
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithPolicy(p retry.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

func NewManager(store kv.Store, keys keyspace.Namespace, opts ...Option) *Manager {
	m := &Manager{
		kv:     store,
		keys:   keys,
		policy: retry.DefaultPolicy(),
		ttl:    keyspace.JobTTL,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Policy() retry.Policy {
	return m.policy
}

// Now is the clock the manager stamps jobs with.
func (m *Manager) Now() time.Time {
	return m.now()
}

// CreateJob writes a PENDING job and appends it to the ready queue. The two
// writes are not atomic; a failed push is reported as ErrStoreInconsistency
// after a best-effort removal of the orphaned record.
func (m *Manager) CreateJob(ctx context.Context, req NewJob) (*Job, error) {
	job, err := m.newJob(req)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, job); err != nil {
		return nil, err
	}
	if err := m.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) newJob(req NewJob) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	return &Job{
		ID:             m.newID(),
		DocumentID:     req.DocumentID,
		SystemPromptID: req.SystemPromptID,
		CustomPromptID: req.CustomPromptID,
		Schema:         req.Schema,
		Status:         state.Pending,
		MaxAttempts:    m.policy.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (m *Manager) save(ctx context.Context, job *Job) error {
	raw, err := encode(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := m.kv.Set(ctx, m.keys.Job(job.ID), raw, m.ttl); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (m *Manager) enqueue(ctx context.Context, job *Job) error {
	if err := m.kv.RPush(ctx, m.keys.ReadyQueue(), job.ID); err != nil {
		m.logger.Warn("job stored but not enqueued", "job_id", job.ID, "err", err)
		m.discard(ctx, job.ID)
		return fmt.Errorf("%w: enqueue %s: %w", ErrStoreInconsistency, job.ID, err)
	}
	m.logger.Info("job created", "job_id", job.ID, "doc_id", job.DocumentID)
	return nil
}

// discard removes a job record that never reached the ready queue.
func (m *Manager) discard(ctx context.Context, id string) {
	if err := m.kv.Del(context.WithoutCancel(ctx), m.keys.Job(id)); err != nil {
		m.logger.Warn("orphaned job record left behind", "job_id", id, "err", err)
	}
}

func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	job, _, err := m.read(ctx, id)
	return job, err
}

func (m *Manager) read(ctx context.Context, id string) (*Job, string, error) {
	raw, found, err := m.kv.Get(ctx, m.keys.Job(id))
	if err != nil {
		return nil, "", fmt.Errorf("get job %s: %w", id, err)
	}
	if !found {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job, err := decode(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: job %s is not decodable: %v", ErrStoreInconsistency, id, err)
	}
	return job, raw, nil
}

// UpdateJob applies fn to the current record and writes it back with a fresh
// TTL. A record that has expired is reported as ErrNotFound, never recreated.
// fn may run more than once when the record changes underneath it.
func (m *Manager) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	for i := 0; i < maxCASRetries; i++ {
		job, raw, err := m.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = m.now()
		next, err := encode(job)
		if err != nil {
			return nil, fmt.Errorf("encode job: %w", err)
		}
		ok, err := m.kv.CompareAndSwap(ctx, m.keys.Job(id), raw, next, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("update job %s: %w", id, err)
		}
		if ok {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

// Transition moves the job to the given state, applying fn to the record in
// the same write. Moves the state machine forbids fail with ErrInvalidTransition.
func (m *Manager) Transition(ctx context.Context, id string, to state.State, fn func(*Job) error) (*Job, error) {
	return m.UpdateJob(ctx, id, func(j *Job) error {
		if err := state.Check(j.Status, to); err != nil {
			return fmt.Errorf("%w: job %s: %w", ErrInvalidTransition, id, err)
		}
		j.Status = to
		if fn != nil {
			return fn(j)
		}
		return nil
	})
}

// Claim moves a popped job from PENDING to PROCESSING. A job whose retry time
// is still ahead is a stale queue entry and yields ErrNotDue.
func (m *Manager) Claim(ctx context.Context, id string) (*Job, error) {
	return m.claim(ctx, id, true)
}

// Trigger claims a job on demand, pulling it out of the delayed set first.
// Triggering a job that is already running or finished is rejected with
// ErrInvalidTransition, so a job never runs twice.
func (m *Manager) Trigger(ctx context.Context, id string) (*Job, error) {
	removed, err := m.kv.ZRem(ctx, m.keys.DelayedQueue(), id)
	if err != nil {
		return nil, fmt.Errorf("unschedule job %s: %w", id, err)
	}
	job, err := m.claim(ctx, id, false)
	if err != nil && removed {
		m.restoreDelayed(ctx, id)
	}
	return job, err
}

// restoreDelayed puts a job back into the delayed set after a trigger took it
// out but could not claim it. Jobs that left PENDING meanwhile stay out.
func (m *Manager) restoreDelayed(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	job, err := m.GetJob(ctx, id)
	if err != nil || job.Status != state.Pending {
		return
	}
	due := m.now()
	if job.RetryAt != nil {
		due = *job.RetryAt
	}
	if err := m.kv.ZAdd(ctx, m.keys.DelayedQueue(), retry.NextScore(due, 0), id); err != nil {
		m.logger.Warn("triggered job dropped from delayed set", "job_id", id, "err", err)
	}
}

func (m *Manager) claim(ctx context.Context, id string, honorSchedule bool) (*Job, error) {
	return m.Transition(ctx, id, state.Processing, func(j *Job) error {
		now := m.now()
		if honorSchedule && j.RetryAt != nil && j.RetryAt.After(now) {
			return fmt.Errorf("%w: job %s due at %s", ErrNotDue, id, j.RetryAt.Format(time.RFC3339))
		}
		if j.Attempt >= j.MaxAttempts {
			return fmt.Errorf("%w: job %s has used %d of %d attempts", ErrInvalidTransition, id, j.Attempt, j.MaxAttempts)
		}
		j.Attempt++
		j.StartedAt = timePtr(now)
		j.RetryAt = nil
		j.Progress = 0
		j.Step = ""
		return nil
	})
}

// SetProgress records the pipeline step of a running job.
func (m *Manager) SetProgress(ctx context.Context, id string, percent int, step string) (*Job, error) {
	return m.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status != state.Processing {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, j.Status)
		}
		if percent > j.Progress {
			j.Progress = percent
		}
		j.Step = step
		return nil
	})
}

func (m *Manager) Complete(ctx context.Context, id string) (*Job, error) {
	return m.Transition(ctx, id, state.Completed, func(j *Job) error {
		j.CompletedAt = timePtr(m.now())
		j.Progress = 100
		j.Step = "Completed"
		j.Error = ""
		return nil
	})
}

// Fail marks a running job as terminally failed.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*Job, error) {
	return m.Transition(ctx, id, state.Failed, func(j *Job) error {
		j.CompletedAt = timePtr(m.now())
		j.Error = reason
		j.Step = ""
		return nil
	})
}

// Cancel fails a job that has not been claimed yet. Running and finished jobs
// are rejected with ErrInvalidTransition. The state machine allows
// PROCESSING -> FAILED for the executor, so cancellation checks PENDING itself.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := m.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status != state.Pending {
			detail := "is running"
			if state.IsTerminal(j.Status) {
				detail = "already finished"
			}
			return fmt.Errorf("%w: job %s %s: %w", ErrInvalidTransition, id, detail,
				&state.TransitionError{From: j.Status, To: state.Failed})
		}
		j.Status = state.Failed
		j.CompletedAt = timePtr(m.now())
		j.Error = CancelReason
		j.RetryAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.kv.ZRem(ctx, m.keys.DelayedQueue(), id); err != nil {
		m.logger.Warn("cancelled job left in delayed set", "job_id", id, "err", err)
	}
	m.logger.Info("job cancelled", "job_id", id)
	return job, nil
}

// ScheduleRetry returns a running job to PENDING and queues it again: straight
// onto the ready queue when delay is zero, otherwise into the delayed set
// scored by the retry time in milliseconds.
func (m *Manager) ScheduleRetry(ctx context.Context, id string, delay time.Duration, reason string) (*Job, error) {
	if delay < 0 {
		delay = 0
	}
	now := m.now()
	retryAt := now.Add(delay).Truncate(time.Millisecond)
	job, err := m.Transition(ctx, id, state.Pending, func(j *Job) error {
		j.RetryAt = timePtr(retryAt)
		j.Error = reason
		j.Progress = 0
		j.Step = fmt.Sprintf("Retrying... (attempt %d/%d)", j.Attempt+1, j.MaxAttempts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if delay == 0 {
		err = m.kv.RPush(ctx, m.keys.ReadyQueue(), id)
	} else {
		err = m.kv.ZAdd(ctx, m.keys.DelayedQueue(), retry.NextScore(now, delay), id)
	}
	if err != nil {
		m.logger.Warn("retry recorded but not queued", "job_id", id, "err", err)
		return job, fmt.Errorf("%w: requeue %s: %w", ErrStoreInconsistency, id, err)
	}
	return job, nil
}

// PopReady waits up to timeout for the next ready job id.
func (m *Manager) PopReady(ctx context.Context, timeout time.Duration) (string, bool, error) {
	id, ok, err := m.kv.BLPop(ctx, m.keys.ReadyQueue(), timeout)
	if err != nil {
		return "", false, fmt.Errorf("pop ready queue: %w", err)
	}
	return id, ok, nil
}

// PromoteDue moves every delayed entry scored at or before now onto the ready
// queue. Each member is claimed by its own removal, so an entry is promoted by
// exactly one caller even when several workers promote concurrently.
func (m *Manager) PromoteDue(ctx context.Context) ([]string, error) {
	due, err := m.kv.ZRangeByScore(ctx, m.keys.DelayedQueue(), float64(m.now().UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("read delayed set: %w", err)
	}
	var promoted []string
	var errs []error
	for _, entry := range due {
		removed, err := m.kv.ZRem(ctx, m.keys.DelayedQueue(), entry.Member)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim delayed %s: %w", entry.Member, err))
			continue
		}
		if !removed {
			continue
		}
		if err := m.kv.RPush(ctx, m.keys.ReadyQueue(), entry.Member); err != nil {
			if zerr := m.kv.ZAdd(ctx, m.keys.DelayedQueue(), entry.Score, entry.Member); zerr != nil {
				m.logger.Warn("delayed job dropped from both queues", "job_id", entry.Member, "err", zerr)
			}
			errs = append(errs, fmt.Errorf("%w: promote %s: %w", ErrStoreInconsistency, entry.Member, err))
			continue
		}
		promoted = append(promoted, entry.Member)
	}
	if len(promoted) > 0 {
		m.logger.Debug("promoted delayed jobs", "count", len(promoted))
	}
	return promoted, errors.Join(errs...)
}
