package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docproc/internal/keyspace"
	"docproc/internal/kv"
	redisstore "docproc/internal/kv/redis"
	"docproc/internal/state"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	mr      *miniredis.Miniredis
	store   *redisstore.Store
	keys    keyspace.Namespace
	clock   *testClock
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	keys := keyspace.New("test")
	var seq atomic.Int64
	manager := NewManager(store, keys,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			return fmt.Sprintf("job-%d", seq.Add(1))
		}),
	)
	return &fixture{mr: mr, store: store, keys: keys, clock: clock, manager: manager}
}

func (f *fixture) create(t *testing.T) *Job {
	t.Helper()
	job, err := f.manager.CreateJob(context.Background(), NewJob{
		DocumentID:     "doc-1",
		SystemPromptID: "sys-1",
		CustomPromptID: "custom-1",
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) ready(t *testing.T) []string {
	t.Helper()
	if !f.mr.Exists(f.keys.ReadyQueue()) {
		return nil
	}
	list, err := f.mr.List(f.keys.ReadyQueue())
	require.NoError(t, err)
	return list
}

func (f *fixture) delayed(t *testing.T) []string {
	t.Helper()
	if !f.mr.Exists(f.keys.DelayedQueue()) {
		return nil
	}
	members, err := f.mr.ZMembers(f.keys.DelayedQueue())
	require.NoError(t, err)
	return members
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t)
	job := f.create(t)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, state.Pending, job.Status)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, []string{"job-1"}, f.ready(t))
	assert.Equal(t, keyspace.JobTTL, f.mr.TTL(f.keys.Job("job-1")))

	got, err := f.manager.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.True(t, got.CreatedAt.Equal(f.clock.now))
}

func TestCreateJobRejectsMissingReferences(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CreateJob(context.Background(), NewJob{DocumentID: "doc-1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, f.ready(t))
}

func TestGetJobExpired(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.mr.FastForward(25 * time.Hour)

	_, err := f.manager.GetJob(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobUnknownStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set(f.keys.Job("job-x"), `{"job_id":"job-x","status":"dlq"}`))

	_, err := f.manager.GetJob(context.Background(), "job-x")
	require.ErrorIs(t, err, ErrStoreInconsistency)
}

func TestUpdateJobDoesNotResurrect(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.mr.FastForward(25 * time.Hour)

	_, err := f.manager.UpdateJob(context.Background(), "job-1", func(j *Job) error {
		j.Error = "late write"
		return nil
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists(f.keys.Job("job-1")))
}

func TestUpdateJobRefreshesTTL(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.mr.FastForward(20 * time.Hour)

	_, err := f.manager.SetProgress(context.Background(), "job-1", 10, "Reading document...")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.manager.Claim(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, keyspace.JobTTL, f.mr.TTL(f.keys.Job("job-1")))
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	job, err := f.manager.Claim(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Processing, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.StartedAt)

	_, err = f.manager.Claim(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var terr *state.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, state.Processing, terr.From)
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	job, err := f.manager.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Failed, job.Status)
	assert.Contains(t, strings.ToLower(job.Error), "cancel")

	_, err = f.manager.Claim(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelProcessingIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	_, err := f.manager.Claim(context.Background(), "job-1")
	require.NoError(t, err)

	_, err = f.manager.Cancel(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var terr *state.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, state.Processing, terr.From)

	job, err := f.manager.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Processing, job.Status)
	assert.Empty(t, job.Error)

	done, err := f.manager.Complete(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Completed, done.Status)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, err := f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.manager.Fail(ctx, "job-1", "boom")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.manager.ScheduleRetry(ctx, "job-1", 0, "boom")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.manager.Cancel(ctx, "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	job, err := f.manager.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Completed, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestScheduleRetryImmediate(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, _, err := f.manager.PopReady(ctx, time.Second)
	require.NoError(t, err)
	_, err = f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	job, err := f.manager.ScheduleRetry(ctx, "job-1", 0, "transient")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, job.Status)
	assert.Equal(t, "transient", job.Error)
	require.NotNil(t, job.RetryAt)
	assert.True(t, job.RetryAt.After(job.CreatedAt))
	assert.Equal(t, []string{"job-1"}, f.ready(t))
	assert.Empty(t, f.delayed(t))
}

func TestScheduleRetryDelayed(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, _, err := f.manager.PopReady(ctx, time.Second)
	require.NoError(t, err)
	_, err = f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)

	job, err := f.manager.ScheduleRetry(ctx, "job-1", 30*time.Second, "transient")
	require.NoError(t, err)
	assert.Empty(t, f.ready(t))
	assert.Equal(t, []string{"job-1"}, f.delayed(t))

	score, err := f.mr.ZScore(f.keys.DelayedQueue(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(job.RetryAt.UnixMilli()), score)
	assert.Equal(t, "Retrying... (attempt 2/3)", job.Step)
}

func TestClaimBeforeDueIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, err := f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, err = f.manager.ScheduleRetry(ctx, "job-1", time.Minute, "transient")
	require.NoError(t, err)

	_, err = f.manager.Claim(ctx, "job-1")
	require.ErrorIs(t, err, ErrNotDue)

	f.clock.Advance(time.Minute)
	job, err := f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
	assert.Nil(t, job.RetryAt)
}

func TestPromoteDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		f.create(t)
	}
	for i := 0; i < 2; i++ {
		_, _, err := f.manager.PopReady(ctx, time.Second)
		require.NoError(t, err)
	}
	for _, id := range []string{"job-1", "job-2"} {
		_, err := f.manager.Claim(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.manager.ScheduleRetry(ctx, "job-1", 30*time.Second, "x")
	require.NoError(t, err)
	_, err = f.manager.ScheduleRetry(ctx, "job-2", 60*time.Second, "x")
	require.NoError(t, err)

	promoted, err := f.manager.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	f.clock.Advance(30 * time.Second)
	promoted, err = f.manager.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, promoted)
	assert.Equal(t, []string{"job-1"}, f.ready(t))
	assert.Equal(t, []string{"job-2"}, f.delayed(t))

	again, err := f.manager.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPromoteDueConcurrentPromotersNeverDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, f.store.ZAdd(ctx, f.keys.DelayedQueue(), float64(f.clock.now.UnixMilli()), fmt.Sprintf("job-%d", i)))
	}

	results := make(chan []string, 4)
	for i := 0; i < 4; i++ {
		go func() {
			ids, _ := f.manager.PromoteDue(ctx)
			results <- ids
		}()
	}
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		for _, id := range <-results {
			seen[id]++
		}
	}
	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s promoted more than once", id)
	}
	assert.Len(t, f.ready(t), 20)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, err := f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)
	_, err = f.manager.ScheduleRetry(ctx, "job-1", time.Minute, "x")
	require.NoError(t, err)

	job, err := f.manager.Trigger(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, state.Processing, job.Status)
	assert.Empty(t, f.delayed(t))

	_, err = f.manager.Trigger(ctx, "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTriggerRestoresDelayedEntryWhenClaimFails(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	_, err := f.manager.Claim(ctx, "job-1")
	require.NoError(t, err)
	retried, err := f.manager.ScheduleRetry(ctx, "job-1", time.Minute, "x")
	require.NoError(t, err)
	_, err = f.manager.UpdateJob(ctx, "job-1", func(j *Job) error {
		j.Attempt = j.MaxAttempts
		return nil
	})
	require.NoError(t, err)

	_, err = f.manager.Trigger(ctx, "job-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []string{"job-1"}, f.delayed(t))
	score, err := f.mr.ZScore(f.keys.DelayedQueue(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(retried.RetryAt.UnixMilli()), score)
}

func TestTriggerUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Trigger(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptNeverExceedsMax(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.manager.Claim(ctx, "job-1")
		require.NoError(t, err)
		if i < 2 {
			_, err = f.manager.ScheduleRetry(ctx, "job-1", 0, "x")
			require.NoError(t, err)
		}
	}
	job, err := f.manager.Fail(ctx, "job-1", "failed after 3 attempts: x")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempt)
	assert.LessOrEqual(t, job.Attempt, job.MaxAttempts)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	_, err := f.manager.CreateJob(context.Background(), NewJob{
		DocumentID:     "doc-1",
		SystemPromptID: "sys-1",
		CustomPromptID: "custom-1",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kv.ErrUnavailable))
}
