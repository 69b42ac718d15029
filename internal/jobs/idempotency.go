package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CreateJobOnce creates at most one job per idempotency key while the key's
// record lives, and reports whether this call created it. A repeated key
// returns the first job. An empty key always creates.
//
// The job record is written before the key is reserved, so a key never points
// at a job that does not exist yet. Only the caller that wins the reservation
// enqueues its job; losers discard their record and return the winner's job.
func (m *Manager) CreateJobOnce(ctx context.Context, key string, req NewJob) (*Job, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		job, err := m.CreateJob(ctx, req)
		return job, err == nil, err
	}

	job, err := m.newJob(req)
	if err != nil {
		return nil, false, err
	}
	if err := m.save(ctx, job); err != nil {
		return nil, false, err
	}

	existing, err := m.reserve(ctx, m.keys.Idempotency(key), job.ID)
	if err != nil {
		m.discard(ctx, job.ID)
		return nil, false, err
	}
	if existing != nil {
		m.discard(ctx, job.ID)
		return existing, false, nil
	}
	if err := m.enqueue(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// reserve points idemKey at id unless it already names a live job, which is
// returned instead. A key whose job expired is taken over with a
// compare-and-swap so only one caller can replace it.
func (m *Manager) reserve(ctx context.Context, idemKey, id string) (*Job, error) {
	for i := 0; i < maxCASRetries; i++ {
		won, err := m.kv.SetNX(ctx, idemKey, id, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if won {
			return nil, nil
		}

		current, found, err := m.kv.Get(ctx, idemKey)
		if err != nil {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if !found {
			continue
		}
		job, err := m.GetJob(ctx, current)
		switch {
		case err == nil:
			return job, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}

		// the job expired ahead of its key
		swapped, err := m.kv.CompareAndSwap(ctx, idemKey, current, id, m.ttl)
		if err != nil {
			return nil, fmt.Errorf("replace idempotency key: %w", err)
		}
		if swapped {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %s", ErrConflict, idemKey)
}
