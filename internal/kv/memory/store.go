package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"docproc/internal/kv"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Store is an in-process implementation of kv.Store. It keeps the same per-key
// atomicity as the Redis backend by serialising every call on one mutex.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]entry
	zsets   map[string]map[string]float64
	lists   map[string][]string
	pushed  chan struct{}
}

var _ kv.Store = (*Store)(nil)

type Option func(*Store)

// WithClock replaces time.Now for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		strings: make(map[string]entry),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		pushed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup must be called with mu held.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.strings[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.strings, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != old {
		return false, nil
	}
	expiresAt := e.expiresAt
	if ttl > 0 {
		expiresAt = s.expiry(ttl)
	}
	s.strings[key] = entry{value: value, expiresAt: expiresAt}
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.lists, key)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, fmt.Errorf("incr %s: ttl must be positive", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	var count int64
	if ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		count = n
	}
	count++
	if !ok || e.expiresAt.IsZero() {
		e.expiresAt = s.expiry(ttl)
	}
	e.value = strconv.FormatInt(count, 10)
	s.strings[key] = e
	return count, e.expiresAt.Sub(s.now()), nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, max float64) ([]kv.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kv.ScoredMember
	for member, score := range s.zsets[key] {
		if score <= max {
			out = append(out, kv.ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out, nil
}

func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for member, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], member)
			n++
		}
	}
	return n, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	close(s.pushed)
	s.pushed = make(chan struct{})
	return nil
}

func (s *Store) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if list := s.lists[key]; len(list) > 0 {
			value := list[0]
			s.lists[key] = list[1:]
			s.mu.Unlock()
			return value, true, nil
		}
		pushed := s.pushed
		s.mu.Unlock()

		select {
		case <-pushed:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}
