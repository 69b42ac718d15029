package retry

import (
	"errors"
	"time"
)

// Policy is an ascending sequence of retry delays plus the attempt bound.
// Delays[i] is the wait before attempt i+2.
type Policy struct {
	Delays      []time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Delays:      []time.Duration{0, 30 * time.Second, 60 * time.Second},
		MaxAttempts: 3,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if len(p.Delays) == 0 {
		return errors.New("retry delays must not be empty")
	}
	for i, d := range p.Delays {
		if d < 0 {
			return errors.New("retry delays must not be negative")
		}
		if i > 0 && d < p.Delays[i-1] {
			return errors.New("retry delays must be ascending")
		}
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based). Attempts past
// the end of the sequence reuse its last value.
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if attempt < 1 {
		return 0, errors.New("attempt must be >= 1")
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx], nil
}

// Exhausted reports whether no attempts remain after the given one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextScore is the delayed-set score for a retry: the due time in Unix milliseconds.
func NextScore(now time.Time, delay time.Duration) float64 {
	return float64(now.Add(delay).UnixMilli())
}
