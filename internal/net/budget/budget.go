package budget

import (
	"fmt"
	"sync"
	"time"
)

// BudgetExhaustedError is returned when the rolling budget has no room left
type BudgetExhaustedError struct {
	Name  string
	Used  int
	Limit int
	ETA   time.Time // when the oldest call leaves the window
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d calls used, next slot at %s",
		e.Name, e.Used, e.Limit, e.ETA.UTC().Format("15:04:05 UTC"))
}

// Rolling caps the number of calls in any window of the given period,
// e.g. replies per rolling 24 hours.
type Rolling struct {
	mu     sync.Mutex
	name   string
	limit  int
	period time.Duration
	calls  []time.Time // ascending
}

// NewRolling creates a rolling budget of limit calls per period
func NewRolling(name string, limit int, period time.Duration) *Rolling {
	return &Rolling{name: name, limit: limit, period: period}
}

func (r *Rolling) prune(now time.Time) {
	cutoff := now.Add(-r.period)
	i := 0
	for i < len(r.calls) && !r.calls[i].After(cutoff) {
		i++
	}
	r.calls = r.calls[i:]
}

// Allow reports whether a call at now fits in the budget
func (r *Rolling) Allow(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	if len(r.calls) >= r.limit {
		return &BudgetExhaustedError{
			Name:  r.name,
			Used:  len(r.calls),
			Limit: r.limit,
			ETA:   r.calls[0].Add(r.period),
		}
	}
	return nil
}

// Consume records a call made at now
func (r *Rolling) Consume(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	r.calls = append(r.calls, now)
}

// Stats returns current budget statistics
func (r *Rolling) Stats(now time.Time) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	s := Stats{
		Name:      r.name,
		Limit:     r.limit,
		Used:      len(r.calls),
		Remaining: r.limit - len(r.calls),
		Period:    r.period,
	}
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	if len(r.calls) > 0 {
		s.OldestExpires = r.calls[0].Add(r.period)
	}
	return s
}

// Stats represents rolling budget statistics
type Stats struct {
	Name          string        `json:"name"`
	Limit         int           `json:"limit"`
	Used          int           `json:"used"`
	Remaining     int           `json:"remaining"`
	Period        time.Duration `json:"period"`
	OldestExpires time.Time     `json:"oldest_expires,omitempty"`
}

// IsExhausted reports whether no call would be allowed
func (s *Stats) IsExhausted() bool {
	return s.Remaining == 0
}
