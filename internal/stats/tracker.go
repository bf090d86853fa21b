// internal/stats/tracker.go
package stats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/autotap/api/schemas"
)

var (
	ErrInvalidArgument = schemas.NewTypedError(schemas.ErrorTypeInvalidArgument, errors.New("invalid argument"))
	ErrNotInitialized  = schemas.NewTypedError(schemas.ErrorTypeNotInitialized, errors.New("stats not initialized"))
	ErrNoActiveStats   = schemas.NewTypedError(schemas.ErrorTypeNoActiveStats, errors.New("no active stats"))
)

// Update is a partial stats change. Nil fields are left as they are.
type Update struct {
	AlreadyProcessedCount *int
	NewlyProcessedCount   *int
	Error                 *bool
	ErrorMessage          *string
}

// Tracker owns the counters of the current run. All methods are safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	cur *schemas.RunStats
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Initialize starts a fresh record, discarding any previous one.
func (t *Tracker) Initialize(runID string, start time.Time) error {
	if start.IsZero() || start.UnixMilli() <= 0 {
		return fmt.Errorf("%w: start time must be positive, got %v", ErrInvalidArgument, start)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = &schemas.RunStats{RunID: runID, StartTime: start}
	return nil
}

// Update merges u into the current record. Counts may neither go negative nor
// decrease; the record is untouched when u is rejected. TotalCount is recomputed.
func (t *Tracker) Update(u Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return ErrNotInitialized
	}

	already, newly := t.cur.AlreadyProcessedCount, t.cur.NewlyProcessedCount
	if u.AlreadyProcessedCount != nil {
		if err := checkCount("alreadyProcessedCount", already, *u.AlreadyProcessedCount); err != nil {
			return err
		}
		already = *u.AlreadyProcessedCount
	}
	if u.NewlyProcessedCount != nil {
		if err := checkCount("newlyProcessedCount", newly, *u.NewlyProcessedCount); err != nil {
			return err
		}
		newly = *u.NewlyProcessedCount
	}

	t.cur.AlreadyProcessedCount = already
	t.cur.NewlyProcessedCount = newly
	t.cur.TotalCount = already + newly
	if u.Error != nil {
		t.cur.Error = *u.Error
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		t.cur.ErrorMessage = &msg
	}
	return nil
}

func checkCount(name string, old, next int) error {
	if next < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidArgument, name, next)
	}
	if next < old {
		return fmt.Errorf("%w: %s must not decrease (%d -> %d)", ErrInvalidArgument, name, old, next)
	}
	return nil
}

// IncrementAlready adds one to alreadyProcessedCount.
func (t *Tracker) IncrementAlready() error {
	return t.incr(func(s *schemas.RunStats) { s.AlreadyProcessedCount++ })
}

// IncrementNewly adds one to newlyProcessedCount.
func (t *Tracker) IncrementNewly() error {
	return t.incr(func(s *schemas.RunStats) { s.NewlyProcessedCount++ })
}

func (t *Tracker) incr(f func(*schemas.RunStats)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return ErrNotInitialized
	}
	f(t.cur)
	t.cur.TotalCount = t.cur.AlreadyProcessedCount + t.cur.NewlyProcessedCount
	return nil
}

// Finalize sets the end time and duration of the current record.
func (t *Tracker) Finalize(end time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return ErrNoActiveStats
	}
	if end.IsZero() || end.Before(t.cur.StartTime) {
		return fmt.Errorf("%w: end time %v is before start time %v", ErrInvalidArgument, end, t.cur.StartTime)
	}
	e := end
	t.cur.EndTime = &e
	t.cur.Duration = end.Sub(t.cur.StartTime)
	return nil
}

// Stats returns a copy of the current record. The bool is false when none exists.
func (t *Tracker) Stats() (schemas.RunStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return schemas.RunStats{}, false
	}
	snap := *t.cur
	if t.cur.EndTime != nil {
		e := *t.cur.EndTime
		snap.EndTime = &e
	}
	if t.cur.ErrorMessage != nil {
		m := *t.cur.ErrorMessage
		snap.ErrorMessage = &m
	}
	return snap, true
}

// Clear discards the current record. Safe with none.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.cur = nil
	t.mu.Unlock()
}

// Helpers for building Update fields inline.
func Int(v int) *int          { return &v }
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
