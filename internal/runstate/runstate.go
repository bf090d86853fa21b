// internal/runstate/runstate.go
package runstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
)

// State is a script lifecycle state.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Stopped  State = "stopped"
	Error    State = "error"
)

// ErrInvalidTransition is returned by SetState for an edge not in the transition table.
var ErrInvalidTransition = schemas.NewTypedError(schemas.ErrorTypeInvalidTransition, errors.New("invalid state transition"))

// transitions is the allowed-successor table.
var transitions = map[State][]State{
	Idle:     {Starting},
	Starting: {Running, Error, Stopped},
	Running:  {Stopping, Error},
	Stopping: {Stopped, Error},
	Stopped:  {Idle},
	Error:    {Idle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// States returns every state in declaration order.
func States() []State {
	return []State{Idle, Starting, Running, Stopping, Stopped, Error}
}

// Change is delivered to observers after every successful transition.
type Change struct {
	Old       State
	New       State
	Timestamp time.Time
}

// Observer receives state changes synchronously, on the goroutine that called SetState.
type Observer func(Change)

// FinishRecorder persists the time a run reached a terminal state.
type FinishRecorder interface {
	RecordRunFinished(ctx context.Context, at time.Time) error
}

// Machine is the single source of truth for whether automation is running in a content context.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers map[uint64]Observer
	nextID    uint64

	recorder FinishRecorder
	logger   *zap.Logger
	now      func() time.Time
	persists sync.WaitGroup
}

// Option configures a Machine.
type Option func(*Machine)

// WithRecorder persists last-run-finished-at on entry to Stopped or Error.
func WithRecorder(r FinishRecorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a Machine in the Idle state.
func New(logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		state:     Idle,
		observers: make(map[uint64]Observer),
		logger:    logger.Named("runstate"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetState moves to next if the edge is allowed, then notifies observers in
// registration-independent order. A rejected transition leaves the state unchanged.
func (m *Machine) SetState(next State) error {
	m.mu.Lock()
	old := m.state
	if !CanTransition(old, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
	}
	m.state = next
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	change := Change{Old: old, New: next, Timestamp: m.now()}
	m.logger.Debug("State changed", zap.String("from", string(old)), zap.String("to", string(next)))

	for _, o := range observers {
		o(change)
	}
	if next == Stopped || next == Error {
		m.persistFinished(change.Timestamp)
	}
	return nil
}

// persistFinished is fire-and-forget; failures are only logged.
func (m *Machine) persistFinished(at time.Time) {
	if m.recorder == nil {
		return
	}
	m.persists.Add(1)
	go func() {
		defer m.persists.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.recorder.RecordRunFinished(ctx, at); err != nil {
			m.logger.Warn("Failed to persist last run finish time", zap.Error(err))
		}
	}()
}

// Flush waits for in-flight persistence to finish.
func (m *Machine) Flush() {
	m.persists.Wait()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRunning is true in Starting and Running. Start requests are rejected while it holds.
func (m *Machine) IsRunning() bool {
	s := m.State()
	return s == Starting || s == Running
}

// CanStart is true only in Idle.
func (m *Machine) CanStart() bool {
	return m.State() == Idle
}

// Subscribe registers o and returns a func that removes it.
func (m *Machine) Subscribe(o Observer) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = o
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}
