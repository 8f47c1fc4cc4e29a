package executions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an execution.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"

	// NotFound is reported for ids the registry has never seen. It is never stored.
	NotFound State = "NOT_FOUND"
)

var (
	ErrUnknownExecution  = errors.New("unknown execution")
	ErrTerminalState     = errors.New("execution already in a terminal state")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// ParseState converts a client supplied state name.
func ParseState(raw string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if s.rank() < 0 {
		return "", false
	}
	return s, true
}

// Execution is one triggered run of a named suite.
type Execution struct {
	ID        string    `json:"executionId"`
	Suite     string    `json:"suite"`
	State     State     `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Change describes a successful registry mutation.
type Change struct {
	Execution Execution
	Previous  State
}

// Notifier is invoked after each successful create or transition. It runs
// outside the registry lock.
type Notifier func(Change)

// Registry tracks the lifecycle of every execution created in this process.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*Execution

	now    func() time.Time
	notify Notifier
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithNotifier registers a callback for lifecycle changes.
func WithNotifier(fn Notifier) Option {
	return func(r *Registry) {
		r.notify = fn
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		executions: make(map[string]*Execution),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a fresh execution in the QUEUED state.
func (r *Registry) Create(suite string) Execution {
	now := r.now()
	exec := &Execution{
		ID:        uuid.NewString(),
		Suite:     suite,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.executions[exec.ID] = exec
	snapshot := *exec
	r.mu.Unlock()

	r.emit(Change{Execution: snapshot})
	return snapshot
}

// Transition moves an execution to next. Moves out of a terminal state and
// backwards moves are rejected and leave the stored state untouched.
func (r *Registry) Transition(id string, next State) error {
	if next.rank() < 0 {
		return fmt.Errorf("%w: unknown target state %q", ErrIllegalTransition, next)
	}

	r.mu.Lock()
	exec, ok := r.executions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	current := exec.State
	switch {
	case current == next:
		r.mu.Unlock()
		return nil
	case current.Terminal():
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrTerminalState, id, current, next)
	case next.rank() < current.rank():
		r.mu.Unlock()
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrIllegalTransition, id, current, next)
	}

	exec.State = next
	exec.UpdatedAt = r.now()
	snapshot := *exec
	r.mu.Unlock()

	r.emit(Change{Execution: snapshot, Previous: current})
	return nil
}

// Get returns the current state or NotFound.
func (r *Registry) Get(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	if !ok {
		return NotFound
	}
	return exec.State
}

// Lookup returns a copy of the execution record.
func (r *Registry) Lookup(id string) (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// List returns every execution ordered by creation time.
func (r *Registry) List() []Execution {
	r.mu.RLock()
	out := make([]Execution, 0, len(r.executions))
	for _, exec := range r.executions {
		out = append(out, *exec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) emit(change Change) {
	if r.notify != nil {
		r.notify(change)
	}
}
