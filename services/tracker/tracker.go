package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"qaharness/pkg/bus"
	"qaharness/pkg/metrics"
	"qaharness/services/artifacts"
	"qaharness/services/executions"
	"qaharness/services/reports"
	"qaharness/services/results"
	"qaharness/services/suites"
)

var (
	ErrUnknownExecution = errors.New("unknown execution")
	ErrExecutionClosed  = errors.New("execution no longer accepts outcomes")
	ErrInvalidStatus    = errors.New("invalid outcome status")
	ErrSuiteRequired    = errors.New("suite is required")
)

// SuiteLoader resolves a suite name to its definition.
type SuiteLoader interface {
	Load(name string) (suites.Suite, error)
}

// Runner executes a suite and reports each finished case to sink.
type Runner interface {
	Run(ctx context.Context, executionID string, s suites.Suite, maxParallel int, sink results.Sink) error
}

// Persister stores outcomes durably. Implementations must not fail the caller.
type Persister interface {
	Persist(ctx context.Context, outcome results.TestOutcome)
}

// Mirror copies a finished execution's reports and evidence elsewhere.
type Mirror interface {
	MirrorExecution(ctx context.Context, set reports.Set) error
}

// Config wires a Tracker. Persister, Publisher and Mirror are optional.
type Config struct {
	Registry   *executions.Registry
	Collector  *results.Collector
	Artifacts  *artifacts.Store
	Generator  *reports.Generator
	ReportsDir string
	Loader     SuiteLoader
	Runner     Runner

	Persister Persister
	Publisher bus.Publisher
	Mirror    Mirror
	Logger    zerolog.Logger

	// BaseContext bounds every background run. Defaults to context.Background.
	BaseContext context.Context
}

// Tracker drives executions from trigger to terminal state and is the
// outcome Sink handed to test engines.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	mu       sync.RWMutex
	closed   bool
	external bool
	done     chan struct{}
}

// RunOption customises a single execution.
type RunOption func(*runOptions)

type runOptions struct {
	maxParallel int
	external    bool
}

// WithMaxParallel overrides the suite's worker count for one execution.
func WithMaxParallel(n int) RunOption {
	return func(o *runOptions) {
		o.maxParallel = n
	}
}

// External hands the execution to an outside test engine. The suite is not
// loaded or run; the execution goes straight to RUNNING, accepts outcomes
// through Record and ends on Finish.
func External() RunOption {
	return func(o *runOptions) {
		o.external = true
	}
}

// New validates cfg and returns a Tracker.
func New(cfg Config) (*Tracker, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("registry is required")
	case cfg.Collector == nil:
		return nil, errors.New("collector is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case cfg.Generator == nil:
		return nil, errors.New("report generator is required")
	case cfg.ReportsDir == "":
		return nil, errors.New("reports directory is required")
	case cfg.Loader == nil:
		return nil, errors.New("suite loader is required")
	case cfg.Runner == nil:
		return nil, errors.New("runner is required")
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "tracker").Logger(),
		runs:   make(map[string]*run),
	}, nil
}

// Registry exposes the lifecycle registry for read-only callers.
func (t *Tracker) Registry() *executions.Registry {
	return t.cfg.Registry
}

// Start creates a QUEUED execution and runs it in the background. With
// External the execution is left RUNNING for its engine to report into.
func (t *Tracker) Start(_ context.Context, suite string, opts ...RunOption) (executions.Execution, error) {
	suite = strings.TrimSpace(suite)
	if suite == "" {
		return executions.Execution{}, ErrSuiteRequired
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	exec := t.cfg.Registry.Create(suite)
	r := &run{done: make(chan struct{}), external: o.external}

	t.mu.Lock()
	t.runs[exec.ID] = r
	t.mu.Unlock()

	if o.external {
		if err := t.cfg.Registry.Transition(exec.ID, executions.StateRunning); err != nil {
			t.close(r)
			t.release(exec.ID, r)
			return executions.Execution{}, err
		}
		exec, _ = t.cfg.Registry.Lookup(exec.ID)
		t.logger.Info().Str("execution_id", exec.ID).Str("suite", suite).Msg("external execution running")
		return exec, nil
	}

	t.logger.Info().Str("execution_id", exec.ID).Str("suite", suite).Msg("execution queued")

	go t.execute(t.cfg.BaseContext, exec, r, o)
	return exec, nil
}

// Wait blocks until executionID has ended. It reports false for executions
// this tracker does not know and when ctx ends first.
func (t *Tracker) Wait(ctx context.Context, executionID string) bool {
	r, ok := t.lookup(executionID)
	if !ok {
		return t.cfg.Registry.Get(executionID).Terminal()
	}
	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) lookup(executionID string) (*run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[executionID]
	return r, ok
}

// release wakes waiters and forgets r once its execution is terminal.
// Later outcomes for the id are answered from the registry.
func (t *Tracker) release(executionID string, r *run) {
	close(r.done)
	if !t.cfg.Registry.Get(executionID).Terminal() {
		return
	}
	t.mu.Lock()
	if t.runs[executionID] == r {
		delete(t.runs, executionID)
	}
	t.mu.Unlock()
}

func (t *Tracker) execute(ctx context.Context, exec executions.Execution, r *run, o runOptions) {
	defer t.release(exec.ID, r)

	log := t.logger.With().Str("execution_id", exec.ID).Str("suite", exec.Suite).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("execution aborted")
			metrics.RecordError("tracker", "panic")
			t.finalize(ctx, exec.ID, executions.StateFailed)
			if !t.cfg.Registry.Get(exec.ID).Terminal() {
				t.transition(exec.ID, executions.StateFailed)
			}
		}
	}()

	s, err := t.cfg.Loader.Load(exec.Suite)
	if err != nil {
		log.Error().Err(err).Msg("load suite")
		metrics.RecordError("tracker", "suite_unreadable")
		t.close(r)
		t.transition(exec.ID, executions.StateFailed)
		return
	}

	if err := t.cfg.Registry.Transition(exec.ID, executions.StateRunning); err != nil {
		log.Error().Err(err).Msg("start execution")
		return
	}
	log.Info().Int("cases", len(s.Cases)).Msg("execution running")

	if err := t.cfg.Runner.Run(ctx, exec.ID, s, o.maxParallel, t); err != nil {
		log.Error().Err(err).Msg("run suite")
		metrics.RecordError("tracker", "runner")
		t.finalize(ctx, exec.ID, executions.StateFailed)
		return
	}

	t.finalize(ctx, exec.ID, executions.StateCompleted)
}

// Finish closes executionID to new outcomes, writes its report set and marks
// it COMPLETED.
func (t *Tracker) Finish(ctx context.Context, executionID string) error {
	state := t.cfg.Registry.Get(executionID)
	switch {
	case state == executions.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	case state.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrExecutionClosed, executionID, state)
	}
	if !t.finalize(ctx, executionID, executions.StateCompleted) {
		return fmt.Errorf("%w: %s is already finishing", ErrExecutionClosed, executionID)
	}
	return nil
}

// finalize reports whether this call closed the execution. A missing run was
// released by an earlier finalize.
func (t *Tracker) finalize(ctx context.Context, executionID string, final executions.State) bool {
	r, ok := t.lookup(executionID)
	if !ok || !t.close(r) {
		return false
	}

	log := t.logger.With().Str("execution_id", executionID).Logger()

	rows := t.cfg.Collector.Snapshot(executionID)
	if malformed := t.cfg.Collector.Malformed(executionID); len(malformed) > 0 {
		log.Warn().Strs("test_case_ids", malformed).Msg("outcomes with end before start were clamped")
	}

	set, err := t.cfg.Generator.Render(executionID, rows)
	for _, f := range reports.Formats() {
		var renderErr error
		if set.Bytes(f) == nil {
			renderErr = err
		}
		metrics.RecordReport(string(f), "render", renderErr)
	}
	if err != nil {
		log.Error().Err(err).Msg("render reports")
	}

	if err := reports.WriteSet(t.cfg.ReportsDir, set); err != nil {
		metrics.RecordReport("set", "write", err)
		log.Error().Err(err).Msg("write reports")
	} else {
		metrics.RecordReport("set", "write", nil)
	}

	if t.cfg.Mirror != nil {
		if err := t.cfg.Mirror.MirrorExecution(ctx, set); err != nil {
			log.Warn().Err(err).Msg("mirror execution")
		}
	}

	t.cfg.Collector.Discard(executionID)
	t.transition(executionID, final)
	log.Info().Int("outcomes", len(rows)).Str("state", string(final)).Msg("execution finished")

	if r.external {
		t.release(executionID, r)
	}
	return true
}

// close stops r from accepting outcomes and reports whether this call did so.
func (t *Tracker) close(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	return true
}

func (t *Tracker) transition(executionID string, next executions.State) {
	if err := t.cfg.Registry.Transition(executionID, next); err != nil {
		t.logger.Error().Err(err).Str("execution_id", executionID).Str("state", string(next)).Msg("transition")
	}
}
