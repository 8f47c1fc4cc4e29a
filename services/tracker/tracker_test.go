package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaharness/services/artifacts"
	"qaharness/services/executions"
	"qaharness/services/reports"
	"qaharness/services/results"
	"qaharness/services/suites"
)

type loaderFunc func(name string) (suites.Suite, error)

func (f loaderFunc) Load(name string) (suites.Suite, error) { return f(name) }

type runnerFunc func(ctx context.Context, executionID string, s suites.Suite, sink results.Sink) error

func (f runnerFunc) Run(ctx context.Context, executionID string, s suites.Suite, _ int, sink results.Sink) error {
	return f(ctx, executionID, s, sink)
}

type memPersister struct {
	mu       sync.Mutex
	outcomes []results.TestOutcome
}

func (p *memPersister) Persist(_ context.Context, o results.TestOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
}

type memPublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (p *memPublisher) Publish(_ context.Context, subj string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	return p.err
}

func (p *memPublisher) count(subj string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subj {
			n++
		}
	}
	return n
}

type memMirror struct {
	mu   sync.Mutex
	sets []reports.Set
}

func (m *memMirror) MirrorExecution(_ context.Context, set reports.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = append(m.sets, set)
	return errors.New("bucket unavailable")
}

type fixture struct {
	tracker   *Tracker
	registry  *executions.Registry
	collector *results.Collector
	persister *memPersister
	publisher *memPublisher
	mirror    *memMirror
	reports   string
	artifacts string
}

func newFixture(t *testing.T, loader SuiteLoader, runner Runner) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		collector: results.NewCollector(),
		persister: &memPersister{},
		publisher: &memPublisher{},
		mirror:    &memMirror{},
		reports:   filepath.Join(root, "reports"),
		artifacts: filepath.Join(root, "artifacts"),
	}
	f.registry = executions.NewRegistry(executions.WithNotifier(LifecycleNotifier(f.publisher, nil, zerolog.Nop())))

	store, err := artifacts.NewStore(f.artifacts)
	require.NoError(t, err)
	gen, err := reports.NewGenerator(time.UTC)
	require.NoError(t, err)

	f.tracker, err = New(Config{
		Registry:   f.registry,
		Collector:  f.collector,
		Artifacts:  store,
		Generator:  gen,
		ReportsDir: f.reports,
		Loader:     loader,
		Runner:     runner,
		Persister:  f.persister,
		Publisher:  f.publisher,
		Mirror:     f.mirror,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func staticLoader(s suites.Suite) SuiteLoader {
	return loaderFunc(func(name string) (suites.Suite, error) {
		s.Name = name
		return s, nil
	})
}

func (f *fixture) startAndWait(t *testing.T, suite string) executions.Execution {
	t.Helper()
	exec, err := f.tracker.Start(context.Background(), suite)
	require.NoError(t, err)
	assert.Equal(t, executions.StateQueued, exec.State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, f.tracker.Wait(ctx, exec.ID), "run did not finish")
	return exec
}

func readReport(t *testing.T, dir, executionID, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, executionID, name))
	require.NoError(t, err)
	return string(data)
}

func TestRoundTripScenario(t *testing.T) {
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := runnerFunc(func(ctx context.Context, id string, s suites.Suite, sink results.Sink) error {
		events := []results.Event{
			{TestCaseID: "t1", Suite: s.Name, Status: results.StatusPassed, StartTime: start, EndTime: start.Add(time.Second)},
			{TestCaseID: "t2", Suite: s.Name, Status: results.StatusFailed, StartTime: start.Add(time.Second), EndTime: start.Add(2 * time.Second),
				ErrorMessage: "boom", Screenshot: []byte("\x89PNG"), RequestPayload: `{"q":1}`, ResponsePayload: `{"err":true}`},
			{TestCaseID: "t3", Suite: s.Name, Status: results.StatusSkipped, StartTime: start.Add(2 * time.Second), EndTime: start.Add(2 * time.Second)},
		}
		var wg sync.WaitGroup
		for _, ev := range events {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, sink.Record(ctx, id, ev))
			}()
		}
		wg.Wait()
		return nil
	})

	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "smoke")

	assert.Equal(t, executions.StateCompleted, f.registry.Get(exec.ID))

	html := readReport(t, f.reports, exec.ID, "report.html")
	assert.Equal(t, 3, strings.Count(html, "<tr class="))

	csv := readReport(t, f.reports, exec.ID, "report.csv")
	assert.Len(t, strings.Split(strings.TrimRight(csv, "\n"), "\n"), 4)
	assert.Contains(t, csv, fmt.Sprintf("artifacts/%s/t2/screenshot.png", exec.ID))

	junit := readReport(t, f.reports, exec.ID, "junit-report.xml")
	assert.Equal(t, 1, strings.Count(junit, "<failure"))

	for _, name := range []string{"screenshot.png", "request.json", "response.json"} {
		_, err := os.Stat(filepath.Join(f.artifacts, exec.ID, "t2", name))
		assert.NoError(t, err, name)
	}
	for _, tc := range []string{"t1", "t3"} {
		_, err := os.Stat(filepath.Join(f.artifacts, exec.ID, tc))
		assert.True(t, os.IsNotExist(err), "no evidence for %s", tc)
	}

	assert.Len(t, f.persister.outcomes, 3)
	assert.Equal(t, 3, f.publisher.count("qaharness.outcomes.recorded"))
	assert.Equal(t, 1, f.publisher.count("qaharness.executions.created"))
	assert.Equal(t, 2, f.publisher.count("qaharness.executions.transitioned"))
	require.Len(t, f.mirror.sets, 1, "mirror failure is not fatal")
	assert.Equal(t, exec.ID, f.mirror.sets[0].ExecutionID)
	assert.Zero(t, f.collector.Len(exec.ID), "result set discarded after reports")
}

func TestRecordAfterFinishIsRejected(t *testing.T) {
	runner := runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error {
		return nil
	})
	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "smoke")

	sinkErr := f.tracker.Record(context.Background(), exec.ID, results.Event{TestCaseID: "late", Status: results.StatusPassed})
	assert.ErrorIs(t, sinkErr, ErrExecutionClosed)
	assert.ErrorIs(t, f.tracker.Finish(context.Background(), exec.ID), ErrExecutionClosed)
}

func TestSuiteUnreadableFailsImmediately(t *testing.T) {
	ran := false
	loader := loaderFunc(func(name string) (suites.Suite, error) {
		return suites.Suite{}, fmt.Errorf("%w: no definition for %q", suites.ErrSuiteUnreadable, name)
	})
	runner := runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error {
		ran = true
		return nil
	})

	f := newFixture(t, loader, runner)
	exec := f.startAndWait(t, "ghost")

	assert.Equal(t, executions.StateFailed, f.registry.Get(exec.ID))
	assert.False(t, ran)
	assert.Zero(t, f.collector.Len(exec.ID))
	_, err := os.Stat(filepath.Join(f.reports, exec.ID))
	assert.True(t, os.IsNotExist(err), "no reports for a suite that never started")

	err = f.tracker.Record(context.Background(), exec.ID, results.Event{TestCaseID: "x", Status: results.StatusPassed})
	assert.ErrorIs(t, err, ErrExecutionClosed)
}

func TestPanicEndsInFailed(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, id string, s suites.Suite, sink results.Sink) error {
		require.NoError(t, sink.Record(ctx, id, results.Event{TestCaseID: "t1", Suite: s.Name, Status: results.StatusPassed}))
		panic("engine crashed")
	})

	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "smoke")

	assert.Equal(t, executions.StateFailed, f.registry.Get(exec.ID))
	csv := readReport(t, f.reports, exec.ID, "report.csv")
	assert.Contains(t, csv, "t1,t1,smoke,PASSED", "outcomes collected before the panic are reported")
}

func TestRunnerErrorEndsInFailed(t *testing.T) {
	runner := runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error {
		return errors.New("engine unavailable")
	})
	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "smoke")
	assert.Equal(t, executions.StateFailed, f.registry.Get(exec.ID))
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	const n = 200
	runner := runnerFunc(func(ctx context.Context, id string, s suites.Suite, sink results.Sink) error {
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev := results.Event{TestCaseID: fmt.Sprintf("tc-%03d", i), Suite: s.Name, Status: results.StatusPassed}
				assert.NoError(t, sink.Record(ctx, id, ev))
			}()
		}
		wg.Wait()
		return nil
	})

	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "load")

	csv := readReport(t, f.reports, exec.ID, "report.csv")
	assert.Len(t, strings.Split(strings.TrimRight(csv, "\n"), "\n"), n+1)
}

func TestRecordValidation(t *testing.T) {
	block := make(chan struct{})
	started := make(chan string, 1)
	runner := runnerFunc(func(_ context.Context, id string, _ suites.Suite, _ results.Sink) error {
		started <- id
		<-block
		return nil
	})
	f := newFixture(t, staticLoader(suites.Suite{}), runner)

	exec, err := f.tracker.Start(context.Background(), "smoke")
	require.NoError(t, err)
	require.Equal(t, exec.ID, <-started)
	defer func() {
		close(block)
		f.tracker.Wait(context.Background(), exec.ID)
	}()

	ctx := context.Background()
	err = f.tracker.Record(ctx, "nope", results.Event{TestCaseID: "a", Status: results.StatusPassed})
	assert.ErrorIs(t, err, ErrUnknownExecution)

	err = f.tracker.Record(ctx, exec.ID, results.Event{TestCaseID: "a", Status: "MAYBE"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	err = f.tracker.Record(ctx, exec.ID, results.Event{Status: results.StatusPassed})
	assert.ErrorIs(t, err, results.ErrMissingTestCase)

	require.NoError(t, f.tracker.Record(ctx, exec.ID, results.Event{TestCaseID: "a", Status: "fail", ErrorMessage: "x"}))
	got, ok := f.collector.Get(exec.ID, "a")
	require.True(t, ok)
	assert.Equal(t, results.StatusFailed, got.Status)
	assert.Empty(t, got.ArtifactLink, "no evidence, no link")

	assert.Equal(t, executions.StateRunning, f.registry.Get(exec.ID))
}

func TestArtifactWriteFailureKeepsOutcome(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, id string, s suites.Suite, sink results.Sink) error {
		return sink.Record(ctx, id, results.Event{
			TestCaseID: "t2", Suite: s.Name, Status: results.StatusFailed, ErrorMessage: "boom", Screenshot: []byte("png"),
		})
	})
	f := newFixture(t, staticLoader(suites.Suite{}), runner)

	// A regular file where the artifact root should be makes every write fail.
	require.NoError(t, os.RemoveAll(f.artifacts))
	require.NoError(t, os.WriteFile(f.artifacts, []byte("not a dir"), 0o644))

	exec := f.startAndWait(t, "smoke")
	assert.Equal(t, executions.StateCompleted, f.registry.Get(exec.ID))

	csv := readReport(t, f.reports, exec.ID, "report.csv")
	assert.Contains(t, csv, "t2,t2,smoke,FAILED")
	assert.NotContains(t, csv, "screenshot.png")
}

func TestStartRequiresSuite(t *testing.T) {
	f := newFixture(t, staticLoader(suites.Suite{}), runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error { return nil }))
	_, err := f.tracker.Start(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrSuiteRequired)
	assert.False(t, f.tracker.Wait(context.Background(), "unknown"))
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestExternalExecutionEndsOnFinish(t *testing.T) {
	loader := loaderFunc(func(name string) (suites.Suite, error) {
		t.Errorf("external execution loaded suite %q", name)
		return suites.Suite{}, suites.ErrSuiteUnreadable
	})
	runner := runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error {
		t.Error("external execution ran the built-in runner")
		return nil
	})
	f := newFixture(t, loader, runner)
	ctx := context.Background()

	exec, err := f.tracker.Start(ctx, "contract", External())
	require.NoError(t, err)
	assert.Equal(t, executions.StateRunning, exec.State)
	assert.Equal(t, executions.StateRunning, f.registry.Get(exec.ID))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.False(t, f.tracker.Wait(short, exec.ID), "external execution waits for Finish")

	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.tracker.Record(ctx, exec.ID, results.Event{
		TestCaseID: "c1", Suite: "contract", Status: results.StatusPassed, StartTime: start, EndTime: start.Add(time.Second),
	}))
	require.NoError(t, f.tracker.Finish(ctx, exec.ID))

	assert.True(t, f.tracker.Wait(ctx, exec.ID))
	assert.Equal(t, executions.StateCompleted, f.registry.Get(exec.ID))
	csv := readReport(t, f.reports, exec.ID, "report.csv")
	assert.Contains(t, csv, "c1,c1,contract,PASSED")
	assert.Equal(t, 2, f.publisher.count("qaharness.executions.transitioned"))

	err = f.tracker.Record(ctx, exec.ID, results.Event{TestCaseID: "c2", Status: results.StatusPassed})
	assert.ErrorIs(t, err, ErrExecutionClosed)
	assert.ErrorIs(t, f.tracker.Finish(ctx, exec.ID), ErrExecutionClosed)
}

func TestFinishedRunsAreForgotten(t *testing.T) {
	runner := runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error {
		return nil
	})
	f := newFixture(t, staticLoader(suites.Suite{}), runner)
	exec := f.startAndWait(t, "smoke")

	require.Eventually(t, func() bool {
		_, ok := f.tracker.lookup(exec.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.tracker.Wait(context.Background(), exec.ID), "ended executions stay waitable")
	err := f.tracker.Record(context.Background(), exec.ID, results.Event{TestCaseID: "late", Status: results.StatusPassed})
	assert.ErrorIs(t, err, ErrExecutionClosed)

	external, err := f.tracker.Start(context.Background(), "contract", External())
	require.NoError(t, err)
	require.NoError(t, f.tracker.Finish(context.Background(), external.ID))
	_, ok := f.tracker.lookup(external.ID)
	assert.False(t, ok)

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	assert.Empty(t, f.tracker.runs)
}

func TestPassedPayloadsAreNotStored(t *testing.T) {
	f := newFixture(t, staticLoader(suites.Suite{}), runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error { return nil }))
	ctx := context.Background()

	exec, err := f.tracker.Start(ctx, "api", External())
	require.NoError(t, err)

	require.NoError(t, f.tracker.Record(ctx, exec.ID, results.Event{
		TestCaseID:      "get-user",
		Suite:           "api",
		Status:          results.StatusPassed,
		RequestPayload:  `{"id":2}`,
		ResponsePayload: `{"data":{"id":2}}`,
	}))

	got, ok := f.collector.Get(exec.ID, "get-user")
	require.True(t, ok)
	assert.Empty(t, got.ArtifactLink)

	_, err = os.Stat(filepath.Join(f.artifacts, exec.ID, "get-user"))
	assert.True(t, os.IsNotExist(err), "passed cases keep no evidence")

	require.NoError(t, f.tracker.Finish(ctx, exec.ID))
	_, err = os.Stat(filepath.Join(f.artifacts, exec.ID, "get-user"))
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentFinishClosesOnce(t *testing.T) {
	f := newFixture(t, staticLoader(suites.Suite{}), runnerFunc(func(context.Context, string, suites.Suite, results.Sink) error { return nil }))
	ctx := context.Background()

	exec, err := f.tracker.Start(ctx, "contract", External())
	require.NoError(t, err)
	require.NoError(t, f.tracker.Record(ctx, exec.ID, results.Event{TestCaseID: "c1", Suite: "contract", Status: results.StatusPassed}))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.tracker.Finish(ctx, exec.ID)
		}()
	}
	wg.Wait()
	close(errs)

	finished := 0
	for err := range errs {
		if err == nil {
			finished++
			continue
		}
		assert.ErrorIs(t, err, ErrExecutionClosed)
	}
	assert.Equal(t, 1, finished)
	assert.Contains(t, readReport(t, f.reports, exec.ID, "report.csv"), "c1,c1,contract,PASSED")
	require.Len(t, f.mirror.sets, 1)
}
