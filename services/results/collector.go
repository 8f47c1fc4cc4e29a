package results

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMissingExecution is returned when an outcome has no execution id.
	ErrMissingExecution = errors.New("execution id is required")
	// ErrMissingTestCase is returned when an outcome has no test case id.
	ErrMissingTestCase = errors.New("test case id is required")
)

// Collector aggregates outcomes produced concurrently by the worker threads of
// many executions. Each execution owns an independent result set with its own
// lock, so executions never contend with each other.
type Collector struct {
	mu   sync.RWMutex
	sets map[string]*resultSet
}

type resultSet struct {
	mu        sync.Mutex
	outcomes  map[string]TestOutcome
	malformed map[string]struct{}
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{sets: make(map[string]*resultSet)}
}

// Record stores the outcome keyed by (executionID, testCaseID). A second
// record for the same key replaces the first.
func (c *Collector) Record(executionID string, outcome TestOutcome) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return ErrMissingExecution
	}
	if strings.TrimSpace(outcome.TestCaseID) == "" {
		return ErrMissingTestCase
	}
	outcome.ExecutionID = executionID

	set := c.ensureSet(executionID)
	set.mu.Lock()
	defer set.mu.Unlock()

	set.outcomes[outcome.TestCaseID] = outcome
	if outcome.Malformed {
		set.malformed[outcome.TestCaseID] = struct{}{}
	} else {
		delete(set.malformed, outcome.TestCaseID)
	}
	return nil
}

// SetArtifactLink back-fills the artifact link of a recorded outcome.
func (c *Collector) SetArtifactLink(executionID, testCaseID, link string) bool {
	set, ok := c.lookup(executionID)
	if !ok {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()

	outcome, ok := set.outcomes[testCaseID]
	if !ok {
		return false
	}
	outcome.ArtifactLink = link
	set.outcomes[testCaseID] = outcome
	return true
}

// Get returns a copy of a single recorded outcome.
func (c *Collector) Get(executionID, testCaseID string) (TestOutcome, bool) {
	set, ok := c.lookup(executionID)
	if !ok {
		return TestOutcome{}, false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	outcome, ok := set.outcomes[testCaseID]
	return outcome, ok
}

// Snapshot returns a consistent copy of the execution's outcomes ordered by
// suite name, start time and test case id.
func (c *Collector) Snapshot(executionID string) []TestOutcome {
	set, ok := c.lookup(executionID)
	if !ok {
		return []TestOutcome{}
	}

	set.mu.Lock()
	rows := make([]TestOutcome, 0, len(set.outcomes))
	for _, outcome := range set.outcomes {
		rows = append(rows, outcome)
	}
	set.mu.Unlock()

	Sort(rows)
	return rows
}

// Len returns the number of outcomes recorded for an execution.
func (c *Collector) Len(executionID string) int {
	set, ok := c.lookup(executionID)
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.outcomes)
}

// Malformed lists the test case ids whose timing had to be clamped.
func (c *Collector) Malformed(executionID string) []string {
	set, ok := c.lookup(executionID)
	if !ok {
		return nil
	}
	set.mu.Lock()
	ids := make([]string, 0, len(set.malformed))
	for id := range set.malformed {
		ids = append(ids, id)
	}
	set.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Discard drops the result set of an execution once its reports exist.
func (c *Collector) Discard(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, executionID)
}

func (c *Collector) ensureSet(executionID string) *resultSet {
	if set, ok := c.lookup(executionID); ok {
		return set
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[executionID]; ok {
		return set
	}
	set := &resultSet{
		outcomes:  make(map[string]TestOutcome),
		malformed: make(map[string]struct{}),
	}
	c.sets[executionID] = set
	return set
}

func (c *Collector) lookup(executionID string) (*resultSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[executionID]
	return set, ok
}

// Sort orders rows by (suite, start time, test case id) ascending, which is
// the row order every report format renders.
func Sort(rows []TestOutcome) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Suite != b.Suite {
			return a.Suite < b.Suite
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.TestCaseID < b.TestCaseID
	})
}
