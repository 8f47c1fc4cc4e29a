package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"qaharness/services/executions"
	"qaharness/services/tracker"
)

// DefaultSpec runs the nightly suites at 02:00 every day.
const DefaultSpec = "0 0 2 * * *"

// Trigger starts an execution of a suite.
type Trigger interface {
	Start(ctx context.Context, suite string, opts ...tracker.RunOption) (executions.Execution, error)
}

// Scheduler fires nightly suite runs and serves ad-hoc run requests through
// the same Trigger.
type Scheduler struct {
	trigger Trigger
	suites  []string
	spec    string
	logger  zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// New returns a Scheduler firing suites on spec. An empty spec uses DefaultSpec.
func New(trigger Trigger, spec string, suites []string, logger zerolog.Logger) (*Scheduler, error) {
	if trigger == nil {
		return nil, errors.New("trigger is required")
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := parser().Parse(spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Scheduler{
		trigger: trigger,
		suites:  append([]string(nil), suites...),
		spec:    spec,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

func parser() cron.Parser {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start registers the nightly job. It is a no-op when no suites are configured.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("nil scheduler")
	}
	if len(s.suites) == 0 {
		s.logger.Info().Msg("no nightly suites configured")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	c := cron.New(cron.WithParser(parser()), cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, s.RunNightly); err != nil {
		return err
	}
	s.ctx = ctx
	s.cron = c
	c.Start()

	s.logger.Info().Str("spec", s.spec).Strs("suites", s.suites).Msg("nightly schedule registered")
	return nil
}

// Close stops the cron loop and waits for a running tick to return.
func (s *Scheduler) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

// RunNightly triggers every configured nightly suite once.
func (s *Scheduler) RunNightly() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for _, suite := range s.suites {
		if _, err := s.RunNow(ctx, suite); err != nil {
			s.logger.Error().Err(err).Str("suite", suite).Msg("nightly trigger")
		}
	}
}

// RunNow triggers suite immediately.
func (s *Scheduler) RunNow(ctx context.Context, suite string, opts ...tracker.RunOption) (executions.Execution, error) {
	exec, err := s.trigger.Start(ctx, suite, opts...)
	if err != nil {
		return executions.Execution{}, err
	}
	s.logger.Info().Str("execution_id", exec.ID).Str("suite", suite).Msg("suite triggered")
	return exec, nil
}
