package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"qaharness/services/artifacts"
	"qaharness/services/executions"
	"qaharness/services/results"
	"qaharness/services/tracker"
)

// Trigger starts executions on request.
type Trigger interface {
	RunNow(ctx context.Context, suite string, opts ...tracker.RunOption) (executions.Execution, error)
}

// ExecutionReader exposes the in-memory lifecycle registry.
type ExecutionReader interface {
	Get(id string) executions.State
	Lookup(id string) (executions.Execution, bool)
	List() []executions.Execution
}

// Outcomes accepts outcomes from external engines and closes their executions.
type Outcomes interface {
	results.Sink
	Finish(ctx context.Context, executionID string) error
}

// Presigner issues time-limited report links from the object store.
type Presigner interface {
	PresignReport(ctx context.Context, executionID, reportType string) (string, error)
}

// History reads persisted executions and outcomes.
type History interface {
	ListResults(ctx context.Context, executionID string) ([]results.TestOutcome, error)
	GetExecution(ctx context.Context, executionID string) (executions.Execution, error)
}

// Config wires the API. Links, History and Ready are optional.
type Config struct {
	Trigger    Trigger
	Executions ExecutionReader
	Outcomes   Outcomes
	Artifacts  *artifacts.Store
	ReportsDir string

	Links   Presigner
	History History
	Ready   func(ctx context.Context) error

	AllowedOrigins     []string
	RateLimitPerMinute int
	// Middleware wraps the whole router, typically tracing and request logs.
	Middleware func(http.Handler) http.Handler
	Logger     zerolog.Logger
}

// API serves execution control, report downloads and evidence.
type API struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and returns an API.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Trigger == nil:
		return nil, errors.New("trigger is required")
	case cfg.Executions == nil:
		return nil, errors.New("execution reader is required")
	case cfg.Outcomes == nil:
		return nil, errors.New("outcome sink is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	case cfg.ReportsDir == "":
		return nil, errors.New("reports directory is required")
	}
	return &API{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}, nil
}
