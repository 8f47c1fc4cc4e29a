// Package harness assembles the execution pipeline from configuration. The
// database, bus and object store are optional; each one enables its feature
// when configured.
package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"qaharness/pkg/bus"
	"qaharness/pkg/config"
	"qaharness/pkg/db"
	gos3 "qaharness/pkg/s3"
	"qaharness/services/artifacts"
	"qaharness/services/executions"
	"qaharness/services/ingest"
	"qaharness/services/mirror"
	"qaharness/services/persister"
	"qaharness/services/reports"
	"qaharness/services/results"
	"qaharness/services/scheduler"
	"qaharness/services/suites"
	"qaharness/services/tracker"
)

// Harness owns every long-lived dependency of a harness process.
type Harness struct {
	Config    config.Config
	Registry  *executions.Registry
	Tracker   *tracker.Tracker
	Scheduler *scheduler.Scheduler
	Artifacts *artifacts.Store
	Generator *reports.Generator

	// Optional; nil when not configured.
	Mirror   *mirror.Mirror
	Reader   *persister.Reader
	Pool     *pgxpool.Pool
	ORM      *gorm.DB
	Bus      *bus.Bus
	Ingestor *ingest.Ingestor

	logger zerolog.Logger
}

var connectDatabase = db.Open

// Open connects the configured backends and builds the tracker. ctx bounds
// background executions as well as startup. Backends opened before a failure
// are closed again.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Harness, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	h := &Harness{Config: cfg, logger: logger}
	if err := h.build(ctx, loc); err != nil {
		if cerr := h.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("close partially opened harness")
		}
		return nil, err
	}
	return h, nil
}

func (h *Harness) build(ctx context.Context, loc *time.Location) error {
	cfg, logger := h.Config, h.logger

	var err error
	if h.Artifacts, err = artifacts.NewStore(cfg.ArtifactsDir); err != nil {
		return err
	}
	if h.Generator, err = reports.NewGenerator(loc); err != nil {
		return err
	}

	var (
		persist   tracker.Persister
		saver     tracker.ExecutionSaver
		publisher bus.Publisher
		mirrorer  tracker.Mirror
	)

	if cfg.DBDSN != "" {
		store, err := h.openDatabase(ctx)
		if err != nil {
			return err
		}
		persist = persister.NewBestEffort(store, cfg.PersistTimeout, logger)
		saver = store
	}

	if cfg.NATSURL != "" {
		if h.Bus, err = bus.New(cfg.NATSURL, nats.Name("qaharness")); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		if err = h.Bus.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		publisher = h.Bus
	}

	if cfg.S3.Enabled() {
		if h.Mirror, err = openMirror(ctx, cfg.S3, h.Artifacts, logger); err != nil {
			return err
		}
		mirrorer = h.Mirror
	}

	h.Registry = executions.NewRegistry(executions.WithNotifier(tracker.LifecycleNotifier(publisher, saver, logger)))

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	h.Tracker, err = tracker.New(tracker.Config{
		Registry:    h.Registry,
		Collector:   results.NewCollector(),
		Artifacts:   h.Artifacts,
		Generator:   h.Generator,
		ReportsDir:  cfg.ReportsDir,
		Loader:      suites.NewLoader(cfg.SuitesDir),
		Runner:      suites.NewHTTPRunner(client, logger),
		Persister:   persist,
		Publisher:   publisher,
		Mirror:      mirrorer,
		Logger:      logger,
		BaseContext: ctx,
	})
	if err != nil {
		return err
	}

	if h.Scheduler, err = scheduler.New(h.Tracker, cfg.NightlySchedule, cfg.NightlySuites, logger); err != nil {
		return err
	}

	if h.Bus != nil {
		if h.Ingestor, err = ingest.NewIngestor(h.Tracker, h.Bus, logger); err != nil {
			return err
		}
	}

	return nil
}

func (h *Harness) openDatabase(ctx context.Context) (*persister.GormStore, error) {
	var err error
	if h.Pool, err = connectDatabase(ctx, h.Config.DBDSN); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, h.Pool); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if h.ORM, err = db.OpenORM(ctx, h.Config.DBDSN); err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	h.Reader = persister.NewReader(h.Pool)
	return persister.NewGormStore(h.ORM), nil
}

func openMirror(ctx context.Context, cfg config.S3, store *artifacts.Store, logger zerolog.Logger) (*mirror.Mirror, error) {
	client, err := gos3.NewClient(ctx, gos3.Options{
		Endpoint:       cfg.Endpoint,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         cfg.Region,
		DisableTLS:     cfg.DisableTLS,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return mirror.New(client, cfg.Bucket, cfg.PresignTTL, store, logger)
}

// Start launches the nightly schedule and the bus consumer.
func (h *Harness) Start(ctx context.Context) error {
	if err := h.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if h.Ingestor != nil {
		if err := h.Ingestor.Start(ctx); err != nil {
			return fmt.Errorf("start ingest: %w", err)
		}
	}
	return nil
}

// Ready reports whether the configured backends are reachable.
func (h *Harness) Ready(ctx context.Context) error {
	if h.Pool != nil {
		if err := db.Ping(ctx, h.Pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases connections.
func (h *Harness) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.Scheduler != nil {
		errs = append(errs, h.Scheduler.Close())
	}
	if h.Ingestor != nil {
		errs = append(errs, h.Ingestor.Close())
	}
	if h.Bus != nil {
		h.Bus.Close()
	}
	if h.ORM != nil {
		errs = append(errs, db.CloseORM(h.ORM))
	}
	if h.Pool != nil {
		h.Pool.Close()
	}
	return errors.Join(errs...)
}
