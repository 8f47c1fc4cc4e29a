package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qaharness/pkg/config"
	"qaharness/pkg/telemetry"
	"qaharness/services/api"
	"qaharness/services/harness"
)

const serviceName = "qaharness"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogFormat, os.Stdout)

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	h, err := harness.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Error().Err(err).Msg("close harness")
		}
	}()

	if err := h.Start(ctx); err != nil {
		return err
	}

	apiCfg := api.Config{
		Trigger:            h.Scheduler,
		Executions:         h.Registry,
		Outcomes:           h.Tracker,
		Artifacts:          h.Artifacts,
		ReportsDir:         cfg.ReportsDir,
		Ready:              h.Ready,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Middleware:         middleware,
		Logger:             logger,
	}
	if h.Mirror != nil {
		apiCfg.Links = h.Mirror
	}
	if h.Reader != nil {
		apiCfg.History = h.Reader
	}

	a, err := api.New(apiCfg)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	handler, err := a.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Bool("database", h.Pool != nil).
			Bool("bus", h.Bus != nil).
			Bool("mirror", h.Mirror != nil).
			Msg("starting qaharness")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}
