package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qaharness/pkg/config"
	"qaharness/pkg/db"
	"qaharness/pkg/telemetry"
	"qaharness/services/executions"
	"qaharness/services/harness"
	"qaharness/services/persister"
	"qaharness/services/reports"
	"qaharness/services/results"
	"qaharness/services/tracker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "qactl",
		Short:         "Run test suites and manage their reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newRunCommand() *cobra.Command {
	var (
		maxParallel int
		timeout     time.Duration
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "run SUITE",
		Short: "Run a suite locally and write its report set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := zerolog.Nop()
			if verbose {
				logger = telemetry.NewLogger("qactl", "console", cmd.ErrOrStderr())
			}
			return runSuite(ctx, cfg, logger, args[0], maxParallel, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Override the suite's worker count")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up waiting after this long")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")
	return cmd
}

func runSuite(ctx context.Context, cfg config.Config, logger zerolog.Logger, suite string, maxParallel int, timeout time.Duration, out io.Writer) error {
	h, err := harness.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	var opts []tracker.RunOption
	if maxParallel > 0 {
		opts = append(opts, tracker.WithMaxParallel(maxParallel))
	}
	exec, err := h.Scheduler.RunNow(ctx, suite, opts...)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !h.Tracker.Wait(waitCtx, exec.ID) {
		return fmt.Errorf("execution %s did not finish within %s", exec.ID, timeout)
	}

	state := h.Registry.Get(exec.ID)
	fmt.Fprintf(out, "execution %s %s\n", exec.ID, state)
	printReportPaths(out, cfg.ReportsDir, exec.ID)

	if state == executions.StateFailed {
		return fmt.Errorf("execution %s failed", exec.ID)
	}
	return nil
}

func printReportPaths(out io.Writer, root, executionID string) {
	for _, f := range reports.Formats() {
		if path, err := reports.Locate(root, executionID, string(f)); err == nil {
			fmt.Fprintf(out, "  %-5s %s\n", f, path)
		}
	}
}

func newReportCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "report EXECUTION_ID",
		Short: "Regenerate an execution's report set from the result database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if outputDir != "" {
				cfg.ReportsDir = outputDir
			}
			if cfg.DBDSN == "" {
				return errors.New("DB_DSN is required to regenerate reports")
			}

			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			return regenerate(ctx, cfg, persister.NewReader(pool), args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&outputDir, "output", "", "Directory to write the report set to (defaults to REPORTS_DIR)")
	return cmd
}

// ResultLister reads persisted outcomes of one execution.
type ResultLister interface {
	ListResults(ctx context.Context, executionID string) ([]results.TestOutcome, error)
}

func regenerate(ctx context.Context, cfg config.Config, lister ResultLister, executionID string, out io.Writer) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	gen, err := reports.NewGenerator(loc)
	if err != nil {
		return err
	}

	rows, err := lister.ListResults(ctx, executionID)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no persisted results for execution %s", executionID)
	}

	set, err := gen.Render(executionID, rows)
	if err != nil {
		return err
	}
	if err := reports.WriteSet(cfg.ReportsDir, set); err != nil {
		return err
	}

	fmt.Fprintf(out, "regenerated %d outcomes for %s\n", len(rows), executionID)
	printReportPaths(out, cfg.ReportsDir, executionID)
	return nil
}

func newStatusCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:   "status EXECUTION_ID",
		Short: "Query an execution's state from a running harness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchStatus(commandContext(cmd), http.DefaultClient, apiBaseURL, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&apiBaseURL, "api", "http://localhost:8080", "Base URL of the harness API")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, apiBaseURL, executionID string, out io.Writer) error {
	base, err := url.Parse(strings.TrimRight(apiBaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid api url %q", apiBaseURL)
	}
	target := base.JoinPath("executions", executionID, "status")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status struct {
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	fmt.Fprintf(out, "%s %s\n", status.ExecutionID, status.Status)
	if status.Status == string(executions.NotFound) {
		return fmt.Errorf("execution %s not found", executionID)
	}
	return nil
}
