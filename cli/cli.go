// Package cli implements the airbnb-pipeline command line: running the whole
// pipeline, running a single step, and inspecting tracked artifacts.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"airbnb-pipeline/config"
	"airbnb-pipeline/observability"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
	"airbnb-pipeline/utils"
)

// ExitError is an error that carries a process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

const usage = `airbnb-pipeline - NYC Airbnb price pipeline

Usage:
  airbnb-pipeline run [-config config.hcl] [-set section.key=value]...
  airbnb-pipeline step <name> [--flag value]...
  airbnb-pipeline artifacts list <[project/]name>
  airbnb-pipeline artifacts promote <ref> <alias>
  airbnb-pipeline artifacts describe <ref>

Steps: download, basic_cleaning, data_check, data_split,
       train_random_forest, test_regression_model

Refs look like [project/]name[:alias], where alias is latest (default),
vN, or a promoted alias such as reference or prod.
`

// Main runs the command line and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := Run(ctx, args, stdout, stderr)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" {
			fmt.Fprintln(stderr, exitErr.Message)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "error:", err)
	return 1
}

type app struct {
	cfg    *config.Config
	logger *utils.Logger
	stdout io.Writer
	stderr io.Writer
}

// Run dispatches args to a subcommand.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return &ExitError{Code: 2}
	}

	cfg := config.Load()
	a := &app{
		cfg:    cfg,
		logger: utils.NewLoggerTo(stderr, cfg.LogLevel),
		stdout: stdout,
		stderr: stderr,
	}

	switch args[0] {
	case "run":
		return a.runPipeline(ctx, args[1:])
	case "step":
		return a.runStep(ctx, args[1:])
	case "artifacts":
		return a.artifacts(ctx, args[1:])
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return usageError("unknown command %q\n\n%s", args[0], usage)
	}
}

// openTracker connects to the configured registry backend. Artifact content
// always lives under the tracking root.
func (a *app) openTracker(ctx context.Context) (*tracking.Tracker, error) {
	var registry storage.Registry
	switch a.cfg.TrackingBackend {
	case config.BackendFile:
	case config.BackendPostgres:
		pg, err := storage.NewPostgresRegistry(ctx, a.cfg.DSN())
		if err != nil {
			return nil, err
		}
		registry = pg
	default:
		return nil, usageError("unknown TRACKING_BACKEND %q (want %s or %s)",
			a.cfg.TrackingBackend, config.BackendFile, config.BackendPostgres)
	}

	t, err := tracking.Open(a.cfg.TrackingRoot, registry, a.logger)
	if err != nil {
		if registry != nil {
			_ = registry.Close()
		}
		return nil, err
	}
	return t, nil
}

func (a *app) retry() *utils.RetryConfig {
	return &utils.RetryConfig{
		MaxAttempts: a.cfg.MaxRetries,
		BaseDelay:   a.cfg.RetryBase(),
		Logger:      a.logger,
	}
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTPTimeout}
}

func (a *app) newMetrics() *observability.Metrics {
	return observability.NewMetrics()
}
