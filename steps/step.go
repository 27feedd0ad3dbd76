// Package steps implements the pipeline components. Each step is a standalone
// command that reads its inputs from tracked artifacts, does one job and logs
// its outputs as new artifact versions.
package steps

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"airbnb-pipeline/observability"
	"airbnb-pipeline/tracking"
	"airbnb-pipeline/utils"
)

// Step names in canonical execution order.
const (
	StepDownload            = "download"
	StepBasicCleaning       = "basic_cleaning"
	StepDataCheck           = "data_check"
	StepDataSplit           = "data_split"
	StepTrainRandomForest   = "train_random_forest"
	StepTestRegressionModel = "test_regression_model"
)

// Env carries the shared services a step needs.
type Env struct {
	Tracker     *tracking.Tracker
	Logger      *utils.Logger
	Metrics     *observability.Metrics
	Retry       *utils.RetryConfig
	HTTPClient  *http.Client
	Project     string
	Group       string
	WorkDir     string
	TextfileDir string
	Stdout      io.Writer
}

// Step is one pipeline component.
type Step interface {
	Name() string
	Run(ctx context.Context, env *Env, args []string) error
}

var registry = []Step{
	Download{},
	BasicCleaning{},
	DataCheck{},
	DataSplit{},
	TrainRandomForest{},
	TestRegressionModel{},
}

// Names returns every step name in canonical order.
func Names() []string {
	names := make([]string, len(registry))
	for i, s := range registry {
		names[i] = s.Name()
	}
	return names
}

// Lookup finds a step by name.
func Lookup(name string) (Step, error) {
	for _, s := range registry {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown step %q (known: %s)", name, strings.Join(Names(), ", "))
}

// UsageError reports bad command-line arguments to a step.
type UsageError struct {
	Step string
	Err  error
}

func (e *UsageError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if out == nil {
		out = io.Discard
	}
	fs.SetOutput(out)
	return fs
}

// parseFlags parses args and checks that every required flag was given.
// flag.ErrHelp is returned unchanged.
func parseFlags(fs *flag.FlagSet, args []string, required ...string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &UsageError{Step: fs.Name(), Err: err}
	}
	if fs.NArg() > 0 {
		return &UsageError{Step: fs.Name(), Err: fmt.Errorf("unexpected arguments %q", fs.Args())}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var missing []string
	for _, name := range required {
		if !set[name] {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return &UsageError{Step: fs.Name(), Err: fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))}
	}
	return nil
}

// flagValues snapshots every flag of fs for the run config.
func flagValues(fs *flag.FlagSet) map[string]string {
	values := make(map[string]string)
	fs.VisitAll(func(f *flag.Flag) { values[f.Name] = f.Value.String() })
	return values
}

func (e *Env) path(name string) string {
	if e.WorkDir == "" {
		return name
	}
	return filepath.Join(e.WorkDir, name)
}

// track wraps fn in a tracked run: the run is started with params as its
// config, finished with fn's result, and the step's metrics are recorded.
func (e *Env) track(ctx context.Context, jobType string, params map[string]string, fn func(run *tracking.Run) error) error {
	run, err := e.Tracker.StartRun(ctx, tracking.RunOptions{
		Project: e.Project,
		Group:   e.Group,
		JobType: jobType,
		Config:  params,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	runErr := fn(run)
	if err := run.Finish(context.WithoutCancel(ctx), runErr); err != nil {
		e.Logger.Error("[%s] %v", jobType, err)
	}

	if e.Metrics != nil {
		e.Metrics.ObserveStep(jobType, time.Since(start), runErr)
		if err := e.Metrics.WriteTextfile(e.TextfileDir, jobType); err != nil {
			e.Logger.Warn("[%s] %v", jobType, err)
		}
	}
	return runErr
}

func (e *Env) addRows(step, outcome string, n int) {
	if e.Metrics != nil {
		e.Metrics.AddRows(step, outcome, n)
	}
}

// logArtifact logs path under spec and counts it.
func (e *Env) logArtifact(ctx context.Context, run *tracking.Run, spec tracking.ArtifactSpec, path string) error {
	before, _ := e.Tracker.Versions(ctx, run.Project(), spec.Name)
	v, err := run.LogArtifact(ctx, spec, path)
	if err != nil {
		return err
	}
	if e.Metrics != nil {
		created := len(before) == 0 || before[len(before)-1].Version < v.Version
		e.Metrics.ArtifactLogged(spec.Type, created)
	}
	return nil
}

// summaryKeys returns the keys of m sorted, for stable log output.
func summaryKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Env) logSummary(ctx context.Context, run *tracking.Run, step string, summary map[string]float64) error {
	for _, k := range summaryKeys(summary) {
		e.Logger.Info("[%s] %s = %g", step, k, summary[k])
	}
	return run.LogSummary(ctx, summary)
}
