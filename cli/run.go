package cli

import (
	"context"
	"errors"
	"flag"
	"strings"

	"airbnb-pipeline/config"
	"airbnb-pipeline/orchestrator"
	"airbnb-pipeline/steps"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func (a *app) runPipeline(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	configPath := fs.String("config", "config.hcl", "Path to the pipeline configuration file")
	var overrides stringList
	fs.Var(&overrides, "set", "Override a setting, e.g. -set main.steps=download,basic_cleaning (repeatable)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if fs.NArg() > 0 {
		return usageError("run: unexpected arguments %q", fs.Args())
	}

	p, err := config.LoadPipeline(*configPath)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if err := p.ApplyOverrides(overrides); err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return &ExitError{Code: 2, Message: "invalid pipeline config:\n" + err.Error()}
	}
	if _, err := orchestrator.ActiveSteps(p.Main.Steps); err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	runner, err := orchestrator.NewExecRunner(a.stdout, a.stderr)
	if err != nil {
		return err
	}
	metrics := a.newMetrics()
	metrics.Serve(ctx, a.cfg.MetricsPort, a.logger)

	o := orchestrator.New(runner, a.logger, metrics)
	o.ExtraEnv = []string{
		config.EnvTrackingRoot + "=" + a.cfg.TrackingRoot,
	}
	if a.cfg.MetricsTextfileDir != "" {
		o.ExtraEnv = append(o.ExtraEnv, config.EnvTextfileDir+"="+a.cfg.MetricsTextfileDir)
	}

	runErr := o.Run(ctx, p)
	if err := metrics.WriteTextfile(a.cfg.MetricsTextfileDir, "orchestrator"); err != nil {
		a.logger.Warn("[run] %v", err)
	}
	return runErr
}

func (a *app) runStep(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("step: missing step name (one of %s)", strings.Join(steps.Names(), ", "))
	}
	s, err := steps.Lookup(args[0])
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	tracker, err := a.openTracker(ctx)
	if err != nil {
		return err
	}
	defer tracker.Close()

	env := &steps.Env{
		Tracker:     tracker,
		Logger:      a.logger,
		Metrics:     a.newMetrics(),
		Retry:       a.retry(),
		HTTPClient:  a.httpClient(),
		Project:     a.cfg.Project,
		Group:       a.cfg.RunGroup,
		TextfileDir: a.cfg.MetricsTextfileDir,
		Stdout:      a.stderr,
	}

	err = s.Run(ctx, env, args[1:])
	var usageErr *steps.UsageError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return nil
	case errors.As(err, &usageErr):
		return &ExitError{Code: 2, Message: err.Error()}
	default:
		return err
	}
}
