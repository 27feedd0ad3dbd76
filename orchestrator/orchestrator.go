// Package orchestrator runs the configured pipeline steps one after another,
// each as a separate invocation sharing a temporary working directory.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"airbnb-pipeline/config"
	"airbnb-pipeline/observability"
	"airbnb-pipeline/steps"
	"airbnb-pipeline/utils"
)

type Orchestrator struct {
	runner  StepRunner
	logger  *utils.Logger
	metrics *observability.Metrics

	// ExtraEnv is appended to every step's environment.
	ExtraEnv []string
	// TempRoot is where the run's working directory is created; "" means os.TempDir.
	TempRoot string
}

func New(runner StepRunner, logger *utils.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{runner: runner, logger: logger, metrics: metrics}
}

// Run executes the active steps of p in canonical order and stops at the
// first failure.
func (o *Orchestrator) Run(ctx context.Context, p *config.Pipeline) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	active, err := ActiveSteps(p.Main.Steps)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(o.TempRoot, "pipeline-")
	if err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	rfConfig := ""
	for _, s := range active {
		if s == steps.StepTrainRandomForest {
			if rfConfig, err = WriteForestConfig(tmp, p.Modeling.RandomForest); err != nil {
				return err
			}
		}
	}

	env := append([]string{
		config.EnvProject + "=" + p.Main.ProjectName,
		config.EnvRunGroup + "=" + p.Main.ExperimentName,
	}, o.ExtraEnv...)

	o.logger.Info("[orchestrator] Project %s, group %s: running %s",
		p.Main.ProjectName, p.Main.ExperimentName, strings.Join(active, " → "))

	start := time.Now()
	for _, inv := range BuildPlan(p, active, rfConfig) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline interrupted before %s: %w", inv.Step, err)
		}
		o.logger.Info("[orchestrator] ▶ %s %s", inv.Step, strings.Join(inv.Args(), " "))

		stepStart := time.Now()
		err := o.runner.RunStep(ctx, tmp, inv, env)
		elapsed := time.Since(stepStart)
		if o.metrics != nil {
			o.metrics.ObserveStep(inv.Step, elapsed, err)
		}
		if err != nil {
			o.logger.Error("[orchestrator] ✗ %s after %v", inv.Step, elapsed.Round(time.Millisecond))
			return err
		}
		o.logger.Info("[orchestrator] ✓ %s in %v", inv.Step, elapsed.Round(time.Millisecond))
	}

	o.logger.Info("[orchestrator] Pipeline finished in %v", time.Since(start).Round(time.Millisecond))
	return nil
}
