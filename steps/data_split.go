package steps

import (
	"context"
	"path/filepath"

	"airbnb-pipeline/services"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
)

// Artifact names and type produced by the split.
const (
	TrainValArtifact     = "trainval_data.csv"
	TestArtifact         = "test_data.csv"
	SegregatedDataType   = "segregated_data"
	defaultArtifactRoot  = "data"
	segregatedDataPrefix = "Segregated data: "
)

// DataSplit separates a held-out test set from the train/validation data.
type DataSplit struct{}

func (DataSplit) Name() string { return StepDataSplit }

func (DataSplit) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepDataSplit, env.Stdout)
	input := fs.String("input", "", "Artifact to split")
	testSize := fs.Float64("test_size", 0, "Fraction of rows for the test set, in (0, 1)")
	seed := fs.Int64("random_seed", 42, "Seed for the random split")
	stratifyBy := fs.String("stratify_by", services.NoStratify, "Column to stratify on, or 'none'")
	artifactRoot := fs.String("artifact_root", defaultArtifactRoot, "Local directory for the split files")
	if err := parseFlags(fs, args, "input", "test_size"); err != nil {
		return err
	}

	return env.track(ctx, StepDataSplit, flagValues(fs), func(run *tracking.Run) error {
		table, err := useTable(ctx, run, *input)
		if err != nil {
			return err
		}

		train, test, err := services.Split(table, *testSize, *seed, *stratifyBy)
		if err != nil {
			return err
		}
		env.Logger.Info("[data_split] %d rows → %d train/val, %d test (stratify_by=%s)",
			table.Len(), len(train), len(test), *stratifyBy)

		parts := []struct {
			name  string
			rows  []int
			label string
		}{
			{TrainValArtifact, train, "trainval"},
			{TestArtifact, test, "test"},
		}
		for _, p := range parts {
			out := env.path(filepath.Join(*artifactRoot, p.name))
			if err := storage.WriteCSV(out, table.Subset(p.rows)); err != nil {
				return err
			}
			if err := env.logArtifact(ctx, run, tracking.ArtifactSpec{
				Name:        p.name,
				Type:        SegregatedDataType,
				Description: segregatedDataPrefix + p.label,
			}, out); err != nil {
				return err
			}
			env.addRows(StepDataSplit, p.label, len(p.rows))
		}

		return env.logSummary(ctx, run, StepDataSplit, map[string]float64{
			"rows":          float64(table.Len()),
			"rows_trainval": float64(len(train)),
			"rows_test":     float64(len(test)),
		})
	})
}
