package steps

import (
	"context"
	"fmt"

	"airbnb-pipeline/services"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
)

// CleanDataFile is the local file the cleaning step writes before logging it.
const CleanDataFile = "clean_data.csv"

// BasicCleaning keeps only the listings whose price lies in [min_price, max_price].
type BasicCleaning struct{}

func (BasicCleaning) Name() string { return StepBasicCleaning }

func (BasicCleaning) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepBasicCleaning, env.Stdout)
	inputArtifact := fs.String("input_artifact", "", "Artifact to clean, e.g. nyc_airbnb/sample.csv:latest")
	artifactName := fs.String("artifact_name", "", "Name for the cleaned artifact")
	artifactType := fs.String("artifact_type", "raw_data", "Type of the cleaned artifact")
	artifactDescription := fs.String("artifact_description", "Preprocessed data from the original data sources", "Description of the cleaned artifact")
	minPrice := fs.Float64("min_price", 0, "Minimum price to keep")
	maxPrice := fs.Float64("max_price", 0, "Maximum price to keep")
	if err := parseFlags(fs, args, "input_artifact", "artifact_name", "min_price", "max_price"); err != nil {
		return err
	}
	bounds := services.PriceRange{Min: *minPrice, Max: *maxPrice}
	if err := bounds.Validate(); err != nil {
		return &UsageError{Step: StepBasicCleaning, Err: err}
	}

	return env.track(ctx, StepBasicCleaning, flagValues(fs), func(run *tracking.Run) error {
		env.Logger.Info("[basic_cleaning] Downloading artifact %s", *inputArtifact)
		_, localPath, err := run.UseArtifact(ctx, *inputArtifact)
		if err != nil {
			return err
		}
		table, err := storage.ReadCSV(localPath)
		if err != nil {
			return err
		}

		cleaned, stats, err := services.NewCleaner(env.Logger).Clean(table, bounds)
		if err != nil {
			return fmt.Errorf("basic_cleaning: %w", err)
		}

		out := env.path(CleanDataFile)
		if err := storage.WriteCSV(out, cleaned); err != nil {
			return err
		}
		env.Logger.Info("[basic_cleaning] Saved %d rows to %s", cleaned.Len(), out)

		env.addRows(StepBasicCleaning, "in", stats.RowsIn)
		env.addRows(StepBasicCleaning, "kept", stats.RowsOut)
		env.addRows(StepBasicCleaning, "dropped", stats.Dropped())

		if err := env.logArtifact(ctx, run, tracking.ArtifactSpec{
			Name:        *artifactName,
			Type:        *artifactType,
			Description: *artifactDescription,
		}, out); err != nil {
			return err
		}

		insights := services.NewInsightService(env.Logger)
		summary := insights.Metrics("", insights.Summarize(cleaned))
		summary["rows_in"] = float64(stats.RowsIn)
		summary["rows_out"] = float64(stats.RowsOut)
		summary["rows_dropped"] = float64(stats.Dropped())
		summary["rows_invalid_price"] = float64(stats.InvalidPrice)
		return env.logSummary(ctx, run, StepBasicCleaning, summary)
	})
}
