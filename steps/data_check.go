package steps

import (
	"context"
	"fmt"
	"math"
	"strings"

	"airbnb-pipeline/models"
	"airbnb-pipeline/services"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
)

// DataCheck validates a cleaned sample against fixed expectations and a
// reference sample.
type DataCheck struct{}

func (DataCheck) Name() string { return StepDataCheck }

func (DataCheck) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepDataCheck, env.Stdout)
	csvRef := fs.String("csv", "", "Sample to check, e.g. nyc_airbnb/clean_sample.csv:latest")
	refRef := fs.String("ref", "", "Reference sample, e.g. nyc_airbnb/clean_sample.csv:reference")
	klThreshold := fs.Float64("kl_threshold", 0, "Maximum KL divergence of the neighbourhood distribution")
	minPrice := fs.Float64("min_price", 0, "Minimum allowed price")
	maxPrice := fs.Float64("max_price", 0, "Maximum allowed price")
	if err := parseFlags(fs, args, "csv", "ref", "kl_threshold", "min_price", "max_price"); err != nil {
		return err
	}

	return env.track(ctx, StepDataCheck, flagValues(fs), func(run *tracking.Run) error {
		sample, err := useTable(ctx, run, *csvRef)
		if err != nil {
			return err
		}
		reference, err := useTable(ctx, run, *refRef)
		if err != nil {
			return fmt.Errorf("%w (promote a version with: artifacts promote <ref> reference)", err)
		}

		results := services.NewDataChecker(env.Logger).Run(services.CheckInput{
			Sample:      sample,
			Reference:   reference,
			KLThreshold: *klThreshold,
			Price:       services.PriceRange{Min: *minPrice, Max: *maxPrice},
		})
		failed := services.Failed(results)

		summary := map[string]float64{
			"checks_passed": float64(len(results) - len(failed)),
			"checks_failed": float64(len(failed)),
			"rows":          float64(sample.Len()),
		}
		// Summaries are stored as JSON, which has no infinity.
		if p, err := services.Distribution(sample, models.ColNeighbourhoodGroup); err == nil {
			if q, err := services.Distribution(reference, models.ColNeighbourhoodGroup); err == nil {
				if kl := services.KLDivergence(p, q); !math.IsInf(kl, 0) {
					summary["kl_divergence"] = kl
				}
			}
		}
		if err := env.logSummary(ctx, run, StepDataCheck, summary); err != nil {
			return err
		}

		if len(failed) > 0 {
			names := make([]string, len(failed))
			for i, r := range failed {
				names[i] = r.Name
			}
			return fmt.Errorf("data_check: %d of %d checks failed: %s",
				len(failed), len(results), strings.Join(names, ", "))
		}
		return nil
	})
}

// useTable records use of ref and reads it as CSV.
func useTable(ctx context.Context, run *tracking.Run, ref string) (*storage.Table, error) {
	_, localPath, err := run.UseArtifact(ctx, ref)
	if err != nil {
		return nil, err
	}
	return storage.ReadCSV(localPath)
}
