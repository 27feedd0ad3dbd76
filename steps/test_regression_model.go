package steps

import (
	"context"

	"airbnb-pipeline/services"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
)

// TestRegressionModel scores an exported model on the held-out test set.
type TestRegressionModel struct{}

func (TestRegressionModel) Name() string { return StepTestRegressionModel }

func (TestRegressionModel) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepTestRegressionModel, env.Stdout)
	modelRef := fs.String("mlflow_model", "", "Model export to test, e.g. nyc_airbnb/random_forest_model:prod")
	testRef := fs.String("test_dataset", "", "Test dataset, e.g. nyc_airbnb/test_data.csv:latest")
	if err := parseFlags(fs, args, "mlflow_model", "test_dataset"); err != nil {
		return err
	}

	return env.track(ctx, StepTestRegressionModel, flagValues(fs), func(run *tracking.Run) error {
		modelVersion, modelPath, err := run.UseArtifact(ctx, *modelRef)
		if err != nil {
			return err
		}
		model, err := services.LoadPriceModel(modelPath)
		if err != nil {
			return err
		}
		env.Logger.Info("[test_regression_model] Loaded %s (%d trees)", modelVersion.Ref(), len(model.Forest.Trees))

		_, testPath, err := run.UseArtifact(ctx, *testRef)
		if err != nil {
			return err
		}
		test, err := storage.ReadCSV(testPath)
		if err != nil {
			return err
		}

		pred, err := model.Predict(test)
		if err != nil {
			return err
		}
		y, err := services.Targets(test)
		if err != nil {
			return err
		}
		r2, err := services.R2(y, pred)
		if err != nil {
			return err
		}
		mae, err := services.MAE(y, pred)
		if err != nil {
			return err
		}
		env.addRows(StepTestRegressionModel, "test", test.Len())

		return env.logSummary(ctx, run, StepTestRegressionModel, map[string]float64{
			"r2":   r2,
			"mae":  mae,
			"rows": float64(test.Len()),
		})
	})
}
