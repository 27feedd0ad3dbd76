package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"airbnb-pipeline/services"
	"airbnb-pipeline/tracking"
)

// ModelExportType is the artifact type of exported models.
const ModelExportType = "model_export"

// TrainRandomForest fits the feature pipeline and forest on the train/val
// data and exports the resulting model.
type TrainRandomForest struct{}

func (TrainRandomForest) Name() string { return StepTrainRandomForest }

func (TrainRandomForest) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepTrainRandomForest, env.Stdout)
	trainval := fs.String("trainval_artifact", "", "Train/validation artifact")
	rfConfig := fs.String("rf_config", "", "Path to the random forest JSON configuration")
	valSize := fs.Float64("val_size", 0.2, "Fraction of rows held out for validation")
	seed := fs.Int64("random_seed", 42, "Seed for the split and the forest")
	var stratifyBy string
	fs.StringVar(&stratifyBy, "stratify_by", services.NoStratify, "Column to stratify the validation split on, or 'none'")
	fs.StringVar(&stratifyBy, "stratify", services.NoStratify, "Alias of --stratify_by")
	maxTfidf := fs.Int("max_tfidf_features", 10, "Vocabulary size of the TF-IDF encoding of listing names")
	outputArtifact := fs.String("output_artifact", "", "Name of the exported model artifact")
	if err := parseFlags(fs, args, "trainval_artifact", "rf_config", "output_artifact"); err != nil {
		return err
	}

	cfg, err := readForestConfig(*rfConfig)
	if err != nil {
		return &UsageError{Step: StepTrainRandomForest, Err: err}
	}
	cfg.RandomState = *seed

	params := flagValues(fs)
	raw, _ := json.Marshal(cfg)
	params["rf_config_json"] = string(raw)

	return env.track(ctx, StepTrainRandomForest, params, func(run *tracking.Run) error {
		table, err := useTable(ctx, run, *trainval)
		if err != nil {
			return err
		}

		trainIdx, valIdx, err := services.Split(table, *valSize, *seed, stratifyBy)
		if err != nil {
			return err
		}
		train, val := table.Subset(trainIdx), table.Subset(valIdx)
		env.Logger.Info("[train_random_forest] %d training rows, %d validation rows", train.Len(), val.Len())

		features := services.NewFeaturePipeline(*maxTfidf)
		if err := features.Fit(train); err != nil {
			return err
		}
		X, err := features.Transform(train)
		if err != nil {
			return err
		}
		y, err := services.Targets(train)
		if err != nil {
			return err
		}

		forest := services.NewForest(cfg)
		if err := forest.Fit(ctx, X, y, env.Logger); err != nil {
			return err
		}
		model := services.NewPriceModel(features, forest)

		pred, err := model.Predict(val)
		if err != nil {
			return err
		}
		yVal, err := services.Targets(val)
		if err != nil {
			return err
		}
		r2, err := services.R2(yVal, pred)
		if err != nil {
			return err
		}
		mae, err := services.MAE(yVal, pred)
		if err != nil {
			return err
		}

		out := env.path(*outputArtifact + ".json")
		if err := model.Save(out); err != nil {
			return err
		}
		if err := env.logArtifact(ctx, run, tracking.ArtifactSpec{
			Name:        *outputArtifact,
			Type:        ModelExportType,
			Description: "Random forest price model (feature pipeline + trees, JSON)",
		}, out); err != nil {
			return err
		}
		env.addRows(StepTrainRandomForest, "train", train.Len())
		env.addRows(StepTrainRandomForest, "validation", val.Len())

		return env.logSummary(ctx, run, StepTrainRandomForest, map[string]float64{
			"r2":         r2,
			"mae":        mae,
			"n_features": float64(len(model.FeatureNames)),
			"n_trees":    float64(len(forest.Trees)),
		})
	})
}

func readForestConfig(path string) (services.ForestConfig, error) {
	var cfg services.ForestConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("rf_config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("rf_config %s: %w", path, err)
	}
	return cfg, nil
}
