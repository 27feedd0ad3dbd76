package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"airbnb-pipeline/config"
	"airbnb-pipeline/steps"
)

// Artifact names fixed by the pipeline layout.
const (
	SampleArtifact   = "sample.csv"
	ModelArtifact    = "random_forest_model"
	ForestConfigFile = "rf_config.json"
)

// DefaultSteps is what "all" expands to. test_regression_model is left out:
// it needs a model promoted to "prod" and must be requested explicitly.
var DefaultSteps = []string{
	steps.StepDownload,
	steps.StepBasicCleaning,
	steps.StepDataCheck,
	steps.StepDataSplit,
	steps.StepTrainRandomForest,
}

// ActiveSteps parses the main.steps setting. The result always follows the
// canonical step order, whatever order the names were given in.
func ActiveSteps(selection string) ([]string, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" || selection == config.StepsAll {
		return append([]string(nil), DefaultSteps...), nil
	}

	requested := make(map[string]bool)
	for _, name := range strings.Split(selection, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := steps.Lookup(name); err != nil {
			return nil, err
		}
		requested[name] = true
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("no steps selected by %q", selection)
	}

	var active []string
	for _, name := range steps.Names() {
		if requested[name] {
			active = append(active, name)
		}
	}
	return active, nil
}

// Param is one --name value pair passed to a step.
type Param struct {
	Name  string
	Value string
}

// Invocation is one step call with its parameters, in order.
type Invocation struct {
	Step   string
	Params []Param
}

// Args renders the parameters as command-line flags.
func (inv Invocation) Args() []string {
	args := make([]string, 0, 2*len(inv.Params))
	for _, p := range inv.Params {
		args = append(args, "--"+p.Name, p.Value)
	}
	return args
}

// Param returns the value of the named parameter.
func (inv Invocation) Param(name string) (string, bool) {
	for _, p := range inv.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// BuildPlan turns the pipeline configuration into step invocations for the
// active steps. rfConfigPath is the serialised forest section.
func BuildPlan(p *config.Pipeline, active []string, rfConfigPath string) []Invocation {
	project := p.Main.ProjectName
	ref := func(name, alias string) string { return project + "/" + name + ":" + alias }
	num := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
	preprocessed := p.ETL.PreprocessName

	all := map[string][]Param{
		steps.StepDownload: {
			{"sample", anchor(p.ETL.Sample)},
			{"artifact_name", SampleArtifact},
			{"artifact_type", "raw_data"},
			{"artifact_description", "Raw file as downloaded"},
			{"components_repository", anchorDir(p.Main.ComponentsRepository)},
		},
		steps.StepBasicCleaning: {
			{"input_artifact", ref(SampleArtifact, "latest")},
			{"artifact_name", preprocessed},
			{"artifact_type", "raw_data"},
			{"artifact_description", "preprocessed data"},
			{"min_price", num(p.ETL.MinPrice)},
			{"max_price", num(p.ETL.MaxPrice)},
		},
		steps.StepDataCheck: {
			{"ref", ref(preprocessed, "reference")},
			{"csv", ref(preprocessed, "latest")},
			{"kl_threshold", num(p.DataCheck.KLThreshold)},
			{"min_price", num(p.ETL.MinPrice)},
			{"max_price", num(p.ETL.MaxPrice)},
		},
		steps.StepDataSplit: {
			{"input", ref(preprocessed, "latest")},
			{"test_size", num(p.Modeling.TestSize)},
			{"random_seed", strconv.Itoa(p.Modeling.RandomSeed)},
			{"stratify_by", p.Modeling.StratifyBy},
		},
		steps.StepTrainRandomForest: {
			{"trainval_artifact", ref(steps.TrainValArtifact, "latest")},
			{"rf_config", rfConfigPath},
			{"val_size", num(p.Modeling.ValSize)},
			{"random_seed", strconv.Itoa(p.Modeling.RandomSeed)},
			{"stratify_by", p.Modeling.StratifyBy},
			{"max_tfidf_features", strconv.Itoa(p.Modeling.MaxTfidfFeatures)},
			{"output_artifact", ModelArtifact},
		},
		steps.StepTestRegressionModel: {
			{"mlflow_model", ref(ModelArtifact, "prod")},
			{"test_dataset", ref(steps.TestArtifact, "latest")},
		},
	}

	plan := make([]Invocation, 0, len(active))
	for _, name := range active {
		plan = append(plan, Invocation{Step: name, Params: all[name]})
	}
	return plan
}

// WriteForestConfig serialises the random forest section to dir/rf_config.json
// and returns its absolute path.
func WriteForestConfig(dir string, rf config.RandomForestSection) (string, error) {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rf_config: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, ForestConfigFile))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("rf_config: %w", err)
	}
	return path, nil
}

// anchor makes an existing relative local path absolute; steps run in a
// temporary directory.
func anchor(p string) string {
	if p == "" || isRemote(p) || filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err != nil {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func anchorDir(p string) string {
	if p == "" || isRemote(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
