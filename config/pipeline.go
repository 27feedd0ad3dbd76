package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Pipeline is the decoded pipeline configuration file.
//
//	main {
//	  project_name          = "nyc_airbnb"
//	  experiment_name       = "development"
//	  steps                 = "all"
//	  components_repository = "https://example.com/components"
//	}
//	etl { ... }
//	data_check { ... }
//	modeling { random_forest { ... } }
type Pipeline struct {
	Main      MainSection      `hcl:"main,block"`
	ETL       ETLSection       `hcl:"etl,block"`
	DataCheck DataCheckSection `hcl:"data_check,block"`
	Modeling  ModelingSection  `hcl:"modeling,block"`
}

type MainSection struct {
	ProjectName          string `hcl:"project_name"`
	ExperimentName       string `hcl:"experiment_name"`
	Steps                string `hcl:"steps,optional"`
	ComponentsRepository string `hcl:"components_repository,optional"`
}

type ETLSection struct {
	Sample         string  `hcl:"sample"`
	MinPrice       float64 `hcl:"min_price"`
	MaxPrice       float64 `hcl:"max_price"`
	PreprocessName string  `hcl:"preprocess_name"`
}

type DataCheckSection struct {
	KLThreshold float64 `hcl:"kl_threshold"`
}

type ModelingSection struct {
	TestSize         float64             `hcl:"test_size"`
	ValSize          float64             `hcl:"val_size"`
	RandomSeed       int                 `hcl:"random_seed"`
	StratifyBy       string              `hcl:"stratify_by,optional"`
	MaxTfidfFeatures int                 `hcl:"max_tfidf_features"`
	RandomForest     RandomForestSection `hcl:"random_forest,block"`
}

// RandomForestSection is serialised verbatim to rf_config.json for the
// training step.
type RandomForestSection struct {
	NEstimators     int     `hcl:"n_estimators" json:"n_estimators"`
	MaxDepth        int     `hcl:"max_depth,optional" json:"max_depth"`
	MinSamplesSplit int     `hcl:"min_samples_split,optional" json:"min_samples_split"`
	MinSamplesLeaf  int     `hcl:"min_samples_leaf,optional" json:"min_samples_leaf"`
	NJobs           int     `hcl:"n_jobs,optional" json:"n_jobs"`
	Criterion       string  `hcl:"criterion,optional" json:"criterion"`
	MaxFeatures     float64 `hcl:"max_features,optional" json:"max_features"`
	Bootstrap       *bool   `hcl:"bootstrap,optional" json:"bootstrap,omitempty"`
}

// StepsAll selects the default step list.
const StepsAll = "all"

// LoadPipeline parses and decodes the pipeline file at path.
func LoadPipeline(path string) (*Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	return ParsePipeline(src, path)
}

// ParsePipeline decodes HCL source. filename is used in diagnostics only.
func ParsePipeline(src []byte, filename string) (*Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", filename, diags)
	}

	var p Pipeline
	diags = gohcl.DecodeBody(file.Body, evalContext(), &p)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode pipeline config %s: %w", filename, diags)
	}
	p.applyDefaults()
	return &p, nil
}

// evalContext exposes env(name[, default]) to configuration expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if len(args) > 2 {
			return cty.NilVal, errors.New("env takes a name and at most one default")
		}
		if v := os.Getenv(args[0].AsString()); v != "" {
			return cty.StringVal(v), nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

func (p *Pipeline) applyDefaults() {
	if strings.TrimSpace(p.Main.Steps) == "" {
		p.Main.Steps = StepsAll
	}
	if p.Modeling.StratifyBy == "" {
		p.Modeling.StratifyBy = "none"
	}
	rf := &p.Modeling.RandomForest
	if rf.MinSamplesSplit == 0 {
		rf.MinSamplesSplit = 2
	}
	if rf.MinSamplesLeaf == 0 {
		rf.MinSamplesLeaf = 1
	}
	if rf.Criterion == "" {
		rf.Criterion = "squared_error"
	}
}

// Validate checks value ranges that HCL decoding cannot express.
func (p *Pipeline) Validate() error {
	var errs []error
	if p.Main.ProjectName == "" {
		errs = append(errs, errors.New("main.project_name must not be empty"))
	}
	if p.Main.ExperimentName == "" {
		errs = append(errs, errors.New("main.experiment_name must not be empty"))
	}
	if p.ETL.PreprocessName == "" {
		errs = append(errs, errors.New("etl.preprocess_name must not be empty"))
	}
	if p.ETL.MinPrice > p.ETL.MaxPrice {
		errs = append(errs, fmt.Errorf("etl.min_price (%g) is greater than etl.max_price (%g)", p.ETL.MinPrice, p.ETL.MaxPrice))
	}
	if p.DataCheck.KLThreshold <= 0 {
		errs = append(errs, errors.New("data_check.kl_threshold must be positive"))
	}
	if p.Modeling.TestSize <= 0 || p.Modeling.TestSize >= 1 {
		errs = append(errs, fmt.Errorf("modeling.test_size must be in (0, 1), got %g", p.Modeling.TestSize))
	}
	if p.Modeling.ValSize <= 0 || p.Modeling.ValSize >= 1 {
		errs = append(errs, fmt.Errorf("modeling.val_size must be in (0, 1), got %g", p.Modeling.ValSize))
	}
	if p.Modeling.MaxTfidfFeatures < 0 {
		errs = append(errs, errors.New("modeling.max_tfidf_features must not be negative"))
	}
	if p.Modeling.RandomForest.NEstimators < 1 {
		errs = append(errs, errors.New("modeling.random_forest.n_estimators must be at least 1"))
	}
	return errors.Join(errs...)
}

// ApplyOverrides applies "section.key=value" assignments on top of the
// decoded file, e.g. "etl.min_price=20" or "main.steps=download,basic_cleaning".
func (p *Pipeline) ApplyOverrides(overrides []string) error {
	targets := p.overrideTargets()
	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("override %q: expected key=value", o)
		}
		target, known := targets[key]
		if !known {
			return fmt.Errorf("override %q: unknown key %q", o, key)
		}
		if err := setValue(target, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("override %q: %w", o, err)
		}
	}
	return nil
}

func (p *Pipeline) overrideTargets() map[string]any {
	rf := &p.Modeling.RandomForest
	return map[string]any{
		"main.project_name":          &p.Main.ProjectName,
		"main.experiment_name":       &p.Main.ExperimentName,
		"main.steps":                 &p.Main.Steps,
		"main.components_repository": &p.Main.ComponentsRepository,

		"etl.sample":          &p.ETL.Sample,
		"etl.min_price":       &p.ETL.MinPrice,
		"etl.max_price":       &p.ETL.MaxPrice,
		"etl.preprocess_name": &p.ETL.PreprocessName,

		"data_check.kl_threshold": &p.DataCheck.KLThreshold,

		"modeling.test_size":          &p.Modeling.TestSize,
		"modeling.val_size":           &p.Modeling.ValSize,
		"modeling.random_seed":        &p.Modeling.RandomSeed,
		"modeling.stratify_by":        &p.Modeling.StratifyBy,
		"modeling.max_tfidf_features": &p.Modeling.MaxTfidfFeatures,

		"modeling.random_forest.n_estimators":      &rf.NEstimators,
		"modeling.random_forest.max_depth":         &rf.MaxDepth,
		"modeling.random_forest.min_samples_split": &rf.MinSamplesSplit,
		"modeling.random_forest.min_samples_leaf":  &rf.MinSamplesLeaf,
		"modeling.random_forest.n_jobs":            &rf.NJobs,
		"modeling.random_forest.criterion":         &rf.Criterion,
		"modeling.random_forest.max_features":      &rf.MaxFeatures,
		"modeling.random_forest.bootstrap":         &rf.Bootstrap,
	}
}

func setValue(target any, value string) error {
	switch t := target.(type) {
	case *string:
		*t = value
	case *float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", value)
		}
		*t = f
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %q", value)
		}
		*t = n
	case **bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", value)
		}
		*t = &b
	default:
		return fmt.Errorf("unsupported target type %T", target)
	}
	return nil
}
