package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"airbnb-pipeline/storage"
)

// ModelFormatVersion is bumped whenever the exported JSON layout changes.
const ModelFormatVersion = 1

// PriceModel is the exported inference pipeline: feature encoding followed by
// the forest.
type PriceModel struct {
	FormatVersion int              `json:"format_version"`
	TrainedAt     time.Time        `json:"trained_at"`
	FeatureNames  []string         `json:"feature_names"`
	Features      *FeaturePipeline `json:"features"`
	Forest        *Forest          `json:"forest"`
}

func NewPriceModel(features *FeaturePipeline, forest *Forest) *PriceModel {
	return &PriceModel{
		FormatVersion: ModelFormatVersion,
		TrainedAt:     time.Now().UTC(),
		FeatureNames:  features.FeatureNames(),
		Features:      features,
		Forest:        forest,
	}
}

// Predict encodes t and returns one price per row.
func (m *PriceModel) Predict(t *storage.Table) ([]float64, error) {
	X, err := m.Features.Transform(t)
	if err != nil {
		return nil, err
	}
	return m.Forest.Predict(X)
}

// Save writes the model as JSON to path, creating the directory if needed.
func (m *PriceModel) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("model: create dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("model: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("model: write %q: %w", path, err)
	}
	return nil
}

// LoadPriceModel reads a model written by Save.
func LoadPriceModel(path string) (*PriceModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: read %q: %w", path, err)
	}
	var m PriceModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("model: decode %q: %w", path, err)
	}
	if m.FormatVersion != ModelFormatVersion {
		return nil, fmt.Errorf("model: unsupported format version %d", m.FormatVersion)
	}
	if m.Features == nil || m.Forest == nil || len(m.Forest.Trees) == 0 {
		return nil, errors.New("model: incomplete model file")
	}
	return &m, nil
}

// R2 is the coefficient of determination. A constant target scores 1 when
// predicted exactly and 0 otherwise.
func R2(y, pred []float64) (float64, error) {
	if err := sameLength(y, pred); err != nil {
		return 0, err
	}
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	var ssRes, ssTot float64
	for i := range y {
		ssRes += (y[i] - pred[i]) * (y[i] - pred[i])
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// MAE is the mean absolute error.
func MAE(y, pred []float64) (float64, error) {
	if err := sameLength(y, pred); err != nil {
		return 0, err
	}
	var s float64
	for i := range y {
		s += math.Abs(y[i] - pred[i])
	}
	return s / float64(len(y)), nil
}

func sameLength(y, pred []float64) error {
	if len(y) == 0 {
		return errors.New("metrics: no samples")
	}
	if len(y) != len(pred) {
		return fmt.Errorf("metrics: %d targets but %d predictions", len(y), len(pred))
	}
	return nil
}
