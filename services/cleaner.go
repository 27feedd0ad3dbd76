package services

import (
	"errors"
	"fmt"
	"math"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/utils"
)

// ErrInvalidPriceRange is returned when the lower bound exceeds the upper one.
var ErrInvalidPriceRange = errors.New("min price is greater than max price")

// PriceRange is a closed interval [Min, Max].
type PriceRange struct {
	Min float64
	Max float64
}

// Validate rejects NaN bounds and inverted intervals.
func (r PriceRange) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) {
		return errors.New("price bounds must be numbers")
	}
	if r.Min > r.Max {
		return fmt.Errorf("%w: %g > %g", ErrInvalidPriceRange, r.Min, r.Max)
	}
	return nil
}

// Contains reports whether p lies in the closed interval. NaN never does.
func (r PriceRange) Contains(p float64) bool {
	return p >= r.Min && p <= r.Max
}

// CleanStats counts what the cleaner kept and why it dropped rows.
type CleanStats struct {
	RowsIn       int
	RowsOut      int
	OutOfRange   int
	InvalidPrice int
}

// Dropped is the total number of removed rows.
func (s CleanStats) Dropped() int { return s.RowsIn - s.RowsOut }

// Cleaner filters listing rows by price.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Clean returns a table holding exactly the rows whose price lies in r.
// Rows with an empty or non-numeric price are dropped. Surviving rows keep
// their original order and cell text.
func (c *Cleaner) Clean(t *storage.Table, r PriceRange) (*storage.Table, CleanStats, error) {
	if err := r.Validate(); err != nil {
		return nil, CleanStats{}, err
	}
	priceCol, err := t.MustColumn(models.ColPrice)
	if err != nil {
		return nil, CleanStats{}, err
	}

	stats := CleanStats{RowsIn: t.Len()}
	keep := make([]int, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		price, ok := t.Float(i, priceCol)
		if !ok {
			stats.InvalidPrice++
			continue
		}
		if !r.Contains(price) {
			stats.OutOfRange++
			continue
		}
		keep = append(keep, i)
	}

	out := t.Subset(keep)
	stats.RowsOut = out.Len()

	c.logger.Info("[cleaner] Cleaned %d → %d rows (price in [%g, %g]; %d out of range, %d invalid price)",
		stats.RowsIn, stats.RowsOut, r.Min, r.Max, stats.OutOfRange, stats.InvalidPrice)
	return out, stats, nil
}
