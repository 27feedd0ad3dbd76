package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/utils"
)

// Default row count bounds for a listings sample (exclusive).
const (
	DefaultMinRows = 15000
	DefaultMaxRows = 1000000
)

// CheckResult is the outcome of one data check.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// CheckInput bundles the tables and thresholds the checks run against.
type CheckInput struct {
	Sample      *storage.Table
	Reference   *storage.Table
	KLThreshold float64
	Price       PriceRange
}

// DataChecker runs deterministic and statistical checks on a cleaned sample.
type DataChecker struct {
	logger  *utils.Logger
	MinRows int
	MaxRows int
}

func NewDataChecker(logger *utils.Logger) *DataChecker {
	return &DataChecker{logger: logger, MinRows: DefaultMinRows, MaxRows: DefaultMaxRows}
}

// Run executes every check, even after a failure, and returns the results in
// a fixed order.
func (c *DataChecker) Run(in CheckInput) []CheckResult {
	results := []CheckResult{
		c.checkColumnNames(in.Sample),
		c.checkNeighbourhoodNames(in.Sample),
		c.checkRowCount(in.Sample),
		c.checkPriceRange(in.Sample, in.Price),
		c.checkDistribution(in.Sample, in.Reference, in.KLThreshold),
	}
	for _, r := range results {
		if r.Passed {
			c.logger.Info("[check] %-36s PASS %s", r.Name, r.Detail)
		} else {
			c.logger.Error("[check] %-36s FAIL %s", r.Name, r.Detail)
		}
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []CheckResult) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func (c *DataChecker) checkColumnNames(t *storage.Table) CheckResult {
	res := CheckResult{Name: "column_names"}
	if len(t.Header) != len(models.ListingColumns) {
		res.Detail = fmt.Sprintf("expected %d columns, got %d", len(models.ListingColumns), len(t.Header))
		return res
	}
	for i, want := range models.ListingColumns {
		if t.Header[i] != want {
			res.Detail = fmt.Sprintf("column %d: expected %q, got %q", i, want, t.Header[i])
			return res
		}
	}
	res.Passed = true
	return res
}

func (c *DataChecker) checkNeighbourhoodNames(t *storage.Table) CheckResult {
	res := CheckResult{Name: "neighbourhood_names"}
	col, err := t.MustColumn(models.ColNeighbourhoodGroup)
	if err != nil {
		res.Detail = err.Error()
		return res
	}

	seen := make(map[string]bool)
	for i := 0; i < t.Len(); i++ {
		seen[strings.TrimSpace(t.Value(i, col))] = true
	}
	want := make(map[string]bool, len(models.NeighbourhoodGroups))
	for _, g := range models.NeighbourhoodGroups {
		want[g] = true
	}

	var missing, unexpected []string
	for g := range want {
		if !seen[g] {
			missing = append(missing, g)
		}
	}
	for g := range seen {
		if !want[g] {
			unexpected = append(unexpected, g)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	if len(missing) > 0 || len(unexpected) > 0 {
		res.Detail = fmt.Sprintf("missing %q, unexpected %q", missing, unexpected)
		return res
	}
	res.Passed = true
	return res
}

func (c *DataChecker) checkRowCount(t *storage.Table) CheckResult {
	n := t.Len()
	return CheckResult{
		Name:   "row_count",
		Passed: n > c.MinRows && n < c.MaxRows,
		Detail: fmt.Sprintf("%d rows, want %d < n < %d", n, c.MinRows, c.MaxRows),
	}
}

func (c *DataChecker) checkPriceRange(t *storage.Table, r PriceRange) CheckResult {
	res := CheckResult{Name: "price_range"}
	col, err := t.MustColumn(models.ColPrice)
	if err != nil {
		res.Detail = err.Error()
		return res
	}

	bad := 0
	first := -1
	for i := 0; i < t.Len(); i++ {
		p, ok := t.Float(i, col)
		if ok && r.Contains(p) {
			continue
		}
		bad++
		if first < 0 {
			first = i
		}
	}
	if bad > 0 {
		res.Detail = fmt.Sprintf("%d prices outside [%g, %g], first at row %d (%q)",
			bad, r.Min, r.Max, first, t.Value(first, col))
		return res
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("all prices in [%g, %g]", r.Min, r.Max)
	return res
}

func (c *DataChecker) checkDistribution(sample, ref *storage.Table, threshold float64) CheckResult {
	res := CheckResult{Name: "similar_neighbourhood_distribution"}
	if ref == nil {
		res.Detail = "no reference dataset"
		return res
	}
	p, err := Distribution(sample, models.ColNeighbourhoodGroup)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	q, err := Distribution(ref, models.ColNeighbourhoodGroup)
	if err != nil {
		res.Detail = "reference: " + err.Error()
		return res
	}

	kl := KLDivergence(p, q)
	res.Passed = kl < threshold
	res.Detail = fmt.Sprintf("kl=%.6f threshold=%g", kl, threshold)
	return res
}

// Distribution returns the relative frequency of every value of col.
func Distribution(t *storage.Table, col string) (map[string]float64, error) {
	idx, err := t.MustColumn(col)
	if err != nil {
		return nil, err
	}
	if t.Len() == 0 {
		return nil, fmt.Errorf("column %q has no rows", col)
	}
	counts := make(map[string]float64)
	for i := 0; i < t.Len(); i++ {
		counts[strings.TrimSpace(t.Value(i, idx))]++
	}
	n := float64(t.Len())
	for k := range counts {
		counts[k] /= n
	}
	return counts, nil
}

// KLDivergence computes D(p || q) in bits over the union of categories. It is
// +Inf when q has zero mass where p does not.
func KLDivergence(p, q map[string]float64) float64 {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var d float64
	for _, k := range keys {
		pk := p[k]
		if pk <= 0 {
			continue
		}
		qk := q[k]
		if qk <= 0 {
			return math.Inf(1)
		}
		d += pk * math.Log2(pk/qk)
	}
	return d
}
