package services

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
)

// listingTable builds a full-width listings table. Each entry in groups
// becomes one row with the given neighbourhood group and price.
func listingTable(groups []string, prices []string) *storage.Table {
	t := storage.NewTable(models.ListingColumns)
	for i := range groups {
		row := make([]string, len(models.ListingColumns))
		row[0] = fmt.Sprint(i)
		row[1] = fmt.Sprintf("Cozy room %d near park", i)
		row[4] = groups[i]
		row[5] = "Somewhere"
		row[6] = "40.7"
		row[7] = "-73.9"
		row[8] = "Private room"
		row[9] = prices[i]
		row[10] = "1"
		row[11] = "3"
		row[12] = "2019-05-01"
		row[13] = "0.5"
		row[14] = "1"
		row[15] = "100"
		t.Rows = append(t.Rows, row)
	}
	return t
}

func boroughSample(perGroup int, price string) *storage.Table {
	var groups, prices []string
	for _, g := range models.NeighbourhoodGroups {
		for i := 0; i < perGroup; i++ {
			groups = append(groups, g)
			prices = append(prices, price)
		}
	}
	return listingTable(groups, prices)
}

func checkByName(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result for check %q", name)
	return CheckResult{}
}

func TestKLDivergence(t *testing.T) {
	p := map[string]float64{"a": 0.5, "b": 0.5}
	require.Zero(t, KLDivergence(p, p))

	q := map[string]float64{"a": 0.75, "b": 0.25}
	want := 0.5*math.Log2(0.5/0.75) + 0.5*math.Log2(0.5/0.25)
	require.InDelta(t, want, KLDivergence(p, q), 1e-12)

	require.True(t, math.IsInf(KLDivergence(p, map[string]float64{"a": 1}), 1))
	// Categories only in the reference contribute nothing.
	require.InDelta(t, 1.0, KLDivergence(map[string]float64{"a": 1}, p), 1e-12)
}

func TestDataCheckerAllPass(t *testing.T) {
	c := NewDataChecker(newTestLogger())
	c.MinRows, c.MaxRows = 5, 100

	sample := boroughSample(4, "100")
	results := c.Run(CheckInput{
		Sample:      sample,
		Reference:   boroughSample(3, "50"),
		KLThreshold: 0.2,
		Price:       PriceRange{Min: 10, Max: 350},
	})
	require.Len(t, results, 5)
	require.Empty(t, Failed(results))
}

func TestDataCheckerTrimsNeighbourhoodNames(t *testing.T) {
	c := NewDataChecker(newTestLogger())
	c.MinRows, c.MaxRows = 5, 100

	sample := boroughSample(4, "100")
	for i := range sample.Rows {
		sample.Rows[i][4] = " " + sample.Rows[i][4] + " "
	}
	results := c.Run(CheckInput{
		Sample:      sample,
		Reference:   boroughSample(3, "50"),
		KLThreshold: 0.2,
		Price:       PriceRange{Min: 10, Max: 350},
	})
	require.True(t, checkByName(t, results, "neighbourhood_names").Passed)
	require.True(t, checkByName(t, results, "similar_neighbourhood_distribution").Passed)
}

func TestDataCheckerReportsEveryFailure(t *testing.T) {
	c := NewDataChecker(newTestLogger())
	c.MinRows, c.MaxRows = 5, 100

	sample := listingTable(
		[]string{"Manhattan", "Manhattan", "Atlantis"},
		[]string{"100", "500", ""},
	)
	sample.Header[3] = "host"

	results := c.Run(CheckInput{
		Sample:      sample,
		Reference:   boroughSample(2, "100"),
		KLThreshold: 0.2,
		Price:       PriceRange{Min: 10, Max: 350},
	})

	failed := Failed(results)
	require.Len(t, failed, 5)
	require.Contains(t, checkByName(t, results, "column_names").Detail, "host")
	require.Contains(t, checkByName(t, results, "neighbourhood_names").Detail, "Atlantis")
	require.Contains(t, checkByName(t, results, "price_range").Detail, "2 prices")
	require.Contains(t, checkByName(t, results, "similar_neighbourhood_distribution").Detail, "kl=+Inf")
}

func TestDataCheckerRowCountBoundsAreExclusive(t *testing.T) {
	c := NewDataChecker(newTestLogger())
	c.MinRows, c.MaxRows = 10, 20

	require.False(t, c.checkRowCount(boroughSample(2, "1")).Passed)
	require.True(t, c.checkRowCount(boroughSample(3, "1")).Passed)
	require.False(t, c.checkRowCount(boroughSample(4, "1")).Passed)
}

func TestDistributionRequiresColumn(t *testing.T) {
	_, err := Distribution(storage.NewTable([]string{"id"}), models.ColNeighbourhoodGroup)
	require.Error(t, err)
}
