package services

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"airbnb-pipeline/models"
)

func skewedSample() ([]string, []string) {
	var groups, prices []string
	sizes := map[string]int{"Bronx": 7, "Brooklyn": 41, "Manhattan": 44, "Queens": 13, "Staten Island": 3}
	for _, g := range models.NeighbourhoodGroups {
		for i := 0; i < sizes[g]; i++ {
			groups = append(groups, g)
			prices = append(prices, "100")
		}
	}
	return groups, prices
}

func TestSplitPartitionsRows(t *testing.T) {
	tbl := listingTable(skewedSample())
	n := tbl.Len()

	for _, size := range []float64{0.01, 0.2, 0.33, 0.5, 0.99} {
		train, test, err := Split(tbl, size, 42, NoStratify)
		require.NoError(t, err)

		wantTest := int(math.Ceil(size * float64(n)))
		require.Len(t, test, wantTest, "test size %g", size)
		require.Len(t, train, n-wantTest)

		seen := make(map[int]bool, n)
		for _, part := range [][]int{train, test} {
			for i, r := range part {
				require.False(t, seen[r], "row %d in both partitions", r)
				seen[r] = true
				if i > 0 {
					require.Less(t, part[i-1], r, "partition not in input order")
				}
			}
		}
		require.Len(t, seen, n)
	}
}

func TestSplitDeterministic(t *testing.T) {
	tbl := listingTable(skewedSample())

	train1, test1, err := Split(tbl, 0.2, 42, models.ColNeighbourhoodGroup)
	require.NoError(t, err)
	train2, test2, err := Split(tbl, 0.2, 42, models.ColNeighbourhoodGroup)
	require.NoError(t, err)

	if diff := cmp.Diff(test1, test2); diff != "" {
		t.Errorf("test partition differs for equal seeds (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(train1, train2); diff != "" {
		t.Errorf("train partition differs for equal seeds (-first +second):\n%s", diff)
	}

	_, other, err := Split(tbl, 0.2, 7, models.ColNeighbourhoodGroup)
	require.NoError(t, err)
	require.NotEqual(t, test1, other)
}

func TestSplitStratifiedProportions(t *testing.T) {
	tbl := listingTable(skewedSample())
	n := tbl.Len()
	_, test, err := Split(tbl, 0.2, 42, models.ColNeighbourhoodGroup)
	require.NoError(t, err)

	col, _ := tbl.Column(models.ColNeighbourhoodGroup)
	total := map[string]int{}
	for i := 0; i < n; i++ {
		total[tbl.Value(i, col)]++
	}
	inTest := map[string]int{}
	for _, r := range test {
		inTest[tbl.Value(r, col)]++
	}

	for g, size := range total {
		exact := float64(len(test)) * float64(size) / float64(n)
		require.Less(t, math.Abs(float64(inTest[g])-exact), 1.0, "stratum %s", g)
	}
}

func TestAllocateLargestRemainder(t *testing.T) {
	strata := []stratum{
		{key: "a", rows: make([]int, 5)},
		{key: "b", rows: make([]int, 3)},
		{key: "c", rows: make([]int, 2)},
	}
	// exact shares of 5 test rows: 2.5, 1.5, 1.0
	got := allocate(strata, 5, 10)
	if diff := cmp.Diff([]int{3, 1, 1}, got); diff != "" {
		t.Errorf("allocation mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitErrors(t *testing.T) {
	tbl := listingTable(skewedSample())

	_, _, err := Split(tbl, 0, 1, NoStratify)
	require.Error(t, err)
	_, _, err = Split(tbl, 1, 1, NoStratify)
	require.Error(t, err)
	_, _, err = Split(tbl, 0.2, 1, "no_such_column")
	require.ErrorContains(t, err, "no_such_column")
	_, _, err = Split(listingTable([]string{"Bronx"}, []string{"1"}), 0.5, 1, NoStratify)
	require.Error(t, err)
}
