package services

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"airbnb-pipeline/storage"
)

// NoStratify disables stratified splitting.
const NoStratify = "none"

// Split partitions row positions into train and test sets. The test set has
// ceil(testSize*n) rows. When stratifyBy names a column, each stratum
// contributes to the test set in proportion to its size, with leftover rows
// assigned by largest remainder. Both index slices are ascending, so rows keep
// their input order. The result depends only on the table and seed.
func Split(t *storage.Table, testSize float64, seed int64, stratifyBy string) (train, test []int, err error) {
	if testSize <= 0 || testSize >= 1 || math.IsNaN(testSize) {
		return nil, nil, fmt.Errorf("split: test size must be in (0, 1), got %g", testSize)
	}
	n := t.Len()
	if n < 2 {
		return nil, nil, errors.New("split: need at least two rows")
	}
	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest >= n {
		nTest = n - 1
	}

	strata, err := strataOf(t, stratifyBy)
	if err != nil {
		return nil, nil, err
	}
	quotas := allocate(strata, nTest, n)

	rng := rand.New(rand.NewSource(seed))
	inTest := make([]bool, n)
	for i, s := range strata {
		members := append([]int(nil), s.rows...)
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		for _, r := range members[:quotas[i]] {
			inTest[r] = true
		}
	}

	train = make([]int, 0, n-nTest)
	test = make([]int, 0, nTest)
	for r := 0; r < n; r++ {
		if inTest[r] {
			test = append(test, r)
		} else {
			train = append(train, r)
		}
	}
	return train, test, nil
}

type stratum struct {
	key  string
	rows []int
}

// strataOf groups rows by the value of column, sorted by value. Without a
// column every row falls in a single stratum.
func strataOf(t *storage.Table, column string) ([]stratum, error) {
	if column == "" || column == NoStratify {
		all := make([]int, t.Len())
		for i := range all {
			all[i] = i
		}
		return []stratum{{rows: all}}, nil
	}
	col, err := t.MustColumn(column)
	if err != nil {
		return nil, fmt.Errorf("split: stratify: %w", err)
	}

	byKey := make(map[string][]int)
	for i := 0; i < t.Len(); i++ {
		k := t.Value(i, col)
		byKey[k] = append(byKey[k], i)
	}
	out := make([]stratum, 0, len(byKey))
	for k, rows := range byKey {
		out = append(out, stratum{key: k, rows: rows})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

// allocate distributes nTest rows over strata by largest remainder. Ties go
// to the stratum whose key sorts first.
func allocate(strata []stratum, nTest, n int) []int {
	quotas := make([]int, len(strata))
	rem := make([]float64, len(strata))
	assigned := 0
	for i, s := range strata {
		exact := float64(nTest) * float64(len(s.rows)) / float64(n)
		quotas[i] = int(math.Floor(exact))
		rem[i] = exact - float64(quotas[i])
		assigned += quotas[i]
	}

	order := make([]int, len(strata))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rem[order[a]] > rem[order[b]] })

	for _, i := range order {
		if assigned >= nTest {
			break
		}
		if quotas[i] < len(strata[i].rows) {
			quotas[i]++
			assigned++
		}
	}
	return quotas
}
