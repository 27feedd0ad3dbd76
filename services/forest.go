package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"airbnb-pipeline/utils"
)

// CriterionSquaredError is the only split criterion the forest implements.
const CriterionSquaredError = "squared_error"

// ForestConfig mirrors the keys of rf_config.json.
type ForestConfig struct {
	NEstimators     int     `json:"n_estimators"`
	MaxDepth        int     `json:"max_depth"`
	MinSamplesSplit int     `json:"min_samples_split"`
	MinSamplesLeaf  int     `json:"min_samples_leaf"`
	NJobs           int     `json:"n_jobs"`
	Criterion       string  `json:"criterion"`
	MaxFeatures     float64 `json:"max_features"`
	Bootstrap       *bool   `json:"bootstrap,omitempty"`
	RandomState     int64   `json:"random_state"`
}

// Normalize fills defaults and rejects values that cannot train a forest.
// MaxDepth <= 0 means unlimited depth; NJobs <= 0 means one worker per CPU.
func (c *ForestConfig) Normalize(logger *utils.Logger) error {
	if c.NEstimators < 1 {
		return fmt.Errorf("forest: n_estimators must be at least 1, got %d", c.NEstimators)
	}
	if c.MinSamplesSplit < 2 {
		c.MinSamplesSplit = 2
	}
	if c.MinSamplesLeaf < 1 {
		c.MinSamplesLeaf = 1
	}
	if c.MaxFeatures < 0 || math.IsNaN(c.MaxFeatures) {
		return fmt.Errorf("forest: max_features must not be negative, got %g", c.MaxFeatures)
	}
	if c.Criterion == "" {
		c.Criterion = CriterionSquaredError
	}
	if c.Criterion != CriterionSquaredError {
		if logger != nil {
			logger.Warn("[forest] criterion %q not supported, using %s", c.Criterion, CriterionSquaredError)
		}
		c.Criterion = CriterionSquaredError
	}
	return nil
}

func (c ForestConfig) bootstrap() bool {
	return c.Bootstrap == nil || *c.Bootstrap
}

// featuresPerSplit resolves max_features: a fraction in (0, 1] of the
// features, an absolute count above 1, or every feature when zero.
func (c ForestConfig) featuresPerSplit(nFeatures int) int {
	var k int
	switch {
	case c.MaxFeatures == 0:
		k = nFeatures
	case c.MaxFeatures <= 1:
		k = int(c.MaxFeatures * float64(nFeatures))
	default:
		k = int(c.MaxFeatures)
	}
	if k < 1 {
		k = 1
	}
	if k > nFeatures {
		k = nFeatures
	}
	return k
}

// Node is one node of a regression tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// Tree is a regression tree stored as a flat node list rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks the tree for one feature vector.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest is a bagged ensemble of regression trees.
type Forest struct {
	Config    ForestConfig `json:"config"`
	NFeatures int          `json:"n_features"`
	Trees     []Tree       `json:"trees"`
}

func NewForest(cfg ForestConfig) *Forest {
	return &Forest{Config: cfg}
}

// Fit trains every tree on the worker pool. Tree i draws from a generator
// seeded with RandomState+i, so the result does not depend on scheduling.
func (f *Forest) Fit(ctx context.Context, X [][]float64, y []float64, logger *utils.Logger) error {
	if err := f.Config.Normalize(logger); err != nil {
		return err
	}
	if len(X) == 0 {
		return errors.New("forest: no training rows")
	}
	if len(X) != len(y) {
		return fmt.Errorf("forest: %d rows but %d targets", len(X), len(y))
	}
	f.NFeatures = len(X[0])
	for i, row := range X {
		if len(row) != f.NFeatures {
			return fmt.Errorf("forest: row %d has %d features, want %d", i, len(row), f.NFeatures)
		}
	}

	start := time.Now()
	f.Trees = make([]Tree, f.Config.NEstimators)
	pool := utils.NewWorkerPool(ctx, f.Config.NJobs)
	for i := range f.Trees {
		i := i
		pool.Submit(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := &treeBuilder{
				cfg: f.Config,
				X:   X,
				y:   y,
				rng: rand.New(rand.NewSource(f.Config.RandomState + int64(i))),
			}
			f.Trees[i] = b.build()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return fmt.Errorf("forest: training interrupted: %w", err)
	}

	if logger != nil {
		logger.Info("[forest] Trained %d trees on %d rows × %d features in %v",
			len(f.Trees), len(X), f.NFeatures, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// Predict averages the trees' predictions for each row.
func (f *Forest) Predict(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, errors.New("forest: model has no trees")
	}
	out := make([]float64, len(X))
	for i, x := range X {
		if len(x) != f.NFeatures {
			return nil, fmt.Errorf("forest: row %d has %d features, want %d", i, len(x), f.NFeatures)
		}
		var sum float64
		for t := range f.Trees {
			sum += f.Trees[t].Predict(x)
		}
		out[i] = sum / float64(len(f.Trees))
	}
	return out, nil
}

type treeBuilder struct {
	cfg   ForestConfig
	X     [][]float64
	y     []float64
	rng   *rand.Rand
	nodes []Node
}

func (b *treeBuilder) build() Tree {
	n := len(b.X)
	sample := make([]int, n)
	if b.cfg.bootstrap() {
		for i := range sample {
			sample[i] = b.rng.Intn(n)
		}
	} else {
		for i := range sample {
			sample[i] = i
		}
	}
	b.grow(sample, 0)
	return Tree{Nodes: b.nodes}
}

// grow appends the subtree for rows and returns its node index.
func (b *treeBuilder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Value: b.mean(rows)})

	if len(rows) < b.cfg.MinSamplesSplit || (b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth) {
		return idx
	}
	feature, threshold, ok := b.bestSplit(rows)
	if !ok {
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if b.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: b.nodes[idx].Value}
	return idx
}

func (b *treeBuilder) mean(rows []int) float64 {
	var s float64
	for _, r := range rows {
		s += b.y[r]
	}
	return s / float64(len(rows))
}

// bestSplit searches a random subset of features for the threshold that
// minimises the summed squared error of both children.
func (b *treeBuilder) bestSplit(rows []int) (feature int, threshold float64, ok bool) {
	n := len(rows)
	minLeaf := b.cfg.MinSamplesLeaf
	if n < 2*minLeaf {
		return 0, 0, false
	}

	var total, totalSq float64
	for _, r := range rows {
		total += b.y[r]
		totalSq += b.y[r] * b.y[r]
	}
	parentSSE := totalSq - total*total/float64(n)
	if parentSSE <= 1e-12 {
		return 0, 0, false
	}

	nFeatures := len(b.X[0])
	candidates := b.rng.Perm(nFeatures)[:b.cfg.featuresPerSplit(nFeatures)]

	best := parentSSE
	sorted := make([]int, n)
	for _, f := range candidates {
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool { return b.X[sorted[i]][f] < b.X[sorted[j]][f] })

		var leftSum, leftSq float64
		for i := 0; i < n-1; i++ {
			v := b.y[sorted[i]]
			leftSum += v
			leftSq += v * v
			nl := i + 1
			nr := n - nl
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			cur, next := b.X[sorted[i]][f], b.X[sorted[i+1]][f]
			if cur == next {
				continue
			}
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			if sse < best-1e-12 {
				best = sse
				feature = f
				threshold = cur + (next-cur)/2
				if threshold >= next {
					threshold = cur
				}
				ok = true
			}
		}
	}
	return feature, threshold, ok
}
