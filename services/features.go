package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
)

const lastReviewLayout = "2006-01-02"

// DefaultLastReview replaces missing or unparseable last_review dates.
var DefaultLastReview = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// Columns imputed with zero, respectively with the training median.
var (
	ZeroImputedColumns = []string{
		models.ColMinimumNights,
		models.ColNumberOfReviews,
		models.ColReviewsPerMonth,
		models.ColCalculatedHostListingsCount,
		models.ColAvailability365,
	}
	MedianImputedColumns = []string{
		models.ColLongitude,
		models.ColLatitude,
	}
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "will": true, "with": true, "you": true, "your": true,
}

// FeaturePipeline turns listing rows into numeric feature vectors. Fit learns
// medians, categories, the reference date and the TF-IDF vocabulary from the
// training rows; Transform applies them unchanged to any later table.
type FeaturePipeline struct {
	MaxTfidfFeatures int `json:"max_tfidf_features"`

	Medians        map[string]float64 `json:"medians"`
	Neighbourhoods []string           `json:"neighbourhoods"`
	FallbackGroup  string             `json:"fallback_group"`
	ReferenceDate  string             `json:"reference_date"`
	Vocabulary     []string           `json:"vocabulary"`
	IDF            []float64          `json:"idf"`
}

func NewFeaturePipeline(maxTfidfFeatures int) *FeaturePipeline {
	return &FeaturePipeline{MaxTfidfFeatures: maxTfidfFeatures}
}

// Fit learns the pipeline state from t.
func (f *FeaturePipeline) Fit(t *storage.Table) error {
	if t.Len() == 0 {
		return errors.New("features: cannot fit on an empty table")
	}

	f.Medians = make(map[string]float64, len(MedianImputedColumns))
	for _, name := range MedianImputedColumns {
		col, err := t.MustColumn(name)
		if err != nil {
			return fmt.Errorf("features: %w", err)
		}
		var vals []float64
		for i := 0; i < t.Len(); i++ {
			if v, ok := t.Float(i, col); ok && !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		f.Medians[name] = median(vals)
	}

	groupCol, err := t.MustColumn(models.ColNeighbourhoodGroup)
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}
	counts := make(map[string]int)
	for i := 0; i < t.Len(); i++ {
		if g := strings.TrimSpace(t.Value(i, groupCol)); g != "" {
			counts[g]++
		}
	}
	f.Neighbourhoods = f.Neighbourhoods[:0]
	for g := range counts {
		f.Neighbourhoods = append(f.Neighbourhoods, g)
	}
	sort.Strings(f.Neighbourhoods)
	f.FallbackGroup = ""
	for _, g := range f.Neighbourhoods {
		if f.FallbackGroup == "" || counts[g] > counts[f.FallbackGroup] {
			f.FallbackGroup = g
		}
	}

	dateCol, err := t.MustColumn(models.ColLastReview)
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}
	ref := DefaultLastReview
	for i := 0; i < t.Len(); i++ {
		if d := parseReviewDate(t.Value(i, dateCol)); d.After(ref) {
			ref = d
		}
	}
	f.ReferenceDate = ref.Format(lastReviewLayout)

	return f.fitTfidf(t)
}

func (f *FeaturePipeline) fitTfidf(t *storage.Table) error {
	f.Vocabulary, f.IDF = nil, nil
	if f.MaxTfidfFeatures <= 0 {
		return nil
	}
	nameCol, err := t.MustColumn(models.ColName)
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}

	freq := make(map[string]int)
	df := make(map[string]int)
	for i := 0; i < t.Len(); i++ {
		seen := make(map[string]bool)
		for _, tok := range tokenize(t.Value(i, nameCol)) {
			freq[tok]++
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > f.MaxTfidfFeatures {
		terms = terms[:f.MaxTfidfFeatures]
	}
	sort.Strings(terms)

	n := float64(t.Len())
	f.Vocabulary = terms
	f.IDF = make([]float64, len(terms))
	for i, term := range terms {
		f.IDF[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	return nil
}

// FeatureNames lists the output columns of Transform, in order.
func (f *FeaturePipeline) FeatureNames() []string {
	var names []string
	names = append(names, ZeroImputedColumns...)
	names = append(names, MedianImputedColumns...)
	names = append(names, models.ColRoomType)
	for _, g := range f.Neighbourhoods {
		names = append(names, models.ColNeighbourhoodGroup+"="+g)
	}
	names = append(names, "days_since_last_review")
	for _, term := range f.Vocabulary {
		names = append(names, "name_tfidf="+term)
	}
	return names
}

// Transform encodes every row of t. Missing columns are an error.
func (f *FeaturePipeline) Transform(t *storage.Table) ([][]float64, error) {
	if f.ReferenceDate == "" {
		return nil, errors.New("features: pipeline is not fitted")
	}
	ref, err := time.Parse(lastReviewLayout, f.ReferenceDate)
	if err != nil {
		return nil, fmt.Errorf("features: reference date: %w", err)
	}

	lookup := func(names ...string) ([]int, error) {
		cols := make([]int, len(names))
		for i, n := range names {
			c, err := t.MustColumn(n)
			if err != nil {
				return nil, fmt.Errorf("features: %w", err)
			}
			cols[i] = c
		}
		return cols, nil
	}
	zeroCols, err := lookup(ZeroImputedColumns...)
	if err != nil {
		return nil, err
	}
	medianCols, err := lookup(MedianImputedColumns...)
	if err != nil {
		return nil, err
	}
	other, err := lookup(models.ColRoomType, models.ColNeighbourhoodGroup, models.ColLastReview)
	if err != nil {
		return nil, err
	}
	roomCol, groupCol, dateCol := other[0], other[1], other[2]
	nameCol := -1
	if len(f.Vocabulary) > 0 {
		c, err := lookup(models.ColName)
		if err != nil {
			return nil, err
		}
		nameCol = c[0]
	}

	groupIndex := make(map[string]int, len(f.Neighbourhoods))
	for i, g := range f.Neighbourhoods {
		groupIndex[g] = i
	}
	termIndex := make(map[string]int, len(f.Vocabulary))
	for i, term := range f.Vocabulary {
		termIndex[term] = i
	}

	width := len(f.FeatureNames())
	X := make([][]float64, t.Len())
	for r := 0; r < t.Len(); r++ {
		row := make([]float64, 0, width)
		for _, c := range zeroCols {
			v, ok := t.Float(r, c)
			if !ok || math.IsNaN(v) {
				v = 0
			}
			row = append(row, v)
		}
		for i, c := range medianCols {
			v, ok := t.Float(r, c)
			if !ok || math.IsNaN(v) {
				v = f.Medians[MedianImputedColumns[i]]
			}
			row = append(row, v)
		}

		row = append(row, roomTypeOrdinal(t.Value(r, roomCol)))

		onehot := make([]float64, len(f.Neighbourhoods))
		g := strings.TrimSpace(t.Value(r, groupCol))
		if g == "" {
			g = f.FallbackGroup
		}
		if i, ok := groupIndex[g]; ok {
			onehot[i] = 1
		}
		row = append(row, onehot...)

		row = append(row, ref.Sub(parseReviewDate(t.Value(r, dateCol))).Hours()/24)

		if nameCol >= 0 {
			row = append(row, f.tfidf(t.Value(r, nameCol), termIndex)...)
		}
		X[r] = row
	}
	return X, nil
}

func (f *FeaturePipeline) tfidf(text string, termIndex map[string]int) []float64 {
	vec := make([]float64, len(f.Vocabulary))
	for _, tok := range tokenize(text) {
		if i, ok := termIndex[tok]; ok {
			vec[i]++
		}
	}
	var norm float64
	for i := range vec {
		vec[i] *= f.IDF[i]
		norm += vec[i] * vec[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Targets parses the price column as regression targets.
func Targets(t *storage.Table) ([]float64, error) {
	col, err := t.MustColumn(models.ColPrice)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	y := make([]float64, t.Len())
	for i := range y {
		v, ok := t.Float(i, col)
		if !ok || math.IsNaN(v) {
			return nil, fmt.Errorf("features: row %d has invalid price %q", i, t.Value(i, col))
		}
		y[i] = v
	}
	return y, nil
}

// roomTypeOrdinal encodes known room types by position, unknown ones as -1.
func roomTypeOrdinal(s string) float64 {
	s = strings.TrimSpace(s)
	for i, rt := range models.RoomTypes {
		if rt == s {
			return float64(i)
		}
	}
	return -1
}

func parseReviewDate(s string) time.Time {
	d, err := time.Parse(lastReviewLayout, strings.TrimSpace(s))
	if err != nil {
		return DefaultLastReview
	}
	return d
}

// tokenize lower-cases text and splits it into runs of two or more letters
// or digits, dropping stop words.
func tokenize(text string) []string {
	var out []string
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}
