package services

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/utils"
)

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// Summarize computes price statistics and category counts over a listings
// table. Missing columns simply leave the matching fields empty.
func (s *InsightService) Summarize(t *storage.Table) *models.DatasetSummary {
	summary := &models.DatasetSummary{
		ByNeighbourhood: make(map[string]int),
		ByRoomType:      make(map[string]int),
	}
	if t == nil || t.Len() == 0 {
		return summary
	}
	summary.TotalRows = t.Len()

	priceCol, hasPrice := t.Column(models.ColPrice)
	nameCol, hasName := t.Column(models.ColName)
	groupCol, hasGroup := t.Column(models.ColNeighbourhoodGroup)
	roomCol, hasRoom := t.Column(models.ColRoomType)

	var mean float64
	for i := 0; i < t.Len(); i++ {
		if hasGroup {
			if g := t.Value(i, groupCol); g != "" {
				summary.ByNeighbourhood[g]++
			}
		}
		if hasRoom {
			if r := t.Value(i, roomCol); r != "" {
				summary.ByRoomType[r]++
			}
		}
		if !hasPrice {
			continue
		}
		price, ok := t.Float(i, priceCol)
		if !ok || math.IsNaN(price) || math.IsInf(price, 0) {
			continue
		}
		if summary.PricedRows == 0 || price < summary.MinPrice {
			summary.MinPrice = price
		}
		if summary.PricedRows == 0 || price > summary.MaxPrice {
			summary.MaxPrice = price
			if hasName {
				summary.MostExpensive = t.Value(i, nameCol)
			}
		}
		summary.PricedRows++
		// Running mean; a plain sum overflows for very large prices.
		mean += (price - mean) / float64(summary.PricedRows)
	}

	if summary.PricedRows > 0 {
		summary.AveragePrice = round2(mean)
		summary.MinPrice = round2(summary.MinPrice)
		summary.MaxPrice = round2(summary.MaxPrice)
	}
	return summary
}

// Metrics flattens the summary into run summary values.
func (s *InsightService) Metrics(prefix string, d *models.DatasetSummary) map[string]float64 {
	m := map[string]float64{
		prefix + "rows":        float64(d.TotalRows),
		prefix + "priced_rows": float64(d.PricedRows),
	}
	if d.PricedRows > 0 {
		m[prefix+"price_mean"] = d.AveragePrice
		m[prefix+"price_min"] = d.MinPrice
		m[prefix+"price_max"] = d.MaxPrice
	}
	return m
}

func (s *InsightService) Print(w io.Writer, title string, d *models.DatasetSummary) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  %s\033[0m\n", title)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Rows         : \033[1m%d\033[0m\n", d.TotalRows)
	fmt.Fprintf(w, "  Priced rows  : \033[1m%d\033[0m\n", d.PricedRows)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Price Statistics (per night)\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if d.PricedRows > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m$%.2f\033[0m\n", d.AveragePrice)
		fmt.Fprintf(w, "  Minimum price : \033[1;32m$%.2f\033[0m\n", d.MinPrice)
		fmt.Fprintf(w, "  Maximum price : \033[1;32m$%.2f\033[0m\n", d.MaxPrice)
		if d.MostExpensive != "" {
			fmt.Fprintf(w, "  Most expensive: %s\n", truncate(d.MostExpensive, 50))
		}
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	printCounts(w, "Listings by Neighbourhood Group", thin, d.ByNeighbourhood)
	printCounts(w, "Listings by Room Type", thin, d.ByRoomType)

	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)
}

func printCounts(w io.Writer, heading, thin string, counts map[string]int) {
	fmt.Fprintf(w, "\033[1;33m  %s\033[0m\n", heading)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(counts) == 0 {
		fmt.Fprintf(w, "  No data\n\n")
		return
	}

	type kv struct {
		key   string
		count int
	}
	var rows []kv
	total := 0
	for k, c := range counts {
		rows = append(rows, kv{k, c})
		total += c
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].key < rows[j].key
	})
	for _, r := range rows {
		// Bars are scaled to 30 cells for the largest share.
		bar := strings.Repeat("█", r.count*30/rows[0].count)
		fmt.Fprintf(w, "  %-20s %-30s %d (%.1f%%)\n",
			truncate(r.key, 20), bar, r.count, 100*float64(r.count)/float64(total))
	}
	fmt.Fprintln(w)
}

func round2(f float64) float64 {
	r := math.Round(f*100) / 100
	if math.IsInf(r, 0) {
		return f
	}
	return r
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
