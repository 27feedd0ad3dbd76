package services

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"airbnb-pipeline/storage"
	"airbnb-pipeline/utils"
)

func newTestLogger() *utils.Logger { return utils.NopLogger() }

func priceTable(prices ...string) *storage.Table {
	t := storage.NewTable([]string{"id", "name", "price"})
	for i, p := range prices {
		t.Rows = append(t.Rows, []string{strconv.Itoa(i), "listing " + strconv.Itoa(i), p})
	}
	return t
}

func TestCleanerKeepsClosedInterval(t *testing.T) {
	c := NewCleaner(newTestLogger())
	in := priceTable("10", "9.99", "350", "350.01", "120")

	out, stats, err := c.Clean(in, PriceRange{Min: 10, Max: 350})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}

	var ids []string
	for i := 0; i < out.Len(); i++ {
		ids = append(ids, out.Value(i, 0))
	}
	want := []string{"0", "2", "4"}
	if len(ids) != len(want) {
		t.Fatalf("kept ids: got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("kept ids: got %v, want %v", ids, want)
			break
		}
	}
	if stats.RowsIn != 5 || stats.RowsOut != 3 || stats.OutOfRange != 2 || stats.Dropped() != 2 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestCleanerDropsInvalidPrices(t *testing.T) {
	c := NewCleaner(newTestLogger())
	in := priceTable("", "free", "NaN", "$100", "100", "+Inf")

	out, stats, err := c.Clean(in, PriceRange{Min: 0, Max: 1000})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out.Len() != 1 || out.Value(0, 2) != "100" {
		t.Errorf("expected only the numeric 100 row, got %q", out.Rows)
	}
	if stats.InvalidPrice != 3 {
		t.Errorf("invalid price count: got %d, want 3", stats.InvalidPrice)
	}
	if stats.OutOfRange != 2 {
		t.Errorf("out of range count (NaN, +Inf): got %d, want 2", stats.OutOfRange)
	}
}

func TestCleanerPreservesCellsAndHeader(t *testing.T) {
	c := NewCleaner(newTestLogger())
	in := priceTable("0150.0")
	out, _, err := c.Clean(in, PriceRange{Min: 100, Max: 200})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out.Value(0, 2) != "0150.0" {
		t.Errorf("price cell rewritten: %q", out.Value(0, 2))
	}
	if len(out.Header) != 3 || out.Header[2] != "price" {
		t.Errorf("header changed: %q", out.Header)
	}
}

func TestCleanerDropsGoLiteralPrices(t *testing.T) {
	c := NewCleaner(newTestLogger())
	out, _, err := c.Clean(priceTable("1_00", "0x64", "100"), PriceRange{Min: 10, Max: 350})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out.Len() != 1 || out.Rows[0][2] != "100" {
		t.Errorf("kept rows %v, want only the plain 100", out.Rows)
	}
}

func TestCleanerRejectsBadInput(t *testing.T) {
	c := NewCleaner(newTestLogger())

	_, _, err := c.Clean(priceTable("10"), PriceRange{Min: 50, Max: 10})
	if !errors.Is(err, ErrInvalidPriceRange) {
		t.Errorf("inverted range: got %v, want ErrInvalidPriceRange", err)
	}

	noPrice := storage.NewTable([]string{"id"})
	if _, _, err := c.Clean(noPrice, PriceRange{Min: 0, Max: 1}); err == nil {
		t.Error("expected error for missing price column")
	}
}

// For every row r: r is in the output iff min <= r.price <= max.
func TestCleanerFilterProperty(t *testing.T) {
	c := NewCleaner(newTestLogger())
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		var prices []string
		for i := 0; i < 200; i++ {
			prices = append(prices, strconv.FormatFloat(rng.Float64()*500-50, 'f', 2, 64))
		}
		in := priceTable(prices...)
		lo := rng.Float64() * 200
		r := PriceRange{Min: lo, Max: lo + rng.Float64()*300}

		out, _, err := c.Clean(in, r)
		if err != nil {
			t.Fatalf("Clean: %v", err)
		}

		kept := make(map[string]bool, out.Len())
		for i := 0; i < out.Len(); i++ {
			kept[out.Value(i, 0)] = true
		}
		for i := 0; i < in.Len(); i++ {
			p, _ := in.Float(i, 2)
			want := p >= r.Min && p <= r.Max
			if kept[in.Value(i, 0)] != want {
				t.Fatalf("trial %d row %d price %v range %+v: kept=%v want %v",
					trial, i, p, r, kept[in.Value(i, 0)], want)
			}
		}
	}
}
