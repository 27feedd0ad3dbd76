package storage

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeCSVKeepsRawCells(t *testing.T) {
	in := "id,name,price\n1,\"Cosy, bright\",150\n2,Loft,00120.50\n"
	tbl, err := DecodeCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("rows: got %d, want 2", tbl.Len())
	}
	col, ok := tbl.Column("price")
	if !ok || col != 2 {
		t.Fatalf("price column: got %d, %v", col, ok)
	}
	if got := tbl.Value(1, col); got != "00120.50" {
		t.Errorf("raw cell: got %q, want %q", got, "00120.50")
	}
	if got := tbl.Value(0, 1); got != "Cosy, bright" {
		t.Errorf("quoted cell: got %q", got)
	}
}

func TestDecodeCSVStripsBOM(t *testing.T) {
	tbl, err := DecodeCSV(strings.NewReader("\ufeffid,price\n1,10\n"))
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if _, ok := tbl.Column("id"); !ok {
		t.Errorf("expected id column after BOM strip, header = %q", tbl.Header)
	}
}

func TestDecodeCSVEmpty(t *testing.T) {
	if _, err := DecodeCSV(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"150", 150, true},
		{" 99.5 ", 99.5, true},
		{"", 0, false},
		{"free", 0, false},
		{"$100", 0, false},
		{"1_00", 0, false},
		{"0x64", 0, false},
		{"-0X1p4", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFloat(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFloat(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}

	nan, ok := ParseFloat("NaN")
	if !ok || !math.IsNaN(nan) {
		t.Errorf("ParseFloat(NaN) = %v, %v", nan, ok)
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "clean.csv")
	tbl := NewTable([]string{"id", "name", "price"})
	tbl.Rows = [][]string{{"1", "A \"quoted\" name", "10"}, {"2", "B", ""}}

	if err := WriteCSV(path, tbl); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	back, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if back.Len() != 2 || back.Value(0, 1) != "A \"quoted\" name" || back.Value(1, 2) != "" {
		t.Errorf("round trip mismatch: %q", back.Rows)
	}

	raw, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(raw), "id,name,price\n") {
		t.Errorf("header not written first: %q", raw)
	}
}

func TestSubsetPreservesOrder(t *testing.T) {
	tbl := NewTable([]string{"id"})
	tbl.Rows = [][]string{{"a"}, {"b"}, {"c"}}
	sub := tbl.Subset([]int{2, 0})
	if sub.Len() != 2 || sub.Value(0, 0) != "c" || sub.Value(1, 0) != "a" {
		t.Errorf("Subset: got %q", sub.Rows)
	}
}
