package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Table is a CSV file held in memory. Cells are kept as the raw text read
// from disk so rows can be written back out unchanged.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// NewTable creates an empty table with the given header.
func NewTable(header []string) *Table {
	t := &Table{Header: append([]string(nil), header...)}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		if _, dup := t.index[h]; !dup {
			t.index[h] = i
		}
	}
}

// Column returns the position of the named column.
func (t *Table) Column(name string) (int, bool) {
	if t.index == nil {
		t.buildIndex()
	}
	i, ok := t.index[name]
	return i, ok
}

// MustColumn is like Column but returns an error naming the missing column.
func (t *Table) MustColumn(name string) (int, error) {
	i, ok := t.Column(name)
	if !ok {
		return 0, fmt.Errorf("csv: column %q not found", name)
	}
	return i, nil
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Value returns the cell of row r in column col, or "" if the row is short.
func (t *Table) Value(r, col int) string {
	row := t.Rows[r]
	if col >= len(row) {
		return ""
	}
	return row[col]
}

// Float parses the cell of row r in column col. Empty cells and non-numeric
// text report ok=false.
func (t *Table) Float(r, col int) (float64, bool) {
	return ParseFloat(t.Value(r, col))
}

// ParseFloat parses a numeric cell. NaN parses successfully and is left to
// the caller. Go literal forms (digit separators, hex) are not numbers here.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsRune(s, '_') || strings.Contains(strings.ToLower(s), "0x") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Subset returns a table with the same header and the rows at the given
// positions, in the given order. Row slices are shared, not copied.
func (t *Table) Subset(rows []int) *Table {
	out := NewTable(t.Header)
	out.Rows = make([][]string, 0, len(rows))
	for _, r := range rows {
		out.Rows = append(out.Rows, t.Rows[r])
	}
	return out
}

// ReadCSV loads a CSV file whose first record is the header.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %q: %w", path, err)
	}
	defer f.Close()

	t, err := DecodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("csv: read %q: %w", path, err)
	}
	return t, nil
}

// DecodeCSV reads a header and all records from r.
func DecodeCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty file, no header")
		}
		return nil, err
	}
	// Strip a UTF-8 BOM some exporters put in front of the first column.
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := NewTable(header)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// WriteCSV creates (or truncates) the file at path and writes the header
// followed by every row. Intermediate directories are created automatically.
func WriteCSV(path string, t *Table) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("csv: create output dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: create file %q: %w", path, err)
	}

	if err := EncodeCSV(f, t); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv: write %q: %w", path, err)
	}
	return f.Close()
}

// EncodeCSV writes the header and rows of t to w.
func EncodeCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
