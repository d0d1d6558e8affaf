// Package report aggregates per-run scalar statistics into shared tables.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pithecene-io/dwiflow/iox"
)

// KeyColumn is the first column of every table.
const KeyColumn = "Subject"

// Table is a tab-separated table keyed by its first column.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ReadTable reads a TSV file. A missing file is an empty table.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	return &Table{Headers: records[0], Rows: records[1:]}, nil
}

// Has reports whether a row keyed by key exists.
func (t *Table) Has(key string) bool {
	for _, row := range t.Rows {
		if len(row) > 0 && row[0] == key {
			return true
		}
	}
	return false
}

// Reshape reorders every row to headers. Columns absent from the current
// headers become empty; current columns absent from headers are dropped.
func (t *Table) Reshape(headers []string) {
	if slices.Equal(t.Headers, headers) {
		return
	}
	index := make(map[string]int, len(t.Headers))
	for i, h := range t.Headers {
		index[h] = i
	}
	for r, row := range t.Rows {
		out := make([]string, len(headers))
		for i, h := range headers {
			if j, ok := index[h]; ok && j < len(row) {
				out[i] = row[j]
			}
		}
		t.Rows[r] = out
	}
	t.Headers = append([]string(nil), headers...)
}

// Write replaces path with the table, rows sorted by key.
func (t *Table) Write(path string) error {
	sort.SliceStable(t.Rows, func(i, j int) bool { return t.Rows[i][0] < t.Rows[j][0] })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	defer iox.DiscardErr(func() error { return os.Remove(tmp.Name()) })

	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	if err := w.Write(t.Headers); err != nil {
		iox.DiscardClose(tmp)
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		iox.DiscardClose(tmp)
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// AppendRow adds a row keyed by key with one value per column name to the
// table at path. The table is rewritten with KeyColumn followed by the
// sorted union of existing and new column names; cells a row lacks stay
// empty. It returns false when key is already present.
func AppendRow(path, key string, values map[string]string) (bool, error) {
	t, err := ReadTable(path)
	if err != nil {
		return false, err
	}
	if t.Has(key) {
		return false, nil
	}

	columns := make([]string, 0, len(values)+len(t.Headers))
	if len(t.Headers) > 0 {
		columns = append(columns, t.Headers[1:]...)
	}
	for c := range values {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	columns = slices.Compact(columns)
	t.Reshape(append([]string{KeyColumn}, columns...))

	row := []string{key}
	for _, c := range columns {
		row = append(row, values[c])
	}
	t.Rows = append(t.Rows, row)
	return true, t.Write(path)
}
