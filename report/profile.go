package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/pithecene-io/dwiflow/iox"
)

// ProfileSummary condenses one bundle profile of a tractometry table.
type ProfileSummary struct {
	Bundle string  `json:"bundle" msgpack:"bundle"`
	Mean   float64 `json:"mean" msgpack:"mean"`
	StdDev float64 `json:"std_dev" msgpack:"std_dev"`
	Points int     `json:"points" msgpack:"points"`
}

// SummarizeProfiles reads a tractometry CSV (semicolon separated, bundle
// names in the header, one row per position along the bundle) and returns
// the mean and standard deviation of each bundle profile, sorted by bundle.
// Non-numeric cells are skipped.
func SummarizeProfiles(path string) ([]ProfileSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read %s: empty tractometry table", path)
	}

	header := records[0]
	columns := make([][]float64, len(header))
	for _, row := range records[1:] {
		for i := range header {
			if i >= len(row) {
				break
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
			if err != nil || math.IsNaN(v) {
				continue
			}
			columns[i] = append(columns[i], v)
		}
	}

	out := make([]ProfileSummary, 0, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s := ProfileSummary{Bundle: name, Points: len(columns[i])}
		switch len(columns[i]) {
		case 0:
		case 1:
			s.Mean = columns[i][0]
		default:
			s.Mean, s.StdDev = stat.MeanStdDev(columns[i], nil)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bundle < out[j].Bundle })
	return out, nil
}
