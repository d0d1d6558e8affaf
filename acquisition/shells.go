package acquisition

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
)

// ZeroThreshold is the b-value below which a shell counts as b0. Scanners
// report near-zero values such as 4.9 for unweighted volumes.
const ZeroThreshold = 5.0

// ParseShellBValues parses the whitespace separated output of
// `mrinfo -shell_bvalues`.
func ParseShellBValues(out string) ([]float64, error) {
	var vals []float64
	for _, f := range strings.Fields(out) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid b-value %q: %w", f, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// NonZeroShells returns the distinct shells at or above ZeroThreshold, sorted.
func NonZeroShells(bvalues []float64) []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, b := range bvalues {
		if b < ZeroThreshold {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Float64s(out)
	return out
}

// ClassifyShells reports whether bvalues hold more than one distinct
// non-zero shell.
func ClassifyShells(bvalues []float64) bool {
	return len(NonZeroShells(bvalues)) > 1
}

// QueryShells asks mrinfo for the shell b-values of a .mif image.
func QueryShells(ctx context.Context, runner *stage.Runner, image string) ([]float64, error) {
	out, err := runner.Query(ctx, "shell_bvalues",
		toolexec.Command("mrinfo", image, "-shell_bvalues").Reads(image))
	if err != nil {
		return nil, err
	}
	return ParseShellBValues(string(out))
}

// CachedShells returns the shell b-values of image, recording them in
// <stem>_shells.txt so that a resumed run does not query mrinfo again.
func CachedShells(ctx context.Context, runner *stage.Runner, image string) ([]float64, error) {
	stem, _ := bridge.SplitExt(image)
	cache := stem + "_shells.txt"
	err := runner.Do("shell_bvalues", []string{cache}, func() error {
		out, err := runner.Query(ctx, "shell_bvalues",
			toolexec.Command("mrinfo", image, "-shell_bvalues").Reads(image))
		if err != nil {
			return err
		}
		return os.WriteFile(cache, out, 0o644)
	})
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cache)
	if err != nil {
		return nil, fmt.Errorf("read shell cache: %w", err)
	}
	return ParseShellBValues(string(data))
}
