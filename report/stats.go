package report

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
)

// BundleMasks lists the bundle masks of a TractSeg bundle_segmentations
// directory keyed by bundle name.
func BundleMasks(dir string) (map[string]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.nii.gz"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	out := make(map[string]string, len(files))
	for _, f := range files {
		stem, _ := bridge.SplitExt(filepath.Base(f))
		out[stem] = f
	}
	return out, nil
}

// BundleMeans returns the mean of m inside every bundle mask, formatted as
// printed by mrstats.
func BundleMeans(ctx context.Context, r *stage.Runner, bundles map[string]string, m string) (map[string]string, error) {
	out := make(map[string]string, len(bundles))
	for name, mask := range bundles {
		stdout, err := r.Query(ctx, "roi_mean",
			toolexec.Command("mrstats", m, "-mask", mask, "-output", "mean").Reads(m, mask))
		if err != nil {
			return nil, err
		}
		v := strings.TrimSpace(string(stdout))
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("roi_mean %s: unexpected mrstats output %q", name, v)
		}
		out[name] = v
	}
	return out, nil
}

// AtlasMeans returns the mean of m inside every label of an atlas image,
// keyed JHU_<index> from 1. fslstats -K prints one line per label index.
func AtlasMeans(ctx context.Context, r *stage.Runner, m, labels string) (map[string]string, error) {
	stdout, err := r.Query(ctx, "atlas_mean",
		toolexec.Command("fslstats", "-K", labels, m, "-M").Reads(m, labels))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(stdout)))
	for i := 1; sc.Scan(); i++ {
		v := strings.TrimSpace(sc.Text())
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("atlas_mean: unexpected fslstats output %q", v)
		}
		out[fmt.Sprintf("JHU_%02d", i)] = v
	}
	return out, nil
}
