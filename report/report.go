package report

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/types"
)

// StageName is the stage name used in results.
const StageName = "report"

// Reporter appends per-run ROI statistics to the tables under a
// derivatives directory.
type Reporter struct {
	runner      *stage.Runner
	derivatives string
}

// New creates a reporter writing under derivatives.
func New(runner *stage.Runner, derivatives string) *Reporter {
	return &Reporter{runner: runner, derivatives: derivatives}
}

// TractometryTable is the path of the bundle table for a map.
func (r *Reporter) TractometryTable(mapName string) string {
	return filepath.Join(r.derivatives, "tractometry_"+mapName+".tsv")
}

// AtlasTable is the path of the atlas ROI table for a map.
func (r *Reporter) AtlasTable(mapName string) string {
	return filepath.Join(r.derivatives, "jhu_"+mapName+".tsv")
}

// Entry is one table a run contributed to.
type Entry struct {
	Table   string `json:"table"`
	Columns int    `json:"columns"`
	// Added is false when the label already had a row.
	Added bool `json:"added"`
}

// Result is the outcome of reporting one run.
type Result struct {
	types.StageResult
	Entries []Entry
}

// Bundles appends the mean of every map inside every bundle mask of
// bundlesDir as one row keyed by label, one table per map. Labels already
// present are skipped without invoking any tool.
func (r *Reporter) Bundles(ctx context.Context, label, bundlesDir string, maps map[string]types.Artifact) *Result {
	start := time.Now()
	mark := r.runner.Mark()
	res := &Result{}

	err := func() error {
		for _, name := range sortedNames(maps) {
			path := r.TractometryTable(name)
			e, err := r.record(path, label, func() (map[string]string, error) {
				if err := r.runner.Require("roi_mean", maps[name].Path, bundlesDir); err != nil {
					return nil, err
				}
				masks, err := BundleMasks(bundlesDir)
				if err != nil {
					return nil, err
				}
				if len(masks) == 0 {
					return nil, types.NewStageError(types.ErrMissingPrerequisite, "roi_mean", bundlesDir,
						errors.New("no bundle masks"))
				}
				return BundleMeans(ctx, r.runner, masks, maps[name].Path)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			res.Entries = append(res.Entries, e)
		}
		return nil
	}()
	return r.seal(res, start, mark, err)
}

// Atlas appends the mean of every map inside every atlas label as one row
// keyed by label, one table per map.
func (r *Reporter) Atlas(ctx context.Context, label, labels string, maps map[string]types.Artifact) *Result {
	start := time.Now()
	mark := r.runner.Mark()
	res := &Result{}

	err := func() error {
		for _, name := range sortedNames(maps) {
			e, err := r.record(r.AtlasTable(name), label, func() (map[string]string, error) {
				if err := r.runner.Require("atlas_mean", maps[name].Path, labels); err != nil {
					return nil, err
				}
				return AtlasMeans(ctx, r.runner, maps[name].Path, labels)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			res.Entries = append(res.Entries, e)
		}
		return nil
	}()
	return r.seal(res, start, mark, err)
}

func (r *Reporter) record(path, label string, values func() (map[string]string, error)) (Entry, error) {
	e := Entry{Table: path}
	t, err := ReadTable(path)
	if err != nil {
		return e, err
	}
	if t.Has(label) {
		r.runner.Logger().Skip("report", path)
		return e, nil
	}
	v, err := values()
	if err != nil {
		return e, err
	}
	e.Columns = len(v)
	e.Added, err = AppendRow(path, label, v)
	if err == nil && e.Added {
		r.runner.Logger().Info("report row appended", map[string]any{"table": path, "label": label})
	}
	return e, err
}

func (r *Reporter) seal(res *Result, start time.Time, mark int64, err error) *Result {
	if err != nil {
		res.StageResult = types.Failed(StageName, err)
	} else {
		res.StageResult = types.Succeeded(StageName)
		for _, e := range res.Entries {
			a := types.NewArtifact(filepath.Base(e.Table), e.Table)
			res.Artifacts[a.Name] = a
		}
	}
	res.StageResult = r.runner.Seal(res.StageResult, start, mark)
	return res
}

func sortedNames(maps map[string]types.Artifact) []string {
	names := make([]string, 0, len(maps))
	for n := range maps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
