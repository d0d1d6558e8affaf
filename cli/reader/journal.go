package reader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/journal"
	"github.com/pithecene-io/dwiflow/types"
)

// ErrNoJournal is returned when an analysis directory has no journal.
var ErrNoJournal = errors.New("no journal recorded")

// Inspect reads the journal of run under bidsRoot.
func Inspect(bidsRoot string, run types.PipelineRun) (*AnalysisView, error) {
	layout := artifact.NewLayout(bidsRoot, run)
	return inspectDir(run.Label(), layout.AnalysisDir(), layout.Journal())
}

func inspectDir(label, dir, path string) (*AnalysisView, error) {
	entries, truncated, err := journal.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoJournal)
	}
	stages, _ := journal.Latest(entries)
	last := entries[len(entries)-1]

	v := &AnalysisView{
		Label:       label,
		AnalysisDir: dir,
		RunID:       last.RunID,
		Status:      StatusIncomplete,
		UpdatedAt:   last.Ts,
		Entries:     len(entries),
		Truncated:   truncated,
		Stages:      make([]StageView, 0, len(stages)),
	}
	// Stage entries after the last outcome belong to an interrupted run.
	if last.Type == journal.EntryOutcome {
		v.Status = last.Status
		v.FailedStage = last.Stage
		v.ErrorKind = last.ErrorKind
		v.Message = last.Message
	}
	for _, s := range stages {
		v.Stages = append(v.Stages, StageView{
			Stage:      s.Stage,
			Status:     s.Status,
			Reused:     s.Reused,
			ErrorKind:  s.ErrorKind,
			Message:    s.Message,
			DurationMs: s.DurationMs,
			RunID:      s.RunID,
		})
	}
	return v, nil
}

// List returns every analysis directory under <bidsRoot>/derivatives that
// holds a journal, sorted by label.
func List(bidsRoot string) ([]AnalysisItem, error) {
	derivatives := filepath.Join(bidsRoot, artifact.DerivativesDir)
	pattern := filepath.Join(derivatives, "sub-*", "ses-*", "dwi-*", artifact.JournalFile)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(derivatives); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no derivatives under %s", bidsRoot)
	}

	items := make([]AnalysisItem, 0, len(paths))
	for _, path := range paths {
		dir := filepath.Dir(path)
		run, ok := ParseAnalysisDir(dir)
		if !ok {
			continue
		}
		v, err := inspectDir(run.Label(), dir, path)
		if errors.Is(err, ErrNoJournal) {
			continue
		}
		if err != nil {
			items = append(items, AnalysisItem{Label: run.Label(), Status: StatusUnknown, AnalysisDir: dir})
			continue
		}
		items = append(items, AnalysisItem{
			Label:       v.Label,
			Status:      v.Status,
			FailedStage: v.FailedStage,
			RunID:       v.RunID,
			UpdatedAt:   v.UpdatedAt,
			AnalysisDir: dir,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items, nil
}

// ParseAnalysisDir recovers the run of a .../sub-S/ses-T/dwi-A[_removed_volumes]
// directory.
func ParseAnalysisDir(dir string) (types.PipelineRun, bool) {
	name := filepath.Base(dir)
	ses := filepath.Base(filepath.Dir(dir))
	sub := filepath.Base(filepath.Dir(filepath.Dir(dir)))
	if !strings.HasPrefix(name, "dwi-") || !strings.HasPrefix(ses, "ses-") || !strings.HasPrefix(sub, "sub-") {
		return types.PipelineRun{}, false
	}
	acq := strings.TrimPrefix(name, "dwi-")
	removed := strings.HasSuffix(acq, types.RemovedVolumesSuffix)
	acq = strings.TrimSuffix(acq, types.RemovedVolumesSuffix)
	if acq == "" {
		return types.PipelineRun{}, false
	}
	return types.NewPipelineRun(sub, ses, acq, removed), true
}

// InspectDir reads the journal of an analysis directory given by path.
func InspectDir(dir string) (*AnalysisView, error) {
	dir = filepath.Clean(dir)
	run, ok := ParseAnalysisDir(dir)
	if !ok {
		return nil, fmt.Errorf("%s is not an analysis directory (sub-*/ses-*/dwi-*)", dir)
	}
	return inspectDir(run.Label(), dir, filepath.Join(dir, artifact.JournalFile))
}
