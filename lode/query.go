package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoMetricsFound is returned when the dataset holds no metrics record
// matching the filter.
var ErrNoMetricsFound = errors.New("no metrics records found")

// QueryLatestMetrics returns the most recent metrics record, optionally
// restricted to runID.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, runID string) (map[string]any, error) {
	var found map[string]any
	err := scan(ctx, ds, RecordKindMetrics, func(record map[string]any) bool {
		if runID != "" && toString(record["run_id"]) != runID {
			return true
		}
		found = record
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoMetricsFound
	}
	return found, nil
}

// QueryCombinations returns combination records, latest first, optionally
// restricted to one subject.
func QueryCombinations(ctx context.Context, ds lode.Dataset, subject string) ([]map[string]any, error) {
	var out []map[string]any
	err := scan(ctx, ds, RecordKindCombination, func(record map[string]any) bool {
		if subject == "" || toString(record["subject"]) == subject {
			out = append(out, record)
		}
		return true
	})
	return out, err
}

// scan visits records of kind from the latest snapshot backwards until fn
// returns false. Manifest paths are a coarse filter; record fields decide.
func scan(ctx context.Context, ds lode.Dataset, kind string, fn func(map[string]any) bool) error {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return WrapReadError(err, string(ds.ID())+"/snapshots")
	}
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasPartition(snap, "record_kind", kind) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != kind {
				continue
			}
			if !fn(record) {
				return nil
			}
		}
	}
	return nil
}

func snapshotHasPartition(snap *lode.DatasetSnapshot, key, value string) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue reports whether a Hive path has an exact key=value
// segment, so run-1 does not match run-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
