package reader

import (
	"context"
	"errors"
	"sort"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dwiflow/lode"
)

// Metrics returns the latest stored metrics record, optionally for runID.
func Metrics(ctx context.Context, ds lodelib.Dataset, runID string) (*MetricsView, error) {
	record, err := lode.QueryLatestMetrics(ctx, ds, runID)
	if err != nil {
		return nil, err
	}
	return ParseMetricsRecord(record)
}

// Combinations returns the stored combination summaries, latest first,
// optionally restricted to one subject.
func Combinations(ctx context.Context, ds lodelib.Dataset, subject string) ([]AnalysisItem, error) {
	records, err := lode.QueryCombinations(ctx, ds, subject)
	if err != nil {
		return nil, err
	}
	items := make([]AnalysisItem, 0, len(records))
	for _, r := range records {
		items = append(items, AnalysisItem{
			Label:  toString(r["label"]),
			Status: toString(r["status"]),
			RunID:  toString(r["run_id"]),
		})
	}
	return items, nil
}

// ParseMetricsRecord converts a stored metrics record. Numbers may arrive
// as int64 from direct writes or float64 after a JSON round trip.
func ParseMetricsRecord(record map[string]any) (*MetricsView, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}
	v := &MetricsView{
		RunID:                 toString(record["run_id"]),
		Ts:                    toString(record["ts"]),
		Policy:                toString(record["policy"]),
		Registration:          toString(record["registration"]),
		StorageBackend:        toString(record["storage_backend"]),
		CombinationsStarted:   toInt64(record["combinations_started"]),
		CombinationsCompleted: toInt64(record["combinations_completed"]),
		CombinationsFailed:    toInt64(record["combinations_failed"]),
		CombinationsSkipped:   toInt64(record["combinations_skipped"]),
		StagesSucceeded:       toInt64(record["stages_succeeded"]),
		StagesFailed:          toInt64(record["stages_failed"]),
		StagesReused:          toInt64(record["stages_reused"]),
		ToolInvocations:       toInt64(record["tool_invocations"]),
		ToolFailures:          toInt64(record["tool_failures"]),
		ArtifactsSkipped:      toInt64(record["artifacts_skipped"]),
	}
	if m, ok := record["failed_by_stage"].(map[string]any); ok && len(m) > 0 {
		v.FailedByStage = make(map[string]int64, len(m))
		for k, n := range m {
			v.FailedByStage[k] = toInt64(n)
		}
	}
	if v.RunID == "" {
		return nil, errors.New("metrics record missing required field: run_id")
	}
	if v.Ts == "" {
		return nil, errors.New("metrics record missing required field: ts")
	}
	return v, nil
}

// StageNames returns the keys of FailedByStage in order.
func (v *MetricsView) StageNames() []string {
	names := make([]string, 0, len(v.FailedByStage))
	for k := range v.FailedByStage {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
