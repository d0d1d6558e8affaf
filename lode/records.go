package lode

import (
	"time"

	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/report"
	"github.com/pithecene-io/dwiflow/types"
)

// Record kinds, also the first partition key.
const (
	RecordKindCombination = "combination"
	RecordKindMetrics     = "metrics"
)

// runPartition fills the subject/session/acquisition partition keys of
// run-level records.
const runPartition = "_run"

// StageRecord is the stored form of one stage result.
type StageRecord struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Reused     bool   `json:"reused"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Summary is the outcome of one combination as published to the sink.
type Summary struct {
	RunID       string
	Run         types.PipelineRun
	Status      string
	ErrorKind   string
	Message     string
	Stages      []types.StageResult
	Profiles    map[string][]report.ProfileSummary
	CompletedAt time.Time
}

func toStageRecords(stages []types.StageResult) []map[string]any {
	out := make([]map[string]any, 0, len(stages))
	for _, s := range stages {
		m := map[string]any{
			"stage":       s.Stage,
			"status":      string(s.Status),
			"reused":      s.Reused,
			"duration_ms": s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			m["error_kind"] = types.ErrorKind(s.Err)
			m["message"] = s.Message
		}
		out = append(out, m)
	}
	return out
}

// toCombinationRecordMap converts a summary to a map for Lode storage.
// Lode HiveLayout requires records as map[string]any.
func toCombinationRecordMap(s Summary) map[string]any {
	profiles := make(map[string]any, len(s.Profiles))
	for name, ps := range s.Profiles {
		rows := make([]map[string]any, 0, len(ps))
		for _, p := range ps {
			rows = append(rows, map[string]any{
				"bundle":  p.Bundle,
				"mean":    p.Mean,
				"std_dev": p.StdDev,
				"points":  p.Points,
			})
		}
		profiles[name] = rows
	}
	m := map[string]any{
		"record_kind":     RecordKindCombination,
		"run_id":          s.RunID,
		"label":           s.Run.Label(),
		"subject":         s.Run.Subject,
		"session":         s.Run.Session,
		"acquisition":     s.Run.Acquisition,
		"removed_volumes": s.Run.RemovedVolumes,
		"status":          s.Status,
		"stages":          toStageRecords(s.Stages),
		"profiles":        profiles,
		"completed_at":    s.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.ErrorKind != "" {
		m["error_kind"] = s.ErrorKind
		m["message"] = s.Message
	}
	return m
}

// toMetricsRecordMap converts a metrics snapshot to a map for storage.
func toMetricsRecordMap(snap metrics.Snapshot, completedAt time.Time) map[string]any {
	failed := make(map[string]any, len(snap.FailedByStage))
	for k, v := range snap.FailedByStage {
		failed[k] = v
	}
	return map[string]any{
		"record_kind":            RecordKindMetrics,
		"subject":                runPartition,
		"session":                runPartition,
		"acquisition":            runPartition,
		"run_id":                 snap.RunID,
		"ts":                     completedAt.UTC().Format(time.RFC3339Nano),
		"policy":                 snap.Policy,
		"registration":           snap.Registration,
		"storage_backend":        snap.StorageBackend,
		"combinations_started":   snap.CombinationsStarted,
		"combinations_completed": snap.CombinationsCompleted,
		"combinations_failed":    snap.CombinationsFailed,
		"combinations_skipped":   snap.CombinationsSkipped,
		"stages_succeeded":       snap.StagesSucceeded,
		"stages_failed":          snap.StagesFailed,
		"stages_reused":          snap.StagesReused,
		"failed_by_stage":        failed,
		"tool_invocations":       snap.ToolInvocations,
		"tool_failures":          snap.ToolFailures,
		"artifacts_skipped":      snap.ArtifactsSkipped,
		"sink_write_success":     snap.SinkWriteSuccess,
		"sink_write_failure":     snap.SinkWriteFailure,
		"notify_success":         snap.NotifySuccess,
		"notify_failure":         snap.NotifyFailure,
	}
}
