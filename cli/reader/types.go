// Package reader loads the read-only views of dwiflow inspect, list and
// stats from analysis journals and the run summary dataset.
package reader

import "time"

// StageView is the latest journal entry of one stage.
type StageView struct {
	Stage      string `json:"stage" yaml:"stage"`
	Status     string `json:"status" yaml:"status"`
	Reused     bool   `json:"reused" yaml:"reused"`
	ErrorKind  string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`
	RunID      string `json:"run_id" yaml:"run_id"`
}

// AnalysisView is the inspect view of one analysis directory.
type AnalysisView struct {
	Label       string      `json:"label" yaml:"label"`
	AnalysisDir string      `json:"analysis_dir" yaml:"analysis_dir"`
	RunID       string      `json:"run_id" yaml:"run_id"`
	Status      string      `json:"status" yaml:"status"`
	FailedStage string      `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message     string      `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at"`
	Entries     int         `json:"entries" yaml:"entries"`
	Truncated   bool        `json:"truncated" yaml:"truncated"`
	Stages      []StageView `json:"stages" yaml:"stages"`
}

// AnalysisItem is one row of dwiflow list.
type AnalysisItem struct {
	Label       string    `json:"label" yaml:"label"`
	Status      string    `json:"status" yaml:"status"`
	FailedStage string    `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	RunID       string    `json:"run_id" yaml:"run_id"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
	AnalysisDir string    `json:"analysis_dir" yaml:"analysis_dir"`
}

// MetricsView is the stats view of one stored metrics record.
type MetricsView struct {
	RunID          string `json:"run_id" yaml:"run_id"`
	Ts             string `json:"ts" yaml:"ts"`
	Policy         string `json:"policy" yaml:"policy"`
	Registration   string `json:"registration" yaml:"registration"`
	StorageBackend string `json:"storage_backend" yaml:"storage_backend"`

	CombinationsStarted   int64 `json:"combinations_started" yaml:"combinations_started"`
	CombinationsCompleted int64 `json:"combinations_completed" yaml:"combinations_completed"`
	CombinationsFailed    int64 `json:"combinations_failed" yaml:"combinations_failed"`
	CombinationsSkipped   int64 `json:"combinations_skipped" yaml:"combinations_skipped"`
	StagesSucceeded       int64 `json:"stages_succeeded" yaml:"stages_succeeded"`
	StagesFailed          int64 `json:"stages_failed" yaml:"stages_failed"`
	StagesReused          int64 `json:"stages_reused" yaml:"stages_reused"`
	ToolInvocations       int64 `json:"tool_invocations" yaml:"tool_invocations"`
	ToolFailures          int64 `json:"tool_failures" yaml:"tool_failures"`
	ArtifactsSkipped      int64 `json:"artifacts_skipped" yaml:"artifacts_skipped"`

	FailedByStage map[string]int64 `json:"failed_by_stage,omitempty" yaml:"failed_by_stage,omitempty"`
}

// Status values of a journal without an outcome entry.
const (
	StatusUnknown    = "unknown"
	StatusIncomplete = "incomplete"
)
