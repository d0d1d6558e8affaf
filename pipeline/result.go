package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/policy"
	"github.com/pithecene-io/dwiflow/types"
)

// Process exit codes of a run.
const (
	ExitSuccess = 0
	ExitFailure = 1
	// ExitConfig is returned by the CLI before any combination starts.
	ExitConfig = 2
	ExitHalted = 3
)

// CombinationResult is the outcome of one RunOne call.
type CombinationResult struct {
	Run    types.PipelineRun
	Label  string
	Status policy.Status
	// FailedStage names the required stage that ended the combination.
	FailedStage string
	Message     string
	Err         error
	// Stages holds every stage result in execution order, including
	// isolated failures.
	Stages []types.StageResult
	// Tables are the report tables the combination contributed to.
	Tables   []string
	Duration time.Duration
}

// Reused reports whether every recorded stage was satisfied from existing
// artifacts.
func (r CombinationResult) Reused() bool {
	if len(r.Stages) == 0 {
		return false
	}
	for _, s := range r.Stages {
		if !s.Reused {
			return false
		}
	}
	return true
}

// RunResult is the outcome of Orchestrator.Run.
type RunResult struct {
	RunID        string
	Policy       string
	Combinations []CombinationResult
	Halted       bool
	Canceled     bool
	PolicyStats  policy.Stats
	Duration     time.Duration
	Metrics      metrics.Snapshot
}

// ExitCode maps the run outcome to a process exit code.
func (r *RunResult) ExitCode() int {
	if r.Halted {
		return ExitHalted
	}
	if r.Canceled {
		return ExitFailure
	}
	for _, c := range r.Combinations {
		if c.Status == policy.StatusFailure {
			return ExitFailure
		}
	}
	return ExitSuccess
}

// RunReport is the structured JSON report written by --report.
type RunReport struct {
	RunID      string            `json:"run_id"`
	Version    string            `json:"version"`
	ExitCode   int               `json:"exit_code"`
	Halted     bool              `json:"halted"`
	Canceled   bool              `json:"canceled"`
	DurationMs int64             `json:"duration_ms"`
	Policy     *ReportPolicy     `json:"policy"`
	Results    []ReportCombo     `json:"combinations"`
	Metrics    *metrics.Snapshot `json:"metrics"`
}

// ReportPolicy holds policy stats in the report.
type ReportPolicy struct {
	Name          string           `json:"name"`
	Succeeded     int64            `json:"succeeded"`
	Failed        int64            `json:"failed"`
	NoData        int64            `json:"no_data"`
	FailedByStage map[string]int64 `json:"failed_by_stage,omitempty"`
	HaltedAfter   string           `json:"halted_after,omitempty"`
}

// ReportCombo is one combination in the report.
type ReportCombo struct {
	Label       string   `json:"label"`
	Status      string   `json:"status"`
	FailedStage string   `json:"failed_stage,omitempty"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	Message     string   `json:"message,omitempty"`
	Reused      bool     `json:"reused"`
	Tables      []string `json:"tables,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// BuildRunReport composes a RunReport from a RunResult.
func BuildRunReport(result *RunResult) *RunReport {
	snap := result.Metrics
	report := &RunReport{
		RunID:      result.RunID,
		Version:    types.Version,
		ExitCode:   result.ExitCode(),
		Halted:     result.Halted,
		Canceled:   result.Canceled,
		DurationMs: result.Duration.Milliseconds(),
		Policy: &ReportPolicy{
			Name:          result.Policy,
			Succeeded:     result.PolicyStats.Succeeded,
			Failed:        result.PolicyStats.Failed,
			NoData:        result.PolicyStats.NoData,
			FailedByStage: result.PolicyStats.FailedByStage,
			HaltedAfter:   result.PolicyStats.HaltedAfter,
		},
		Results: make([]ReportCombo, 0, len(result.Combinations)),
		Metrics: &snap,
	}
	for _, c := range result.Combinations {
		report.Results = append(report.Results, ReportCombo{
			Label:       c.Label,
			Status:      string(c.Status),
			FailedStage: c.FailedStage,
			ErrorKind:   types.ErrorKind(c.Err),
			Message:     c.Message,
			Reused:      c.Reused(),
			Tables:      c.Tables,
			DurationMs:  c.Duration.Milliseconds(),
		})
	}
	return report
}

// WriteRunReport writes the report as JSON to path. A path of "-" writes
// to stderr.
func WriteRunReport(report *RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeRunReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

func writeRunReportTo(report *RunReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
