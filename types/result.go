package types

import (
	"sort"
	"time"
)

// StageStatus is the terminal status of a stage.
type StageStatus string

const (
	// StageSuccess indicates every required output of the stage exists.
	StageSuccess StageStatus = "SUCCESS"
	// StageFailure indicates a step of the stage failed.
	StageFailure StageStatus = "FAILURE"
)

// StageResult is returned by every stage entry point.
// Immutable once returned.
type StageResult struct {
	// Stage is the stage name (e.g. "preprocessing", "model.noddi").
	Stage string `json:"stage"`
	// Status is SUCCESS or FAILURE.
	Status StageStatus `json:"status"`
	// Message is human readable; on failure it names the failed operation.
	Message string `json:"message,omitempty"`
	// Err is the underlying classified error (nil on success).
	Err error `json:"-"`
	// Artifacts maps logical output names to their files.
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`
	// Reused is true when every output pre-existed and no tool ran.
	Reused bool `json:"reused"`
	// StartedAt is when the stage began.
	StartedAt time.Time `json:"started_at"`
	// Duration is how long the stage took.
	Duration time.Duration `json:"duration"`
}

// Succeeded builds a SUCCESS result holding the given artifacts.
func Succeeded(stage string, artifacts ...Artifact) StageResult {
	r := StageResult{
		Stage:     stage,
		Status:    StageSuccess,
		Artifacts: make(map[string]Artifact, len(artifacts)),
	}
	for _, a := range artifacts {
		r.Artifacts[a.Name] = a
	}
	return r
}

// Failed builds a FAILURE result from err.
func Failed(stage string, err error) StageResult {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return StageResult{
		Stage:   stage,
		Status:  StageFailure,
		Message: msg,
		Err:     err,
	}
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool {
	return r.Status == StageSuccess
}

// Artifact returns the named artifact, if present.
func (r StageResult) Artifact(name string) (Artifact, bool) {
	a, ok := r.Artifacts[name]
	return a, ok
}

// ArtifactNames returns artifact names in sorted order.
func (r StageResult) ArtifactNames() []string {
	names := make([]string, 0, len(r.Artifacts))
	for name := range r.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timed stamps a result with its start time and elapsed duration.
func (r StageResult) Timed(start time.Time) StageResult {
	r.StartedAt = start
	r.Duration = time.Since(start)
	return r
}
