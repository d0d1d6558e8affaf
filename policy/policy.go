// Package policy decides how the orchestrator reacts to a failed
// subject/session/acquisition combination.
package policy

import (
	"fmt"
	"sync"
)

// Names of the built-in policies.
const (
	NameIsolate = "isolate"
	NameHalt    = "halt"
)

// Status is the terminal status of a combination.
type Status string

const (
	// StatusSuccess means every required stage succeeded.
	StatusSuccess Status = "success"
	// StatusFailure means a required stage failed.
	StatusFailure Status = "failure"
	// StatusNoData means the combination had no input and was skipped.
	StatusNoData Status = "no_data"
)

// Outcome is what a policy observes after each combination.
type Outcome struct {
	Label       string
	Status      Status
	FailedStage string
}

// Decision tells the orchestrator whether to continue.
type Decision int

const (
	// Continue processes the next combination.
	Continue Decision = iota
	// Halt stops the run; remaining combinations are not started.
	Halt
)

// Policy reacts to combination outcomes. Implementations are safe for
// concurrent use.
type Policy interface {
	// Name is the configured policy name.
	Name() string
	// Observe records an outcome and decides whether the run continues.
	Observe(o Outcome) Decision
	// Stats returns a consistent snapshot of observed outcomes.
	Stats() Stats
}

// Stats counts observed outcomes.
type Stats struct {
	Succeeded int64
	Failed    int64
	NoData    int64
	// FailedByStage counts failures per failing stage.
	FailedByStage map[string]int64
	// HaltedAfter is the label that triggered a halt, if any.
	HaltedAfter string
}

// New returns the policy called name. An empty name is isolate.
func New(name string) (Policy, error) {
	switch name {
	case "", NameIsolate:
		return &isolate{rec: newRecorder()}, nil
	case NameHalt:
		return &halt{rec: newRecorder()}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want %s or %s)", name, NameIsolate, NameHalt)
	}
}

// recorder holds stats behind a mutex.
type recorder struct {
	mu    sync.Mutex
	stats Stats
}

func newRecorder() *recorder {
	return &recorder{stats: Stats{FailedByStage: make(map[string]int64)}}
}

// record counts o and, while still holding the lock, lets decide pick the
// decision so counters and halt state stay consistent.
func (r *recorder) record(o Outcome, decide func(*Stats) Decision) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o.Status {
	case StatusSuccess:
		r.stats.Succeeded++
	case StatusFailure:
		r.stats.Failed++
		r.stats.FailedByStage[o.FailedStage]++
	case StatusNoData:
		r.stats.NoData++
	}
	return decide(&r.stats)
}

func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.FailedByStage = make(map[string]int64, len(r.stats.FailedByStage))
	for k, v := range r.stats.FailedByStage {
		s.FailedByStage[k] = v
	}
	return s
}
