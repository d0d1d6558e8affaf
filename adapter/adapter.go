// Package adapter publishes combination completion notifications to
// downstream systems. Delivery is best-effort; failures never change the
// outcome of a combination.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/dwiflow/types"
)

// EventTypeCombinationCompleted is the event_type of every notification.
const EventTypeCombinationCompleted = "combination_completed"

// CombinationCompletedEvent is the payload published when a
// subject/session/acquisition combination finishes.
type CombinationCompletedEvent struct {
	Version     string   `json:"version"`
	EventType   string   `json:"event_type"`
	RunID       string   `json:"run_id"`
	Label       string   `json:"label"`
	Subject     string   `json:"subject"`
	Session     string   `json:"session"`
	Acquisition string   `json:"acquisition"`
	Outcome     string   `json:"outcome"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	Message     string   `json:"message,omitempty"`
	FailedStage string   `json:"failed_stage,omitempty"`
	Tables      []string `json:"tables,omitempty"`
	AnalysisDir string   `json:"analysis_dir"`
	Timestamp   string   `json:"timestamp"`
	DurationMs  int64    `json:"duration_ms"`
}

// NewEvent builds an event for run with the version and timestamp filled in.
func NewEvent(runID string, run types.PipelineRun, outcome string, at time.Time) *CombinationCompletedEvent {
	return &CombinationCompletedEvent{
		Version:     types.Version,
		EventType:   EventTypeCombinationCompleted,
		RunID:       runID,
		Label:       run.Label(),
		Subject:     run.Subject,
		Session:     run.Session,
		Acquisition: run.Acquisition,
		Outcome:     outcome,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *CombinationCompletedEvent) error
	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry; it doubles per attempt.
const BaseBackoff = 500 * time.Millisecond

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// Retry calls attempt up to 1+retries times with exponential backoff
// between calls. A *Permanent error stops immediately. Errors are prefixed
// with name.
func Retry(ctx context.Context, name string, retries int, attempt func(ctx context.Context) error) error {
	var lastErr error
	attempts := 1 + retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * BaseBackoff):
			}
		}
		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.Err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
