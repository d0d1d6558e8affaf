// Package stage holds the step runner shared by every pipeline stage.
//
// A step is one external command with declared inputs and outputs. The
// runner skips the step when every output already exists, refuses to run it
// when an input is missing, and classifies a nonzero exit as a tool failure.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// errNoOutput is the cause recorded when a tool exits 0 without its output.
var errNoOutput = errors.New("command exited 0 without producing output")

// Runner executes idempotent steps.
type Runner struct {
	store       artifact.Store
	invoker     toolexec.Invoker
	logger      *log.Logger
	collector   *metrics.Collector
	invocations *atomic.Int64
}

// NewRunner creates a runner. logger and collector may be nil.
func NewRunner(store artifact.Store, invoker toolexec.Invoker, logger *log.Logger, collector *metrics.Collector) *Runner {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Runner{
		store:       store,
		invoker:     invoker,
		logger:      logger,
		collector:   collector,
		invocations: new(atomic.Int64),
	}
}

// Store returns the artifact store.
func (r *Runner) Store() artifact.Store { return r.store }

// Logger returns the runner logger.
func (r *Runner) Logger() *log.Logger { return r.logger }

// WithLogger returns a runner sharing store, invoker and counters but logging
// through logger.
func (r *Runner) WithLogger(logger *log.Logger) *Runner {
	return &Runner{
		store:       r.store,
		invoker:     r.invoker,
		logger:      logger,
		collector:   r.collector,
		invocations: r.invocations,
	}
}

// Exists reports whether path exists.
func (r *Runner) Exists(path string) bool {
	return r.store.Exists(path)
}

// Step runs spec unless every declared output already exists.
func (r *Runner) Step(ctx context.Context, step string, spec toolexec.CommandSpec) error {
	if artifact.AllExist(r.store, spec.Outputs...) {
		for _, out := range spec.Outputs {
			r.logger.Skip(step, out)
		}
		r.collector.IncArtifactSkipped()
		return nil
	}
	return r.Run(ctx, step, spec)
}

// Run executes spec unconditionally after checking its inputs, then verifies
// that every declared output exists.
func (r *Runner) Run(ctx context.Context, step string, spec toolexec.CommandSpec) error {
	if missing := artifact.Missing(r.store, spec.Inputs...); len(missing) > 0 {
		return types.MissingPrerequisite(step, missing[0])
	}

	r.invocations.Add(1)
	res := r.invoker.Run(ctx, spec)
	if err := res.Failure(spec); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}

	if missing := artifact.Missing(r.store, spec.Outputs...); len(missing) > 0 {
		return types.NewStageError(types.ErrMissingPrerequisite, step, missing[0], errNoOutput)
	}
	return nil
}

// Do runs an in-process step (copy, rename) with the same skip and output
// contract as Step. It counts as one invocation for reuse accounting.
func (r *Runner) Do(step string, outputs []string, fn func() error) error {
	if artifact.AllExist(r.store, outputs...) {
		for _, out := range outputs {
			r.logger.Skip(step, out)
		}
		r.collector.IncArtifactSkipped()
		return nil
	}
	r.invocations.Add(1)
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if missing := artifact.Missing(r.store, outputs...); len(missing) > 0 {
		return types.NewStageError(types.ErrMissingPrerequisite, step, missing[0], errNoOutput)
	}
	return nil
}

// Query runs a read-only command (no outputs) and returns its stdout.
func (r *Runner) Query(ctx context.Context, step string, spec toolexec.CommandSpec) ([]byte, error) {
	if missing := artifact.Missing(r.store, spec.Inputs...); len(missing) > 0 {
		return nil, types.MissingPrerequisite(step, missing[0])
	}
	r.invocations.Add(1)
	res := r.invoker.Run(ctx, spec)
	if err := res.Failure(spec); err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	return res.Stdout, nil
}

// Require returns MissingPrerequisiteArtifact for the first absent path.
func (r *Runner) Require(op string, paths ...string) error {
	if missing := artifact.Missing(r.store, paths...); len(missing) > 0 {
		return types.MissingPrerequisite(op, missing[0])
	}
	return nil
}

// Mark returns a checkpoint for Seal.
func (r *Runner) Mark() int64 {
	return r.invocations.Load()
}

// Seal stamps res with timing, marks it reused when no tool ran since mark,
// records it in the collector and logs the outcome.
func (r *Runner) Seal(res types.StageResult, start time.Time, mark int64) types.StageResult {
	res = res.Timed(start)
	res.Reused = res.OK() && r.invocations.Load() == mark
	r.collector.ObserveStage(res.Stage, res.OK(), res.Reused)

	fields := map[string]any{
		"stage":       res.Stage,
		"status":      string(res.Status),
		"reused":      res.Reused,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.OK() {
		r.logger.Info("stage finished", fields)
	} else {
		fields["message"] = res.Message
		fields["error_kind"] = types.ErrorKind(res.Err)
		r.logger.Error("stage failed", fields)
	}
	return res
}
