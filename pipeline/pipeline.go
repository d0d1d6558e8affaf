// Package pipeline drives every subject/session/acquisition combination
// through the processing stages in dependency order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pithecene-io/dwiflow/acquisition"
	"github.com/pithecene-io/dwiflow/adapter"
	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/lode"
	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/model"
	"github.com/pithecene-io/dwiflow/policy"
	"github.com/pithecene-io/dwiflow/registration"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/tracto"
	"github.com/pithecene-io/dwiflow/types"
)

// All selects every subject or session present in the dataset.
const All = "all"

// DefaultMaps are the scalar maps carried to tractometry when none are
// configured.
var DefaultMaps = []string{"FA"}

// Config selects combinations and parameterises the stages.
type Config struct {
	BIDSRoot string
	// Subjects and Sessions accept identifiers with or without their BIDS
	// prefix. Empty or All enumerates the dataset.
	Subjects     []string
	Sessions     []string
	Acquisitions []string
	// RemoveVolumes lists volume indices to drop before preprocessing. A
	// non-nil slice marks every combination as a removed-volumes analysis.
	RemoveVolumes []int
	// Registration lists strategies; the first is primary and defines the
	// tract space. Defaults to fa-linear.
	Registration []string
	// Maps names the scalar maps registered and sampled along bundles.
	Maps      []string
	Protocols map[string]acquisition.Protocol
	Templates registration.Templates

	RegistrationTools registration.Tools
	ModelTools        model.Tools
	Tracto            tracto.Options
}

// Deps are the collaborators of an orchestrator. Sink and Adapter are
// optional.
type Deps struct {
	RunID     string
	Invoker   toolexec.Invoker
	Store     artifact.Store
	Logger    *log.Logger
	Collector *metrics.Collector
	Policy    policy.Policy
	Sink      lode.Client
	Adapter   adapter.Adapter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs combinations sequentially.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	bids   *acquisition.BIDSLayout
	runner *stage.Runner
	logger *log.Logger
}

// New validates cfg and builds an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if len(cfg.Acquisitions) == 0 {
		return nil, errors.New("at least one acquisition is required")
	}
	if len(cfg.Registration) == 0 {
		cfg.Registration = []string{registration.FALinear}
	}
	for _, name := range cfg.Registration {
		if !slices.Contains(registration.Names(), name) {
			return nil, fmt.Errorf("unknown registration strategy %q", name)
		}
	}
	if len(cfg.Maps) == 0 {
		cfg.Maps = DefaultMaps
	}
	if cfg.Protocols == nil {
		cfg.Protocols = acquisition.DefaultProtocols()
	}
	for _, acq := range cfg.Acquisitions {
		if _, ok := cfg.Protocols[acq]; !ok {
			return nil, fmt.Errorf("unknown acquisition protocol %q", acq)
		}
	}
	if cfg.ModelTools == (model.Tools{}) {
		cfg.ModelTools = model.DefaultTools()
	}
	if cfg.RegistrationTools == (registration.Tools{}) {
		cfg.RegistrationTools = registration.DefaultTools()
	}
	if cfg.Tracto.Tools == (tracto.Tools{}) {
		cfg.Tracto.Tools = tracto.DefaultTools()
	}

	bids, err := acquisition.NewBIDSLayout(cfg.BIDSRoot)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNop()
	}
	if deps.Store == nil {
		deps.Store = artifact.NewFSStore()
	}
	if deps.Invoker == nil {
		deps.Invoker = toolexec.NewExecInvoker(deps.Logger, deps.Collector)
	}
	if deps.Policy == nil {
		deps.Policy, _ = policy.New(policy.NameIsolate)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sink != nil {
		deps.Sink = lode.NewInstrumentedClient(deps.Sink, deps.Collector)
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		bids:   bids,
		runner: stage.NewRunner(deps.Store, deps.Invoker, deps.Logger, deps.Collector),
		logger: deps.Logger,
	}, nil
}

// Combinations expands the configured selection in subject, session,
// acquisition order.
func (o *Orchestrator) Combinations() ([]types.PipelineRun, error) {
	subjects, err := o.expand(o.cfg.Subjects, o.bids.Subjects)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	removed := o.cfg.RemoveVolumes != nil

	var runs []types.PipelineRun
	for _, sub := range subjects {
		sub = strings.TrimPrefix(sub, "sub-")
		sessions, err := o.expand(o.cfg.Sessions, func() ([]string, error) { return o.bids.Sessions(sub) })
		if err != nil {
			return nil, fmt.Errorf("list sessions of %s: %w", sub, err)
		}
		for _, ses := range sessions {
			for _, acq := range o.cfg.Acquisitions {
				runs = append(runs, types.NewPipelineRun(sub, ses, acq, removed))
			}
		}
	}
	return runs, nil
}

func (o *Orchestrator) expand(selected []string, all func() ([]string, error)) ([]string, error) {
	if len(selected) == 0 || slices.Contains(selected, All) {
		return all()
	}
	return selected, nil
}

// Run processes every combination until the policy halts or ctx is done.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := o.deps.Now()
	runs, err := o.Combinations()
	if err != nil {
		return nil, err
	}
	o.logger.Info("run started", map[string]any{
		"combinations": len(runs),
		"policy":       o.deps.Policy.Name(),
		"registration": o.cfg.Registration,
	})

	result := &RunResult{RunID: o.deps.RunID, Policy: o.deps.Policy.Name()}
	for _, run := range runs {
		if ctx.Err() != nil {
			result.Canceled = true
			break
		}
		c := o.RunOne(ctx, run)
		result.Combinations = append(result.Combinations, c)
		decision := o.deps.Policy.Observe(policy.Outcome{
			Label:       c.Label,
			Status:      c.Status,
			FailedStage: c.FailedStage,
		})
		if decision == policy.Halt {
			o.logger.Warn("halting run after failed combination", map[string]any{"label": c.Label})
			result.Halted = true
			break
		}
	}

	result.PolicyStats = o.deps.Policy.Stats()
	result.Duration = o.deps.Now().Sub(start)
	if o.deps.Sink != nil {
		if err := o.deps.Sink.WriteMetrics(ctx, o.deps.Collector.Snapshot(), o.deps.Now()); err != nil {
			o.logger.Warn("metrics write failed", map[string]any{"error": err.Error()})
		}
	}
	result.Metrics = o.deps.Collector.Snapshot()
	o.logger.Info("run finished", map[string]any{
		"exit_code":   result.ExitCode(),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}
