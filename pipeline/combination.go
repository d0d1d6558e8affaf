package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pithecene-io/dwiflow/acquisition"
	"github.com/pithecene-io/dwiflow/adapter"
	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/journal"
	"github.com/pithecene-io/dwiflow/lode"
	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/model"
	"github.com/pithecene-io/dwiflow/policy"
	"github.com/pithecene-io/dwiflow/preproc"
	"github.com/pithecene-io/dwiflow/registration"
	"github.com/pithecene-io/dwiflow/report"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/tracto"
	"github.com/pithecene-io/dwiflow/types"
)

// combination carries the state of one RunOne call.
type combination struct {
	o       *Orchestrator
	run     types.PipelineRun
	layout  artifact.Layout
	logger  *log.Logger
	runner  *stage.Runner
	journal *journal.Writer
	res     *CombinationResult
}

// RunOne drives a single combination through every stage. A failure of a
// required stage ends the combination; optional fits, secondary
// registrations and per-map steps fail in isolation.
func (o *Orchestrator) RunOne(ctx context.Context, run types.PipelineRun) CombinationResult {
	start := o.deps.Now()
	logger := o.logger.ForRun(run)
	c := &combination{
		o:      o,
		run:    run,
		layout: artifact.NewLayout(o.cfg.BIDSRoot, run),
		logger: logger,
		runner: o.runner.WithLogger(logger),
		res: &CombinationResult{
			Run:    run,
			Label:  run.Label(),
			Status: policy.StatusSuccess,
		},
	}
	o.deps.Collector.IncCombinationStarted()
	logger.Info("combination started", map[string]any{"analysis_dir": c.layout.AnalysisDir()})

	profiles := c.execute(ctx)
	c.res.Duration = o.deps.Now().Sub(start)

	switch c.res.Status {
	case policy.StatusNoData:
		o.deps.Collector.IncCombinationSkipped()
		logger.Warn("no data for combination", map[string]any{"reason": c.res.Message})
		return *c.res
	case policy.StatusFailure:
		o.deps.Collector.IncCombinationFailed()
	default:
		o.deps.Collector.IncCombinationCompleted()
	}

	c.finish(ctx, profiles)
	return *c.res
}

// execute runs the stages in dependency order and returns the profile
// summaries of every tractometry table that was produced.
func (c *combination) execute(ctx context.Context) map[string][]report.ProfileSummary {
	cfg := c.o.cfg

	router := acquisition.NewRouter(c.runner, c.o.bids, cfg.Protocols)
	acq := router.Prepare(ctx, c.run, c.layout, cfg.RemoveVolumes)
	if errors.Is(acq.Err, types.ErrNoDataForCombination) {
		c.res.Status = policy.StatusNoData
		c.res.Message = acq.Message
		c.res.Err = acq.Err
		return nil
	}

	if err := c.layout.Ensure(); err != nil {
		c.fail(types.Failed("layout", err))
		return nil
	}
	c.openJournal()
	if !c.record(acq.StageResult) {
		return nil
	}

	pre := preproc.New(c.runner).Run(ctx, acq.DWI, acq.Context, c.layout.Preprocessing())
	if !c.record(pre.StageResult) {
		return nil
	}

	fits := model.New(c.runner, cfg.ModelTools).Run(ctx, pre, acq.Context.Multishell, c.layout)
	if !c.record(fits.StageResult) {
		return nil
	}
	for _, opt := range fits.Optional {
		c.recordIsolated(opt)
	}

	primary, secondary := c.strategies(acq.Context.T1 != nil)
	in := registration.Input{Layout: c.layout, Pre: pre, FA: fits.Tensor.FA, T1: acq.Context.T1}
	reg := primary.Register(ctx, in)
	if !c.record(reg.StageResult) {
		return nil
	}
	for _, s := range secondary {
		c.recordIsolated(s.Register(ctx, in).StageResult)
	}

	templateMaps := c.templateMaps(ctx, primary, reg, fits)

	tr := tracto.New(c.runner, cfg.Tracto).Run(ctx, tracto.Input{
		Layout:      c.layout,
		Acquisition: c.run.Acquisition,
		DWI:         reg.Diffusion.DWI,
		Mask:        reg.Diffusion.Mask,
		Multishell:  acq.Context.Multishell,
	}, templateMaps)
	if !c.record(tr.StageResult) {
		return nil
	}
	for _, f := range tr.MapFailures {
		c.recordIsolated(f)
	}

	reporter := report.New(c.runner, c.layout.Derivatives())
	bundleMaps := make(map[string]types.Artifact, len(tr.Tables))
	for name := range tr.Tables {
		bundleMaps[name] = templateMaps[name]
	}
	rep := reporter.Bundles(ctx, c.res.Label, tr.Segmentation.Bundles.Path, bundleMaps)
	if !c.record(rep.StageResult) {
		return nil
	}
	c.addTables(rep)

	if reg.Atlas != nil {
		atlas := reporter.Atlas(ctx, c.res.Label, reg.Atlas.Labels.Path, c.subjectMaps(fits))
		if c.recordIsolated(atlas.StageResult) {
			c.addTables(atlas)
		}
	}

	return c.profiles(tr.Tables)
}

// strategies resolves the configured registration strategies. A primary
// strategy that needs a T1 falls back to fa-linear when the session has
// none; such secondary strategies are skipped.
func (c *combination) strategies(hasT1 bool) (registration.Strategy, []registration.Strategy) {
	cfg := c.o.cfg
	names := cfg.Registration
	primaryName := names[0]
	if registration.NeedsT1(primaryName) && !hasT1 {
		c.logger.Warn("no T1w image, falling back to fa-linear registration", map[string]any{
			"configured": primaryName,
		})
		primaryName = registration.FALinear
	}

	// Names were validated in New.
	primary, _ := registration.New(primaryName, c.runner, cfg.Templates, cfg.RegistrationTools)
	var secondary []registration.Strategy
	for _, name := range names[1:] {
		if name == primaryName {
			continue
		}
		if registration.NeedsT1(name) && !hasT1 {
			c.logger.Info("skipping registration without T1w image", map[string]any{"strategy": name})
			continue
		}
		s, _ := registration.New(name, c.runner, cfg.Templates, cfg.RegistrationTools)
		secondary = append(secondary, s)
	}
	return primary, secondary
}

// templateMaps brings every configured scalar map into template space with
// the primary strategy. Maps the data cannot provide are skipped.
func (c *combination) templateMaps(ctx context.Context, s registration.Strategy, reg *registration.Result, fits *model.Result) map[string]types.Artifact {
	maps := make(map[string]types.Artifact, len(c.o.cfg.Maps))
	for _, name := range c.o.cfg.Maps {
		if name == "FA" {
			maps[name] = reg.FA
			continue
		}
		m, ok := fits.Map(name)
		if !ok {
			c.logger.Info("map not available for this acquisition", map[string]any{"map": name})
			continue
		}
		start, mark := time.Now(), c.runner.Mark()
		mapped, err := s.MapToReference(ctx, reg, m)
		step := "map_to_reference." + name
		if err != nil {
			c.recordIsolated(c.runner.Seal(types.Failed(step, err), start, mark))
			continue
		}
		mapped.Name = name
		c.recordIsolated(c.runner.Seal(types.Succeeded(step, mapped), start, mark))
		maps[name] = mapped
	}
	return maps
}

// subjectMaps returns the configured maps in subject space, for sampling
// with atlas labels warped into the subject.
func (c *combination) subjectMaps(fits *model.Result) map[string]types.Artifact {
	maps := make(map[string]types.Artifact, len(c.o.cfg.Maps))
	for _, name := range c.o.cfg.Maps {
		if m, ok := fits.Map(name); ok {
			maps[name] = m
		}
	}
	return maps
}

func (c *combination) profiles(tables map[string]types.Artifact) map[string][]report.ProfileSummary {
	out := make(map[string][]report.ProfileSummary, len(tables))
	for name, table := range tables {
		ps, err := report.SummarizeProfiles(table.Path)
		if err != nil {
			c.logger.Warn("tractometry profile unreadable", map[string]any{
				"map":   name,
				"path":  table.Path,
				"error": err.Error(),
			})
			continue
		}
		out[name] = ps
	}
	return out
}

func (c *combination) addTables(res *report.Result) {
	for _, e := range res.Entries {
		c.res.Tables = append(c.res.Tables, e.Table)
	}
	sort.Strings(c.res.Tables)
}

func (c *combination) openJournal() {
	w, err := journal.Open(c.layout.Journal(), c.o.deps.RunID)
	if err != nil {
		c.logger.Warn("journal unavailable", map[string]any{
			"path":  c.layout.Journal(),
			"error": err.Error(),
		})
		return
	}
	c.journal = w
}

func (c *combination) appendJournal(e journal.Entry) {
	if c.journal == nil {
		return
	}
	e.Label = c.res.Label
	if err := c.journal.Append(e); err != nil {
		c.logger.Warn("journal append failed", map[string]any{"error": err.Error()})
	}
}

// record journals a required stage result and reports whether the
// combination may continue.
func (c *combination) record(res types.StageResult) bool {
	c.res.Stages = append(c.res.Stages, res)
	c.appendJournal(journal.FromStage(c.res.Label, res))
	if !res.OK() {
		c.fail(res)
		return false
	}
	return true
}

// recordIsolated journals a result whose failure does not stop the
// combination.
func (c *combination) recordIsolated(res types.StageResult) bool {
	c.res.Stages = append(c.res.Stages, res)
	c.appendJournal(journal.FromStage(c.res.Label, res))
	if !res.OK() {
		c.logger.Warn("optional step failed, continuing", map[string]any{
			"stage":      res.Stage,
			"error_kind": types.ErrorKind(res.Err),
		})
	}
	return res.OK()
}

func (c *combination) fail(res types.StageResult) {
	c.res.Status = policy.StatusFailure
	c.res.FailedStage = res.Stage
	c.res.Message = res.Message
	c.res.Err = res.Err
}

// finish writes the outcome to the journal, the sink and the adapter.
// Delivery failures are logged and never change the outcome.
func (c *combination) finish(ctx context.Context, profiles map[string][]report.ProfileSummary) {
	outcome := journal.Entry{
		Type:       journal.EntryOutcome,
		Status:     string(c.res.Status),
		Stage:      c.res.FailedStage,
		Message:    c.res.Message,
		ErrorKind:  types.ErrorKind(c.res.Err),
		DurationMs: c.res.Duration.Milliseconds(),
	}
	c.appendJournal(outcome)
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.logger.Warn("journal close failed", map[string]any{"error": err.Error()})
		}
	}

	fields := map[string]any{
		"status":      string(c.res.Status),
		"duration_ms": c.res.Duration.Milliseconds(),
	}
	if c.res.FailedStage != "" {
		fields["failed_stage"] = c.res.FailedStage
		fields["error_kind"] = types.ErrorKind(c.res.Err)
	}
	c.logger.Info("combination finished", fields)

	now := c.o.deps.Now()
	if sink := c.o.deps.Sink; sink != nil {
		err := sink.WriteSummary(ctx, lode.Summary{
			RunID:       c.o.deps.RunID,
			Run:         c.run,
			Status:      string(c.res.Status),
			ErrorKind:   types.ErrorKind(c.res.Err),
			Message:     c.res.Message,
			Stages:      c.res.Stages,
			Profiles:    profiles,
			CompletedAt: now,
		})
		if err != nil {
			c.logger.Warn("summary write failed", map[string]any{"error": err.Error()})
		}
	}

	if a := c.o.deps.Adapter; a != nil {
		ev := adapter.NewEvent(c.o.deps.RunID, c.run, string(c.res.Status), now)
		ev.ErrorKind = types.ErrorKind(c.res.Err)
		ev.Message = c.res.Message
		ev.FailedStage = c.res.FailedStage
		ev.Tables = relTables(c.layout.Derivatives(), c.res.Tables)
		ev.AnalysisDir = c.layout.AnalysisDir()
		ev.DurationMs = c.res.Duration.Milliseconds()
		if err := a.Publish(ctx, ev); err != nil {
			c.o.deps.Collector.IncNotifyFailure()
			c.logger.Warn("notification failed", map[string]any{"error": err.Error()})
		} else {
			c.o.deps.Collector.IncNotifySuccess()
		}
	}
}

func relTables(root string, tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		rel, err := filepath.Rel(root, t)
		if err != nil {
			rel = t
		}
		out = append(out, rel)
	}
	return out
}

// String is used in log and error output.
func (r CombinationResult) String() string {
	if r.FailedStage != "" {
		return fmt.Sprintf("%s: %s at %s", r.Label, r.Status, r.FailedStage)
	}
	return fmt.Sprintf("%s: %s", r.Label, r.Status)
}
