// Package metrics provides per-run metrics collection for the pipeline.
//
// The Collector accumulates counters during a single orchestrator run. It is a
// leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so components may be built without a collector.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Combination lifecycle
	CombinationsStarted   int64 `json:"combinations_started"`
	CombinationsCompleted int64 `json:"combinations_completed"`
	CombinationsFailed    int64 `json:"combinations_failed"`
	CombinationsSkipped   int64 `json:"combinations_skipped"`

	// Stages
	StagesSucceeded int64            `json:"stages_succeeded"`
	StagesFailed    int64            `json:"stages_failed"`
	StagesReused    int64            `json:"stages_reused"`
	FailedByStage   map[string]int64 `json:"failed_by_stage,omitempty"`

	// External tools
	ToolInvocations  int64 `json:"tool_invocations"`
	ToolFailures     int64 `json:"tool_failures"`
	ArtifactsSkipped int64 `json:"artifacts_skipped"`

	// Results sink
	SinkWriteSuccess int64 `json:"sink_write_success"`
	SinkWriteFailure int64 `json:"sink_write_failure"`

	// Notifications
	NotifySuccess int64 `json:"notify_success"`
	NotifyFailure int64 `json:"notify_failure"`

	// Dimensions (informational, set at construction)
	Policy         string `json:"policy"`
	Registration   string `json:"registration"`
	StorageBackend string `json:"storage_backend"`
	RunID          string `json:"run_id"`
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	combinationsStarted   int64
	combinationsCompleted int64
	combinationsFailed    int64
	combinationsSkipped   int64

	stagesSucceeded int64
	stagesFailed    int64
	stagesReused    int64
	failedByStage   map[string]int64

	toolInvocations  int64
	toolFailures     int64
	artifactsSkipped int64

	sinkWriteSuccess int64
	sinkWriteFailure int64

	notifySuccess int64
	notifyFailure int64

	policy         string
	registration   string
	storageBackend string
	runID          string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, registration, storageBackend, runID string) *Collector {
	return &Collector{
		failedByStage:  make(map[string]int64),
		policy:         policy,
		registration:   registration,
		storageBackend: storageBackend,
		runID:          runID,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Combination lifecycle ---

// IncCombinationStarted records the start of a subject/session/acquisition combination.
func (c *Collector) IncCombinationStarted() {
	if c == nil {
		return
	}
	c.inc(&c.combinationsStarted)
}

// IncCombinationCompleted records a combination whose required stages all succeeded.
func (c *Collector) IncCombinationCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.combinationsCompleted)
}

// IncCombinationFailed records a combination aborted by a stage failure.
func (c *Collector) IncCombinationFailed() {
	if c == nil {
		return
	}
	c.inc(&c.combinationsFailed)
}

// IncCombinationSkipped records a combination skipped for lack of data.
func (c *Collector) IncCombinationSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.combinationsSkipped)
}

// --- Stages ---

// ObserveStage records a stage outcome. reused marks a stage that ran no tool.
func (c *Collector) ObserveStage(stage string, ok, reused bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !ok:
		c.stagesFailed++
		c.failedByStage[stage]++
	case reused:
		c.stagesSucceeded++
		c.stagesReused++
	default:
		c.stagesSucceeded++
	}
}

// --- Tools ---

// IncToolInvocation records one external command execution.
func (c *Collector) IncToolInvocation() {
	if c == nil {
		return
	}
	c.inc(&c.toolInvocations)
}

// IncToolFailure records an external command that exited nonzero or never started.
func (c *Collector) IncToolFailure() {
	if c == nil {
		return
	}
	c.inc(&c.toolFailures)
}

// IncArtifactSkipped records a step skipped because its output existed.
func (c *Collector) IncArtifactSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.artifactsSkipped)
}

// --- Sink ---

// IncSinkWriteSuccess records a successful results-sink write.
func (c *Collector) IncSinkWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.sinkWriteSuccess)
}

// IncSinkWriteFailure records a failed results-sink write.
func (c *Collector) IncSinkWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.sinkWriteFailure)
}

// --- Notifications ---

// IncNotifySuccess records a delivered completion notification.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.inc(&c.notifySuccess)
}

// IncNotifyFailure records an undelivered completion notification.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.inc(&c.notifyFailure)
}

// Snapshot returns an immutable copy of the current metrics.
// Returns a zero Snapshot for a nil collector.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[string]int64, len(c.failedByStage))
	for k, v := range c.failedByStage {
		failed[k] = v
	}

	return Snapshot{
		CombinationsStarted:   c.combinationsStarted,
		CombinationsCompleted: c.combinationsCompleted,
		CombinationsFailed:    c.combinationsFailed,
		CombinationsSkipped:   c.combinationsSkipped,
		StagesSucceeded:       c.stagesSucceeded,
		StagesFailed:          c.stagesFailed,
		StagesReused:          c.stagesReused,
		FailedByStage:         failed,
		ToolInvocations:       c.toolInvocations,
		ToolFailures:          c.toolFailures,
		ArtifactsSkipped:      c.artifactsSkipped,
		SinkWriteSuccess:      c.sinkWriteSuccess,
		SinkWriteFailure:      c.sinkWriteFailure,
		NotifySuccess:         c.notifySuccess,
		NotifyFailure:         c.notifyFailure,
		Policy:                c.policy,
		Registration:          c.registration,
		StorageBackend:        c.storageBackend,
		RunID:                 c.runID,
	}
}
