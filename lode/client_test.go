package lode

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/report"
	"github.com/pithecene-io/dwiflow/types"
)

func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func summary(subject string, status string) Summary {
	pre := types.Succeeded("preprocessing")
	pre.Duration = 2 * time.Second
	noddi := types.Failed("model.noddi", &types.ToolError{Args: []string{"amico_noddi"}, ExitCode: 1})
	return Summary{
		RunID:  "run-1",
		Run:    types.NewPipelineRun(subject, "1", "hermes", false),
		Status: status,
		Stages: []types.StageResult{pre, noddi},
		Profiles: map[string][]report.ProfileSummary{
			"FA": {{Bundle: "CST_left", Mean: 0.5, StdDev: 0.1, Points: 100}},
		},
		CompletedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestLodeClient_SummaryRoundTrip(t *testing.T) {
	factory := sharedFactory(lode.NewMemory())
	client, err := NewLodeClientWithFactory("", factory)
	if err != nil {
		t.Fatalf("NewLodeClientWithFactory failed: %v", err)
	}
	for _, s := range []string{"01", "02"} {
		if err := client.WriteSummary(t.Context(), summary(s, "SUCCESS")); err != nil {
			t.Fatalf("WriteSummary failed: %v", err)
		}
	}

	ds, err := NewDataset(DefaultDataset, factory)
	if err != nil {
		t.Fatal(err)
	}
	records, err := QueryCombinations(t.Context(), ds, "01")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r["label"] != "sub-01_ses-1_acq-hermes" || r["status"] != "SUCCESS" {
		t.Errorf("record = %v", r)
	}
	all, err := QueryCombinations(t.Context(), ds, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all records = %d, want 2", len(all))
	}
}

func TestLodeClient_MetricsLatest(t *testing.T) {
	factory := sharedFactory(lode.NewMemory())
	client, err := NewLodeClientWithFactory("dwiflow", factory)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2"} {
		snap := metrics.Snapshot{RunID: id, CombinationsStarted: int64(i + 1), Policy: "isolate"}
		if err := client.WriteMetrics(t.Context(), snap, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if err := client.WriteSummary(t.Context(), summary("01", "SUCCESS")); err != nil {
		t.Fatal(err)
	}

	ds, err := NewDataset("dwiflow", factory)
	if err != nil {
		t.Fatal(err)
	}
	latest, err := QueryLatestMetrics(t.Context(), ds, "")
	if err != nil {
		t.Fatal(err)
	}
	if latest["run_id"] != "run-2" {
		t.Errorf("latest run_id = %v, want run-2", latest["run_id"])
	}
	first, err := QueryLatestMetrics(t.Context(), ds, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if first["policy"] != "isolate" {
		t.Errorf("policy = %v", first["policy"])
	}
	if _, err := QueryLatestMetrics(t.Context(), ds, "run-9"); !errors.Is(err, ErrNoMetricsFound) {
		t.Errorf("err = %v, want ErrNoMetricsFound", err)
	}
}

func TestInstrumentedClient_CountsSummaries(t *testing.T) {
	collector := metrics.NewCollector("isolate", "fa-linear", "fs", "run-1")
	stub := NewStubClient()
	c := NewInstrumentedClient(stub, collector)

	if err := c.WriteSummary(t.Context(), summary("01", "SUCCESS")); err != nil {
		t.Fatal(err)
	}
	stub.Err = errors.New("no space left on device")
	if err := c.WriteSummary(t.Context(), summary("02", "SUCCESS")); err == nil {
		t.Fatal("expected error")
	}
	snap := collector.Snapshot()
	if snap.SinkWriteSuccess != 1 || snap.SinkWriteFailure != 1 {
		t.Errorf("success=%d failure=%d", snap.SinkWriteSuccess, snap.SinkWriteFailure)
	}
	if err := c.Close(); err != nil || !stub.Closed {
		t.Errorf("Close = %v closed=%v", err, stub.Closed)
	}
}

func TestToCombinationRecordMap(t *testing.T) {
	s := summary("01", "FAILURE")
	s.ErrorKind = "tool_invocation_failure"
	s.Message = "preprocessing: boom"
	m := toCombinationRecordMap(s)

	for _, key := range partitionKeys {
		if _, ok := m[key]; !ok {
			t.Errorf("partition key %q missing", key)
		}
	}
	stages := m["stages"].([]map[string]any)
	if len(stages) != 2 || stages[0]["duration_ms"] != int64(2000) {
		t.Errorf("stages = %v", stages)
	}
	if stages[1]["error_kind"] != "tool_invocation_failure" {
		t.Errorf("noddi stage = %v", stages[1])
	}
	if m["message"] != "preprocessing: boom" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}
	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty bucket accepted")
	}
}
