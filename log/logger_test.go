package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/dwiflow/types"
)

func TestLogger_ForRunFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("run-1", &buf, zapcore.DebugLevel)
	run := types.NewPipelineRun("01", "02", "hermes", true)

	l.ForRun(run).ForStage("preprocessing").Info("stage started", map[string]any{"step": "denoise"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"run_id":          "run-1",
		"subject":         "01",
		"session":         "02",
		"acquisition":     "hermes",
		"removed_volumes": true,
		"stage":           "preprocessing",
		"message":         "stage started",
		"level":           "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["step"] != "denoise" {
		t.Errorf("fields = %v, want step=denoise", entry["fields"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("run-1", &buf, zapcore.WarnLevel)
	l.Info("hidden", nil)
	l.Warn("shown", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn line missing")
	}
}

func TestLogger_Skip(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("run-1", &buf, zapcore.DebugLevel)
	l.Skip("denoise", "/d/dwi_denoise.mif")
	if !strings.Contains(buf.String(), `"path":"/d/dwi_denoise.mif"`) {
		t.Errorf("skip line missing path: %s", buf.String())
	}
}
