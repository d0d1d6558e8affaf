package toolexec

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/types"
)

func TestExecInvoker_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLoggerWithLevel("run-1", &buf, zapcore.DebugLevel)
	collector := metrics.NewCollector("isolate", "fa-linear", "fs", "run-1")
	inv := NewExecInvoker(logger, collector)

	res := inv.Run(t.Context(), Command("sh", "-c", "echo out; echo err >&2"))
	if !res.OK() {
		t.Fatalf("expected success, got exit %d err %v", res.ExitCode, res.Err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("stderr = %q, want err", res.Stderr)
	}
	if res.Failure(Command("sh")) != nil {
		t.Error("Failure() should be nil on success")
	}
	if !strings.Contains(buf.String(), `"running command"`) {
		t.Errorf("command not logged: %s", buf.String())
	}
	if got := collector.Snapshot().ToolInvocations; got != 1 {
		t.Errorf("ToolInvocations = %d, want 1", got)
	}
}

func TestExecInvoker_NonzeroExit(t *testing.T) {
	collector := metrics.NewCollector("isolate", "fa-linear", "fs", "run-1")
	inv := NewExecInvoker(nil, collector)
	spec := Command("sh", "-c", "echo broken >&2; exit 3")

	res := inv.Run(t.Context(), spec)
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	err := res.Failure(spec)
	if !errors.Is(err, types.ErrToolInvocation) {
		t.Fatalf("Failure() = %v, want ErrToolInvocation", err)
	}
	var toolErr *types.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Failure() not a *ToolError: %T", err)
	}
	if toolErr.Stderr != "broken" {
		t.Errorf("Stderr = %q, want broken", toolErr.Stderr)
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("message %q does not embed the exit code", err.Error())
	}
	if got := collector.Snapshot().ToolFailures; got != 1 {
		t.Errorf("ToolFailures = %d, want 1", got)
	}
}

func TestExecInvoker_MissingBinary(t *testing.T) {
	inv := NewExecInvoker(nil, nil)
	res := inv.Run(t.Context(), Command("dwiflow-definitely-not-installed"))
	if res.ExitCode != -1 || res.Err == nil {
		t.Fatalf("got exit %d err %v, want -1 and a start error", res.ExitCode, res.Err)
	}
}

func TestExecInvoker_NoShellInterpolation(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "pwned")
	inv := NewExecInvoker(nil, nil)

	// The whole string is one argument to echo; no shell ever sees it.
	res := inv.Run(t.Context(), Command("echo", "x; touch "+marker))
	if !res.OK() {
		t.Fatalf("echo failed: %v", res.Err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("argument was interpreted by a shell")
	}
}

func TestExecInvoker_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	inv := NewExecInvoker(nil, nil)
	res := inv.Run(t.Context(), Command("pwd").In(dir))
	if !res.OK() {
		t.Fatalf("pwd failed: %v", res.Err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestScripted_MaterialisesOutputs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "out", "dwi_denoise.mif")
	folder := filepath.Join(dir, "TOM_trackings")

	s := NewScripted()
	res := s.Run(t.Context(), Command("dwidenoise", "in.mif", file).Writes(file, folder))
	if !res.OK() {
		t.Fatalf("scripted run failed: %s", res.Stderr)
	}
	if info, err := os.Stat(file); err != nil || info.IsDir() {
		t.Errorf("file output not created: %v", err)
	}
	if info, err := os.Stat(folder); err != nil || !info.IsDir() {
		t.Errorf("directory output not created: %v", err)
	}
	if s.Count("dwidenoise") != 1 {
		t.Errorf("Count = %d, want 1", s.Count("dwidenoise"))
	}
}

func TestScripted_RulesAndFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "x.mif")

	s := NewScripted().
		On("mrinfo", Response{Stdout: "0 1000\n"}).
		OnArgs("mrconvert", []string{"-coord"}, Response{ExitCode: 1, Stderr: "index out of range"})

	if got := string(s.Run(t.Context(), Command("mrinfo", "-shell_bvalues", "a.mif")).Stdout); got != "0 1000\n" {
		t.Errorf("mrinfo stdout = %q", got)
	}
	res := s.Run(t.Context(), Command("mrconvert", "a.mif", "-coord", "3", "9", out).Writes(out))
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("failed command must not materialise outputs")
	}
	if !HasArgSequence(s.Calls()[1].Args, []string{"-coord", "3", "9"}) {
		t.Error("HasArgSequence did not find -coord 3 9")
	}
}

func TestScripted_MaterialisesFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	sidecar := filepath.Join(dir, "dwi.json")
	other := filepath.Join(dir, "summary.html")
	tracks := filepath.Join(dir, "TOM_trackings")

	res := NewScripted().Run(t.Context(), Command("tool").Writes(sidecar, other, tracks))
	if !res.OK() {
		t.Fatalf("expected success, got exit %d", res.ExitCode)
	}
	for _, path := range []string{sidecar, other} {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			t.Errorf("%s: want regular file, got %v, %v", path, info, err)
		}
	}
	if info, err := os.Stat(tracks); err != nil || !info.IsDir() {
		t.Errorf("%s: want directory, got %v", tracks, err)
	}
}
