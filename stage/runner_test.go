package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

func newTestRunner(inv toolexec.Invoker) (*Runner, *metrics.Collector) {
	c := metrics.NewCollector("isolate", "fa-linear", "fs", "run-1")
	return NewRunner(artifact.NewFSStore(), inv, nil, c), c
}

func TestStep_SkipsWhenOutputsExist(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dwi_denoise.mif")
	if err := os.WriteFile(out, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(out)

	inv := toolexec.NewScripted()
	r, c := newTestRunner(inv)
	mark := r.Mark()

	if err := r.Step(t.Context(), "denoise", toolexec.Command("dwidenoise", "in", out).Writes(out)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n := len(inv.Calls()); n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
	after, _ := os.Stat(out)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("existing artifact was touched")
	}
	if got, _ := os.ReadFile(out); string(got) != "old" {
		t.Errorf("artifact content changed to %q", got)
	}
	res := r.Seal(types.Succeeded("preprocessing"), time.Now(), mark)
	if !res.Reused {
		t.Error("stage with zero invocations should be Reused")
	}
	if c.Snapshot().ArtifactsSkipped != 1 {
		t.Errorf("ArtifactsSkipped = %d, want 1", c.Snapshot().ArtifactsSkipped)
	}
}

func TestStep_RunsWhenOutputMissing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dwi_denoise.mif")
	inv := toolexec.NewScripted()
	r, _ := newTestRunner(inv)

	if err := r.Step(t.Context(), "denoise", toolexec.Command("dwidenoise", "in", out).Writes(out)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if inv.Count("dwidenoise") != 1 {
		t.Errorf("dwidenoise calls = %d, want 1", inv.Count("dwidenoise"))
	}
}

func TestStep_MissingInput(t *testing.T) {
	dir := t.TempDir()
	inv := toolexec.NewScripted()
	r, _ := newTestRunner(inv)

	spec := toolexec.Command("mrdegibbs", "a", "b").
		Reads(filepath.Join(dir, "absent.mif")).
		Writes(filepath.Join(dir, "b.mif"))
	err := r.Step(t.Context(), "unring", spec)
	if !errors.Is(err, types.ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}
	if len(inv.Calls()) != 0 {
		t.Error("command ran despite missing input")
	}
}

func TestStep_ToolFailureNamesStep(t *testing.T) {
	dir := t.TempDir()
	inv := toolexec.NewScripted().On("dwi2mask", toolexec.Response{ExitCode: 2, Stderr: "no brain"})
	r, c := newTestRunner(inv)

	err := r.Step(t.Context(), "mask", toolexec.Command("dwi2mask", "a", "b").Writes(filepath.Join(dir, "b.mif")))
	if !errors.Is(err, types.ErrToolInvocation) {
		t.Fatalf("err = %v, want ErrToolInvocation", err)
	}
	want := "mask: dwi2mask exited with code 2: no brain"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}

	res := r.Seal(types.Failed("preprocessing", err), time.Now(), 0)
	if res.Reused {
		t.Error("failed stage cannot be reused")
	}
	if c.Snapshot().FailedByStage["preprocessing"] != 1 {
		t.Error("failure not observed by collector")
	}
}

func TestRun_OutputNotProduced(t *testing.T) {
	dir := t.TempDir()
	inv := toolexec.NewScripted().On("bet", toolexec.Response{NoOutputs: true})
	r, _ := newTestRunner(inv)

	err := r.Step(t.Context(), "bet", toolexec.Command("bet", "a", "b").Writes(filepath.Join(dir, "b.nii.gz")))
	if !errors.Is(err, types.ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}
}

func TestQuery_ReturnsStdout(t *testing.T) {
	inv := toolexec.NewScripted().On("mrinfo", toolexec.Response{Stdout: "0 1000 2000\n"})
	r, _ := newTestRunner(inv)
	mark := r.Mark()

	out, err := r.Query(t.Context(), "shells", toolexec.Command("mrinfo", "-shell_bvalues", "x"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(out) != "0 1000 2000\n" {
		t.Errorf("stdout = %q", out)
	}
	if r.Mark() != mark+1 {
		t.Error("Query did not count as an invocation")
	}
}

func TestDo_SkipsAndCounts(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "abcd.mif")
	r, _ := newTestRunner(toolexec.NewScripted())

	calls := 0
	write := func() error {
		calls++
		return os.WriteFile(out, []byte("x"), 0o644)
	}
	mark := r.Mark()
	if err := r.Do("copy", []string{out}, write); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if r.Mark() != mark+1 {
		t.Error("Do did not count as an invocation")
	}
	if err := r.Do("copy", []string{out}, write); err != nil {
		t.Fatalf("Do (second): %v", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestDo_MissingOutput(t *testing.T) {
	r, _ := newTestRunner(toolexec.NewScripted())
	err := r.Do("rename", []string{filepath.Join(t.TempDir(), "x.mif")}, func() error { return nil })
	if !errors.Is(err, types.ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}
}
