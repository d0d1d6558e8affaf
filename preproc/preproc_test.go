package preproc

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

func touch(t *testing.T, path string) types.Artifact {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return types.NewArtifact(filepath.Base(path), path)
}

func newStage(inv toolexec.Invoker) *Stage {
	return New(stage.NewRunner(artifact.NewFSStore(), inv, nil, nil))
}

func baseContext() types.AcquisitionContext {
	return types.AcquisitionContext{PhaseEncodingDirection: "j", TotalReadoutTime: 0.05}
}

func TestRun_SingleShellNoReference(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "sub-01_ses-1_acq-hermes_dwi.mif"))
	inv := toolexec.NewScripted()

	res := newStage(inv).Run(t.Context(), dwi, baseContext(), dir)
	if !res.OK() {
		t.Fatalf("Run failed: %s", res.Message)
	}

	want := []string{"dwidenoise", "mrdegibbs", "dwifslpreproc", "dwibiascorrect", "dwi2mask",
		"mrconvert", "mrconvert", "dwiextract", "mrmath"}
	if got := inv.Programs(); !slices.Equal(got, want) {
		t.Errorf("programs = %v, want %v", got, want)
	}

	fsl := inv.Find("dwifslpreproc")[0]
	if !slices.Contains(fsl.Args, "-rpe_none") || slices.Contains(fsl.Args, "-rpe_pair") {
		t.Errorf("expected -rpe_none: %v", fsl.Args)
	}
	if !toolexec.HasArgSequence(fsl.Args, []string{"-eddy_options", "--slm=linear "}) {
		t.Errorf("single shell eddy options missing: %v", fsl.Args)
	}
	if fsl.Dir != dir {
		t.Errorf("dwifslpreproc dir = %q, want %q", fsl.Dir, dir)
	}
	if res.Distortion != "rpe_none" {
		t.Errorf("Distortion = %q", res.Distortion)
	}
	if filepath.Base(res.Mask.Path) != "sub-01_ses-1_acq-hermes_dwi_brain_mask.mif" {
		t.Errorf("Mask = %q", res.Mask.Path)
	}
	if res.BVec != filepath.Join(dir, "sub-01_ses-1_acq-hermes_preproc_unbiased.bvec") {
		t.Errorf("BVec = %q", res.BVec)
	}
}

func TestRun_MultishellEddyOptions(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "a_dwi.mif"))
	inv := toolexec.NewScripted()
	acq := baseContext()
	acq.Multishell = true

	if res := newStage(inv).Run(t.Context(), dwi, acq, dir); !res.OK() {
		t.Fatalf("Run failed: %s", res.Message)
	}
	fsl := inv.Find("dwifslpreproc")[0]
	if !toolexec.HasArgSequence(fsl.Args, []string{"-eddy_options", "--slm=linear --data_is_shelled"}) {
		t.Errorf("multishell eddy options missing: %v", fsl.Args)
	}
}

func TestRun_B0PairOrdering(t *testing.T) {
	tests := []struct {
		name      string
		pe        string
		reference string // direction of the only available reference
		extracted string
	}{
		{"j with AP reference", "j", "AP", "PA"},
		{"j- with PA reference", "j-", "PA", "AP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
			ref := touch(t, filepath.Join(dir, "s_dir-"+tt.reference+"_epi_bzero.mif"))

			acq := baseContext()
			acq.PhaseEncodingDirection = tt.pe
			if tt.reference == "AP" {
				acq.PepolarAP = &ref
			} else {
				acq.PepolarPA = &ref
			}

			inv := toolexec.NewScripted()
			res := newStage(inv).Run(t.Context(), dwi, acq, dir)
			if !res.OK() {
				t.Fatalf("Run failed: %s", res.Message)
			}

			unrung := filepath.Join(dir, "s_denoise_degibbs.mif")
			extracted := filepath.Join(dir, "s_"+tt.extracted+"_bzero.mif")
			pair := filepath.Join(dir, "s_b0_pair.mif")

			ex := inv.Find("dwiextract")[0]
			if !slices.Equal(ex.Args, []string{"dwiextract", unrung, extracted, "-bzero"}) {
				t.Errorf("dwiextract args = %v", ex.Args)
			}
			cat := inv.Find("mrcat")
			if len(cat) != 1 {
				t.Fatalf("mrcat calls = %d, want 1", len(cat))
			}
			if want := []string{"mrcat", extracted, ref.Path, pair}; !slices.Equal(cat[0].Args, want) {
				t.Errorf("mrcat args = %v, want %v", cat[0].Args, want)
			}
			fsl := inv.Find("dwifslpreproc")[0]
			if !toolexec.HasArgSequence(fsl.Args, []string{"-rpe_pair", "-se_epi", pair}) {
				t.Errorf("dwifslpreproc args = %v", fsl.Args)
			}
			if res.Distortion != "rpe_pair" {
				t.Errorf("Distortion = %q", res.Distortion)
			}
		})
	}
}

func TestRun_B0PairUsesBothReferences(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
	ap := touch(t, filepath.Join(dir, "s_dir-AP_epi_bzero.mif"))
	pa := touch(t, filepath.Join(dir, "s_dir-PA_epi_bzero.mif"))
	acq := baseContext()
	acq.PepolarAP, acq.PepolarPA = &ap, &pa

	inv := toolexec.NewScripted()
	if res := newStage(inv).Run(t.Context(), dwi, acq, dir); !res.OK() {
		t.Fatalf("Run failed: %s", res.Message)
	}
	cat := inv.Find("mrcat")[0]
	if cat.Args[1] != pa.Path || cat.Args[2] != ap.Path {
		t.Errorf("mrcat args = %v, want PA then AP", cat.Args)
	}
	for _, c := range inv.Find("dwiextract") {
		if c.Args[2] == filepath.Join(dir, "s_PA_bzero.mif") {
			t.Error("PA b0 extracted although a PA reference exists")
		}
	}
}

func TestRun_MismatchedReferenceFallsBackToNone(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
	pa := touch(t, filepath.Join(dir, "s_dir-PA_epi_bzero.mif"))
	acq := baseContext() // "j" needs an AP reference
	acq.PepolarPA = &pa

	inv := toolexec.NewScripted()
	if res := newStage(inv).Run(t.Context(), dwi, acq, dir); !res.OK() {
		t.Fatalf("Run failed: %s", res.Message)
	}
	if inv.Count("mrcat") != 0 {
		t.Error("b0 pair built without an opposing reference")
	}
	if !slices.Contains(inv.Find("dwifslpreproc")[0].Args, "-rpe_none") {
		t.Error("expected -rpe_none")
	}
}

func TestRun_Idempotent(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
	inv := toolexec.NewScripted()
	st := newStage(inv)

	first := st.Run(t.Context(), dwi, baseContext(), dir)
	if !first.OK() {
		t.Fatalf("Run failed: %s", first.Message)
	}
	info, _ := os.Stat(first.Mask.Path)

	inv.Reset()
	second := st.Run(t.Context(), dwi, baseContext(), dir)
	if !second.OK() || !second.Reused {
		t.Fatalf("second run ok=%v reused=%v", second.OK(), second.Reused)
	}
	if n := len(inv.Calls()); n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
	if second.Mask.Path != first.Mask.Path {
		t.Errorf("mask path changed: %q -> %q", first.Mask.Path, second.Mask.Path)
	}
	after, _ := os.Stat(second.Mask.Path)
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("mask mtime changed on resume")
	}
}

func TestRun_ResumesAtFirstMissingStep(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
	touch(t, filepath.Join(dir, "s_denoise.mif"))
	touch(t, filepath.Join(dir, "s_denoise_degibbs.mif"))

	inv := toolexec.NewScripted()
	if res := newStage(inv).Run(t.Context(), dwi, baseContext(), dir); !res.OK() {
		t.Fatalf("Run failed: %s", res.Message)
	}
	if inv.Count("dwidenoise") != 0 || inv.Count("mrdegibbs") != 0 {
		t.Error("completed steps re-ran")
	}
	if inv.Programs()[0] != "dwifslpreproc" {
		t.Errorf("first program = %q, want dwifslpreproc", inv.Programs()[0])
	}
}

func TestRun_FailureStopsChain(t *testing.T) {
	dir := t.TempDir()
	dwi := touch(t, filepath.Join(dir, "s_dwi.mif"))
	inv := toolexec.NewScripted().On("dwibiascorrect", toolexec.Response{ExitCode: 1, Stderr: "ants missing"})

	res := newStage(inv).Run(t.Context(), dwi, baseContext(), dir)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, types.ErrToolInvocation) {
		t.Errorf("err = %v, want ErrToolInvocation", res.Err)
	}
	if inv.Count("dwi2mask") != 0 {
		t.Error("mask ran after bias correction failed")
	}
	if res.Message != "bias_correct: dwibiascorrect exited with code 1: ants missing" {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestRun_MissingInput(t *testing.T) {
	dir := t.TempDir()
	inv := toolexec.NewScripted()
	res := newStage(inv).Run(t.Context(), types.NewArtifact("dwi", filepath.Join(dir, "none_dwi.mif")), baseContext(), dir)
	if !errors.Is(res.Err, types.ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", res.Err)
	}
	if len(inv.Calls()) != 0 {
		t.Error("tools ran without input")
	}
}
