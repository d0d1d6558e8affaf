package acquisition

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

const sidecarJSON = `{"PhaseEncodingDirection": "j", "TotalReadoutTime": 0.0542}`

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// addSeries writes a raw NIfTI series with gradient and sidecar files.
func addSeries(t *testing.T, root, rel string, gradients bool) {
	t.Helper()
	base := filepath.Join(root, rel)
	write(t, base+".nii.gz", "nifti")
	write(t, base+".json", sidecarJSON)
	if gradients {
		write(t, base+".bvec", "0 1 0\n")
		write(t, base+".bval", "0 1000\n")
	}
}

func newRouter(t *testing.T, root string, inv toolexec.Invoker) *Router {
	t.Helper()
	bids, err := NewBIDSLayout(root)
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(stage.NewRunner(artifact.NewFSStore(), inv, nil, nil), bids, nil)
}

func shells(out string) *toolexec.Scripted {
	return toolexec.NewScripted().
		OnArgs("mrinfo", []string{"-shell_bvalues"}, toolexec.Response{Stdout: out})
}

func TestClassifyShells(t *testing.T) {
	tests := []struct {
		name    string
		bvalues []float64
		want    bool
	}{
		{"single shell", []float64{0, 1000}, false},
		{"three shells", []float64{0, 1000, 2000, 3000}, true},
		{"b0 only", []float64{0}, false},
		{"near zero counts as zero", []float64{4.9, 1000}, false},
		{"threshold is inclusive", []float64{5, 1000}, true},
		{"repeated shell", []float64{0, 1000, 1000}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyShells(tt.bvalues); got != tt.want {
				t.Errorf("ClassifyShells(%v) = %v, want %v", tt.bvalues, got, tt.want)
			}
		})
	}
}

func TestParseShellBValues(t *testing.T) {
	got, err := ParseShellBValues(" 0 995.5 2000\n")
	if err != nil {
		t.Fatalf("ParseShellBValues: %v", err)
	}
	if !slices.Equal(got, []float64{0, 995.5, 2000}) {
		t.Errorf("got %v", got)
	}
	if _, err := ParseShellBValues("0 abc"); err == nil {
		t.Error("expected error for non-numeric b-value")
	}
}

func TestReadSidecar(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantTRT float64
		wantErr error
	}{
		{"total readout", `{"PhaseEncodingDirection":"j-","TotalReadoutTime":0.05}`, 0.05, nil},
		{"estimated fallback", `{"PhaseEncodingDirection":"j","EstimatedTotalReadoutTime":0.07}`, 0.07, nil},
		{"readout missing", `{"PhaseEncodingDirection":"j"}`, 0, types.ErrMetadataFieldMissing},
		{"direction missing", `{"TotalReadoutTime":0.05}`, 0, types.ErrMetadataFieldMissing},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.Repeat("x", i+1)+".json")
			write(t, path, tt.content)
			md, err := ReadSidecar(path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadSidecar: %v", err)
			}
			if md.TotalReadoutTime != tt.wantTRT {
				t.Errorf("TotalReadoutTime = %v, want %v", md.TotalReadoutTime, tt.wantTRT)
			}
		})
	}
}

func TestReadSidecar_Absent(t *testing.T) {
	_, err := ReadSidecar(filepath.Join(t.TempDir(), "none.json"))
	if !errors.Is(err, types.ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}
}

func TestPrepare_DualFileMerge(t *testing.T) {
	root := t.TempDir()
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-abcd1_dwi", true)
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-abcd2_dwi", true)

	inv := shells("0 1000 2000 3000")
	run := types.NewPipelineRun("01", "1", "abcd", false)
	layout := artifact.NewLayout(root, run)

	res := newRouter(t, root, inv).Prepare(t.Context(), run, layout, nil)
	if !res.OK() {
		t.Fatalf("Prepare failed: %s", res.Message)
	}

	merges := inv.Find("dwicat")
	if len(merges) != 1 {
		t.Fatalf("dwicat calls = %d, want 1", len(merges))
	}
	prep := layout.Preprocessing()
	want := []string{"dwicat",
		filepath.Join(prep, "sub-01_ses-1_acq-abcd1_dwi.mif"),
		filepath.Join(prep, "sub-01_ses-1_acq-abcd2_dwi.mif"),
		filepath.Join(prep, "sub-01_ses-1_acq-abcd_dwi.mif"),
	}
	if !slices.Equal(merges[0].Args, want) {
		t.Errorf("dwicat args = %v, want %v", merges[0].Args, want)
	}
	if res.DWI.Path != want[3] {
		t.Errorf("DWI = %q, want %q", res.DWI.Path, want[3])
	}
	if !res.Context.Multishell {
		t.Error("expected multishell context")
	}
	if res.Context.PhaseEncodingDirection != "j" || res.Context.TotalReadoutTime != 0.0542 {
		t.Errorf("context = %+v", res.Context)
	}
}

func TestPrepare_DualFileSinglePartial(t *testing.T) {
	root := t.TempDir()
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-abcd2_dwi", true)

	inv := shells("0 1000")
	run := types.NewPipelineRun("01", "1", "abcd", false)
	layout := artifact.NewLayout(root, run)

	res := newRouter(t, root, inv).Prepare(t.Context(), run, layout, nil)
	if !res.OK() {
		t.Fatalf("Prepare failed: %s", res.Message)
	}
	if inv.Count("dwicat") != 0 {
		t.Error("single partial should be copied, not merged")
	}

	prep := layout.Preprocessing()
	partial, _ := os.ReadFile(filepath.Join(prep, "sub-01_ses-1_acq-abcd2_dwi.mif"))
	merged, err := os.ReadFile(res.DWI.Path)
	if err != nil {
		t.Fatalf("canonical series missing: %v", err)
	}
	if string(merged) != string(partial) {
		t.Error("canonical series is not a copy of the partial")
	}
	if filepath.Base(res.DWI.Path) != "sub-01_ses-1_acq-abcd_dwi.mif" {
		t.Errorf("DWI = %q", res.DWI.Path)
	}
}

func TestPrepare_DualFileNoData(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "sub-01/ses-1/anat/sub-01_ses-1_T1w.nii.gz"), "t1")

	inv := toolexec.NewScripted()
	run := types.NewPipelineRun("01", "1", "abcd", false)
	res := newRouter(t, root, inv).Prepare(t.Context(), run, artifact.NewLayout(root, run), nil)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, types.ErrNoDataForCombination) {
		t.Fatalf("err = %v, want ErrNoDataForCombination", res.Err)
	}
	if len(inv.Calls()) != 0 {
		t.Errorf("invocations = %d, want 0", len(inv.Calls()))
	}
}

func TestPrepare_UnknownProtocol(t *testing.T) {
	root := t.TempDir()
	run := types.NewPipelineRun("01", "1", "multiband", false)
	res := newRouter(t, root, toolexec.NewScripted()).Prepare(t.Context(), run, artifact.NewLayout(root, run), nil)
	if res.OK() || !strings.Contains(res.Message, `"multiband"`) {
		t.Fatalf("result = %+v, want failure naming the tag", res.StageResult)
	}
}

func TestPrepare_SingleFileIdempotent(t *testing.T) {
	root := t.TempDir()
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-hermes_dwi", true)
	write(t, filepath.Join(root, "sub-01/ses-1/anat/sub-01_ses-1_T1w.nii.gz"), "t1")

	inv := shells("0 1000")
	run := types.NewPipelineRun("01", "1", "hermes", false)
	layout := artifact.NewLayout(root, run)
	router := newRouter(t, root, inv)

	first := router.Prepare(t.Context(), run, layout, nil)
	if !first.OK() {
		t.Fatalf("Prepare failed: %s", first.Message)
	}
	if first.Context.Multishell {
		t.Error("single shell classified as multishell")
	}
	if first.Context.T1 == nil {
		t.Error("T1 not resolved")
	}
	if first.Context.PepolarAP != nil || first.Context.PepolarPA != nil {
		t.Error("unexpected pepolar references")
	}

	inv.Reset()
	second := router.Prepare(t.Context(), run, layout, nil)
	if !second.OK() || !second.Reused {
		t.Fatalf("second Prepare: ok=%v reused=%v", second.OK(), second.Reused)
	}
	if n := len(inv.Calls()); n != 0 {
		t.Errorf("invocations on resume = %d, want 0", n)
	}
}

func TestPrepare_Pepolar(t *testing.T) {
	root := t.TempDir()
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-hermes_dwi", true)
	// AP reference with diffusion weighting, PA reference b0 only.
	addSeries(t, root, "sub-01/ses-1/fmap/sub-01_ses-1_acq-hermes_dir-AP_epi", true)
	addSeries(t, root, "sub-01/ses-1/fmap/sub-01_ses-1_acq-hermes_dir-PA_epi", false)

	inv := shells("0 1000")
	run := types.NewPipelineRun("01", "1", "hermes", false)
	layout := artifact.NewLayout(root, run)

	res := newRouter(t, root, inv).Prepare(t.Context(), run, layout, nil)
	if !res.OK() {
		t.Fatalf("Prepare failed: %s", res.Message)
	}
	prep := layout.Preprocessing()

	extracts := inv.Find("dwiextract")
	if len(extracts) != 1 {
		t.Fatalf("dwiextract calls = %d, want 1", len(extracts))
	}
	apRef := filepath.Join(prep, "sub-01_ses-1_acq-hermes_dir-AP_epi.mif")
	if extracts[0].Args[1] != apRef {
		t.Errorf("dwiextract input = %q, want %q", extracts[0].Args[1], apRef)
	}

	if res.Context.PepolarPA == nil {
		t.Fatal("PA reference not resolved")
	}
	if got := filepath.Base(res.Context.PepolarPA.Path); got != "sub-01_ses-1_acq-hermes_dir-PA_epi_bzero.mif" {
		t.Errorf("PA reference = %q", got)
	}
	if _, err := os.Stat(filepath.Join(prep, "sub-01_ses-1_acq-hermes_dir-PA_epi.mif")); !os.IsNotExist(err) {
		t.Error("b0-only reference should be renamed, not copied")
	}
}

func TestPrepare_RemovedVolumes(t *testing.T) {
	root := t.TempDir()
	addSeries(t, root, "sub-01/ses-1/dwi/sub-01_ses-1_acq-hermes_dwi", true)

	inv := shells("0 1000").
		OnArgs("mrinfo", []string{"-size"}, toolexec.Response{Stdout: "96 96 60 3"})
	run := types.NewPipelineRun("01", "1", "hermes", true)
	layout := artifact.NewLayout(root, run)

	res := newRouter(t, root, inv).Prepare(t.Context(), run, layout, []int{1})
	if !res.OK() {
		t.Fatalf("Prepare failed: %s", res.Message)
	}
	if !strings.HasSuffix(res.DWI.Path, "_removed_vol.mif") {
		t.Errorf("DWI = %q", res.DWI.Path)
	}
	if !strings.Contains(res.DWI.Path, "dwi-hermes_removed_volumes") {
		t.Errorf("DWI not under the removed-volumes analysis dir: %q", res.DWI.Path)
	}
}

func TestRemoveVolumes(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "dwi.mif")
	out := filepath.Join(dir, "dwi_removed_vol.mif")
	write(t, in, "dwi")

	inv := toolexec.NewScripted().On("mrinfo", toolexec.Response{Stdout: "96 96 60 5\n"})
	r := stage.NewRunner(artifact.NewFSStore(), inv, nil, nil)

	if err := RemoveVolumes(t.Context(), r, in, out, []int{1, 3}); err != nil {
		t.Fatalf("RemoveVolumes: %v", err)
	}

	scratch := filepath.Join(dir, "dwi_removed_vol_temp")
	var kept []string
	for _, c := range inv.Find("mrconvert") {
		kept = append(kept, c.Args[4])
		if filepath.Dir(c.Args[5]) != scratch {
			t.Errorf("volume written outside scratch dir: %s", c.Args[5])
		}
	}
	if !slices.Equal(kept, []string{"0", "2", "4"}) {
		t.Errorf("extracted volumes = %v, want [0 2 4]", kept)
	}

	cat := inv.Find("mrcat")
	if len(cat) != 1 || !toolexec.HasArgSequence(cat[0].Args, []string{"-axis", "3", out}) {
		t.Fatalf("mrcat calls = %v", cat)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Error("scratch directory not removed after success")
	}
}

func TestRemoveVolumes_ScratchRemovedOnFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "dwi.mif")
	out := filepath.Join(dir, "dwi_removed_vol.mif")
	write(t, in, "dwi")

	inv := toolexec.NewScripted().
		On("mrinfo", toolexec.Response{Stdout: "96 96 60 4"}).
		OnArgs("mrconvert", []string{"2"}, toolexec.Response{ExitCode: 1, Stderr: "read error"})
	r := stage.NewRunner(artifact.NewFSStore(), inv, nil, nil)

	err := RemoveVolumes(t.Context(), r, in, out, nil)
	if !errors.Is(err, types.ErrToolInvocation) {
		t.Fatalf("err = %v, want ErrToolInvocation", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dwi_removed_vol_temp")); !os.IsNotExist(err) {
		t.Error("scratch directory not removed after failure")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output written despite failure")
	}
}

func TestReadVolumeIndices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volumes.txt")
	write(t, path, "# motion outliers\n3, 7\n12\t15 # end\n")

	got, err := ReadVolumeIndices(path)
	if err != nil {
		t.Fatalf("ReadVolumeIndices: %v", err)
	}
	if !slices.Equal(got, []int{3, 7, 12, 15}) {
		t.Errorf("got %v", got)
	}

	write(t, path, "3 x\n")
	if _, err := ReadVolumeIndices(path); err == nil {
		t.Error("expected error for invalid index")
	}
}

func TestBIDSLayout_Enumerate(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sub-02/ses-1", "sub-01/ses-2", "sub-01/ses-1", "derivatives"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	bids, err := NewBIDSLayout(root)
	if err != nil {
		t.Fatal(err)
	}
	subs, _ := bids.Subjects()
	if !slices.Equal(subs, []string{"01", "02"}) {
		t.Errorf("Subjects = %v", subs)
	}
	sess, _ := bids.Sessions("01")
	if !slices.Equal(sess, []string{"1", "2"}) {
		t.Errorf("Sessions = %v", sess)
	}
}
