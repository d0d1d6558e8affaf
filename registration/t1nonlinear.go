package registration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// t1Nonlinear anchors registration on the structural image: b0 to T1 with
// boundary-based registration, T1 to template with an affine then a
// nonlinear warp. The inverse chain maps the JHU atlas into FA space.
type t1Nonlinear struct {
	runner    *stage.Runner
	bridge    *bridge.Bridge
	templates Templates
	tools     Tools
}

func (s *t1Nonlinear) Name() string { return T1Nonlinear }

func (s *t1Nonlinear) Register(ctx context.Context, in Input) *Result {
	start, mark := time.Now(), s.runner.Mark()
	res, err := s.register(ctx, in)
	return seal(s.runner, T1Nonlinear, start, mark, res, err)
}

// link is one gated step of the warp chain.
type link struct {
	step string
	spec toolexec.CommandSpec
}

func (s *t1Nonlinear) register(ctx context.Context, in Input) (*Result, error) {
	if in.T1 == nil {
		return nil, types.MissingPrerequisite("t1_nonlinear", "T1w image")
	}
	t := s.templates
	dir := in.Layout.JHU()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := s.runner.Require("t1_nonlinear", in.FA.Path, in.Pre.MeanB0.Path, t.T1Brain, t.JHUFA, t.JHULabels); err != nil {
		return nil, err
	}

	p := func(name string) string { return filepath.Join(dir, name) }
	t1 := in.T1.Path
	fa := in.FA.Path
	t1Brain := p("T1_brain.nii.gz")
	b0ToT1 := p("b0_to_T1.mat")
	t1ToMNIAffine := p("T1_to_MNI_affine.mat")
	warp := p("T12MNI_warp.nii.gz")
	faMNI := p("FA_in_MNI.nii.gz")
	invWarp := p("MNI2T1_warp.nii.gz")
	t1ToB0 := p("T1_to_b0.mat")
	mniToFA := p("MNI2FA_warp.nii.gz")
	jhuFA := p("JHU_in_FAspace.nii.gz")
	jhuLabels := p("JHU_labels_in_FAspace.nii.gz")

	chain := []link{
		{"t1_brain", toolexec.Command("bet", t1, t1Brain, "-R").Reads(t1).Writes(t1Brain)},
		{"epi_reg", toolexec.Command("epi_reg",
			"--epi="+in.Pre.MeanB0.Path, "--t1="+t1, "--t1brain="+t1Brain, "--out="+p("b0_to_T1"),
		).Reads(in.Pre.MeanB0.Path, t1, t1Brain).Writes(b0ToT1).In(dir)},
		{"t1_affine", toolexec.Command("flirt",
			"-in", t1Brain, "-ref", t.T1Brain, "-omat", t1ToMNIAffine,
			"-dof", "12", "-cost", "corratio", "-out", p("T1_affine_in_MNI.nii.gz"),
		).Reads(t1Brain, t.T1Brain).Writes(t1ToMNIAffine, p("T1_affine_in_MNI.nii.gz"))},
		{"fnirt", toolexec.Command("fnirt",
			"--in="+t1, "--aff="+t1ToMNIAffine, "--cout="+warp, "--iout="+p("T1_in_MNI.nii.gz"),
			"--ref="+t.T1Brain, "--config="+t.FNIRTConfig,
		).Reads(t1, t1ToMNIAffine, t.T1Brain).Writes(warp, p("T1_in_MNI.nii.gz")).In(dir)},
		{"warp_fa", warpToTemplate(fa, t.T1Brain, warp, b0ToT1, faMNI)},
		{"invwarp", toolexec.Command("invwarp",
			"--warp="+warp, "--ref="+t1, "--out="+invWarp,
		).Reads(warp, t1).Writes(invWarp)},
		{"invert_b0_to_t1", toolexec.Command("convert_xfm",
			"-omat", t1ToB0, "-inverse", b0ToT1,
		).Reads(b0ToT1).Writes(t1ToB0)},
		{"convertwarp", toolexec.Command("convertwarp",
			"--ref="+fa, "--warp1="+invWarp, "--postmat="+t1ToB0, "--out="+mniToFA,
		).Reads(fa, invWarp, t1ToB0).Writes(mniToFA)},
		{"jhu_fa", warpToSubject(t.JHUFA, fa, mniToFA, jhuFA, "trilinear")},
		{"jhu_labels", warpToSubject(t.JHULabels, fa, mniToFA, jhuLabels, "nn")},
	}
	for _, l := range chain {
		if err := s.runner.Step(ctx, l.step, l.spec); err != nil {
			return nil, err
		}
	}

	diffusion, err := s.diffusion(ctx, in, dir, warp, b0ToT1, t1ToMNIAffine)
	if err != nil {
		return nil, err
	}

	return &Result{
		FA:        types.NewArtifact("FA_in_MNI", faMNI),
		Diffusion: diffusion,
		Transforms: map[string]types.Artifact{
			"T12MNI_warp":      types.NewArtifact("T12MNI_warp", warp),
			"b0_to_T1":         types.NewArtifact("b0_to_T1", b0ToT1),
			"T1_to_MNI_affine": types.NewArtifact("T1_to_MNI_affine", t1ToMNIAffine),
			"MNI2FA_warp":      types.NewArtifact("MNI2FA_warp", mniToFA),
			"template":         types.NewArtifact("template", t.T1Brain),
		},
		Atlas: &AtlasInSubject{
			FA:     types.NewArtifact("JHU_FA", jhuFA),
			Labels: types.NewArtifact("JHU_labels", jhuLabels),
		},
	}, nil
}

// diffusion warps the diffusion series and its mask into template space.
// Gradient directions follow the affine part of the chain.
func (s *t1Nonlinear) diffusion(ctx context.Context, in Input, dir, warp, b0ToT1, t1Affine string) (*DiffusionInReference, error) {
	tmpl := s.templates.T1Brain
	dwi := filepath.Join(dir, "dwi_in_MNI.nii.gz")
	maskNii := filepath.Join(dir, "dwi_in_MNI_brain_mask.nii.gz")
	concat := filepath.Join(dir, "b0_to_MNI_affine.mat")
	bvec, bval := bridge.GradientFiles(dwi)

	chain := []link{
		{"warp_dwi", warpToTemplate(in.Pre.DWINifti.Path, tmpl, warp, b0ToT1, dwi)},
		{"warp_mask", withInterp(warpToTemplate(in.Pre.MaskNifti.Path, tmpl, warp, b0ToT1, maskNii), "nn")},
		{"concat_affine", toolexec.Command("convert_xfm",
			"-omat", concat, "-concat", t1Affine, b0ToT1,
		).Reads(t1Affine, b0ToT1).Writes(concat)},
		{"rotate_bvecs", toolexec.Command(s.tools.RotateBvecs, "-i", in.Pre.BVec, "-t", concat, "-o", bvec).
			Reads(in.Pre.BVec, concat).Writes(bvec)},
	}
	for _, l := range chain {
		if err := s.runner.Step(ctx, l.step, l.spec); err != nil {
			return nil, err
		}
	}
	if err := s.runner.Do("copy_bvals", []string{bval}, func() error {
		return iox.CopyFile(in.Pre.BVal, bval)
	}); err != nil {
		return nil, err
	}

	dwiMif, err := s.bridge.ToNative(ctx, dwi, dir, true)
	if err != nil {
		return nil, err
	}
	maskMif, err := s.bridge.ToNative(ctx, maskNii, dir, false)
	if err != nil {
		return nil, err
	}
	return &DiffusionInReference{
		DWI:       types.NewArtifact("dwi_MNI", dwiMif.Path),
		DWINifti:  types.NewArtifact("dwi_MNI_nifti", dwi),
		BVec:      bvec,
		BVal:      bval,
		Mask:      types.NewArtifact("mask_MNI", maskMif.Path),
		MaskNifti: types.NewArtifact("mask_MNI_nifti", maskNii),
	}, nil
}

// MapToReference warps m through the b0 to template chain, writing
// <stem>_in_MNI.nii.gz.
func (s *t1Nonlinear) MapToReference(ctx context.Context, res *Result, m types.Artifact) (types.Artifact, error) {
	if res == nil || !res.OK() {
		return types.Artifact{}, types.MissingPrerequisite("map_to_reference", "T12MNI_warp.nii.gz")
	}
	warp := res.Transforms["T12MNI_warp"]
	dir := filepath.Dir(warp.Path)

	src, err := s.bridge.Ensure(ctx, m, dir)
	if err != nil {
		return types.Artifact{}, err
	}
	out := filepath.Join(dir, mappedName(src.Path, "_in_MNI"))
	spec := warpToTemplate(src.Path, res.Transforms["template"].Path, warp.Path, res.Transforms["b0_to_T1"].Path, out)
	if err := s.runner.Step(ctx, "warp_"+m.Name, spec); err != nil {
		return types.Artifact{}, err
	}
	return types.NewArtifact(m.Name+"_in_MNI", out), nil
}

func warpToTemplate(in, ref, warp, premat, out string) toolexec.CommandSpec {
	return toolexec.Command("applywarp",
		"--in="+in, "--ref="+ref, "--warp="+warp, "--premat="+premat, "--out="+out, "--interp=trilinear",
	).Reads(in, ref, warp, premat).Writes(out)
}

func warpToSubject(in, ref, warp, out, interp string) toolexec.CommandSpec {
	return toolexec.Command("applywarp",
		"--in="+in, "--ref="+ref, "--warp="+warp, "--out="+out, "--interp="+interp,
	).Reads(in, ref, warp).Writes(out)
}

// withInterp replaces the interpolation option of an applywarp spec.
func withInterp(spec toolexec.CommandSpec, interp string) toolexec.CommandSpec {
	args := append([]string(nil), spec.Args...)
	args[len(args)-1] = "--interp=" + interp
	spec.Args = args
	return spec
}
