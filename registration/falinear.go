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

// faLinear registers FA to an FA template with six degrees of freedom and
// carries the diffusion series along, rotating its gradient directions.
type faLinear struct {
	runner    *stage.Runner
	bridge    *bridge.Bridge
	templates Templates
	tools     Tools
}

func (s *faLinear) Name() string { return FALinear }

func (s *faLinear) Register(ctx context.Context, in Input) *Result {
	start, mark := time.Now(), s.runner.Mark()
	res, err := s.register(ctx, in)
	return seal(s.runner, FALinear, start, mark, res, err)
}

func (s *faLinear) register(ctx context.Context, in Input) (*Result, error) {
	dir := in.Layout.ResultsMNI()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := s.runner.Require("fa_linear", in.FA.Path, in.Pre.DWINifti.Path, in.Pre.BVec, in.Pre.BVal); err != nil {
		return nil, err
	}
	tmpl, err := resolveFATemplate(ctx, s.runner, s.templates, dir)
	if err != nil {
		return nil, err
	}

	faMNI := filepath.Join(dir, "FA_MNI.nii.gz")
	omat := filepath.Join(dir, "FA_2_MNI.mat")
	spec := toolexec.Command("flirt",
		"-ref", tmpl, "-in", in.FA.Path, "-out", faMNI, "-omat", omat,
		"-dof", "6", "-cost", "mutualinfo", "-searchcost", "mutualinfo",
	).Reads(tmpl, in.FA.Path).Writes(faMNI, omat)
	if err := s.runner.Step(ctx, "register_fa", spec); err != nil {
		return nil, err
	}

	dwiMNI := filepath.Join(dir, "dwi_MNI.nii.gz")
	if err := s.runner.Step(ctx, "register_dwi", applyxfm(tmpl, in.Pre.DWINifti.Path, dwiMNI, omat)); err != nil {
		return nil, err
	}

	bvec, bval := bridge.GradientFiles(dwiMNI)
	if err := s.runner.Step(ctx, "rotate_bvecs",
		toolexec.Command(s.tools.RotateBvecs, "-i", in.Pre.BVec, "-t", omat, "-o", bvec).
			Reads(in.Pre.BVec, omat).Writes(bvec)); err != nil {
		return nil, err
	}
	if err := s.runner.Do("copy_bvals", []string{bval}, func() error {
		return iox.CopyFile(in.Pre.BVal, bval)
	}); err != nil {
		return nil, err
	}

	dwiMif, err := s.bridge.ToNative(ctx, dwiMNI, dir, true)
	if err != nil {
		return nil, err
	}

	maskNii, err := s.mask(ctx, dir, dwiMif.Path)
	if err != nil {
		return nil, err
	}
	maskMif, err := s.bridge.ToNative(ctx, maskNii, dir, false)
	if err != nil {
		return nil, err
	}

	return &Result{
		FA: types.NewArtifact("FA_MNI", faMNI),
		Diffusion: &DiffusionInReference{
			DWI:       types.NewArtifact("dwi_MNI", dwiMif.Path),
			DWINifti:  types.NewArtifact("dwi_MNI_nifti", dwiMNI),
			BVec:      bvec,
			BVal:      bval,
			Mask:      types.NewArtifact("mask_MNI", maskMif.Path),
			MaskNifti: types.NewArtifact("mask_MNI_nifti", maskNii),
		},
		Transforms: map[string]types.Artifact{
			"FA_2_MNI": types.NewArtifact("FA_2_MNI", omat),
			"template": types.NewArtifact("template", tmpl),
		},
	}, nil
}

// mask builds a brain mask of the template-space series from its mean b0.
func (s *faLinear) mask(ctx context.Context, dir, dwi string) (string, error) {
	bzero := filepath.Join(dir, "dwi_MNI_bzero.nii.gz")
	mean := filepath.Join(dir, "dwi_MNI_bzero_mean.nii.gz")
	base := filepath.Join(dir, "dwi_MNI_brain")
	mask := base + "_mask.nii.gz"
	if s.runner.Exists(mask) {
		s.runner.Logger().Skip("mask_MNI", mask)
		return mask, nil
	}
	if !s.runner.Exists(mean) {
		if err := s.runner.Step(ctx, "extract_b0_MNI",
			toolexec.Command("dwiextract", dwi, bzero, "-bzero").Reads(dwi).Writes(bzero)); err != nil {
			return "", err
		}
	}
	if err := s.runner.Step(ctx, "mean_b0_MNI",
		toolexec.Command("mrmath", bzero, "mean", mean, "-axis", "3").Reads(bzero).Writes(mean)); err != nil {
		return "", err
	}
	if err := s.runner.Step(ctx, "mask_MNI",
		toolexec.Command("bet", mean, base, "-m", "-n").Reads(mean).Writes(mask)); err != nil {
		return "", err
	}
	return mask, nil
}

// MapToReference applies the FA transform to m, writing <stem>_MNI.nii.gz.
func (s *faLinear) MapToReference(ctx context.Context, res *Result, m types.Artifact) (types.Artifact, error) {
	if res == nil || !res.OK() {
		return types.Artifact{}, types.MissingPrerequisite("map_to_reference", "FA_2_MNI.mat")
	}
	omat, tmpl := res.Transforms["FA_2_MNI"], res.Transforms["template"]
	dir := filepath.Dir(omat.Path)

	src, err := s.bridge.Ensure(ctx, m, dir)
	if err != nil {
		return types.Artifact{}, err
	}
	out := filepath.Join(dir, mappedName(src.Path, "_MNI"))
	if err := s.runner.Step(ctx, "map_"+m.Name, applyxfm(tmpl.Path, src.Path, out, omat.Path)); err != nil {
		return types.Artifact{}, err
	}
	return types.NewArtifact(m.Name+"_MNI", out), nil
}

func applyxfm(tmpl, in, out, omat string) toolexec.CommandSpec {
	return toolexec.Command("flirt",
		"-ref", tmpl, "-in", in, "-out", out, "-applyxfm", "-init", omat, "-dof", "6",
	).Reads(tmpl, in, omat).Writes(out)
}
