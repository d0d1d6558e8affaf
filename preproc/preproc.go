// Package preproc runs the diffusion preprocessing chain: denoising, Gibbs
// ringing removal, motion and distortion correction, bias field correction
// and brain masking.
//
// Every step is gated on its outputs, so an interrupted run resumes at the
// first missing artifact.
package preproc

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// StageName identifies the stage in results and logs.
const StageName = "preprocessing"

// Eddy slice-to-volume options passed through dwifslpreproc. MRtrix needs
// the trailing space for a single option.
const (
	eddyShelled = "--slm=linear --data_is_shelled"
	eddyDefault = "--slm=linear "
)

// Result carries the artifacts downstream stages consume.
type Result struct {
	types.StageResult
	// DWI is the bias-corrected series in the MRtrix container.
	DWI types.Artifact
	// DWINifti is DWI as NIfTI with FSL gradient side files.
	DWINifti  types.Artifact
	BVec      string
	BVal      string
	Mask      types.Artifact
	MaskNifti types.Artifact
	MeanB0    types.Artifact
	// Distortion is "rpe_pair" when a b0 pair was used, else "rpe_none".
	Distortion string
}

// Stage runs preprocessing.
type Stage struct {
	runner *stage.Runner
	bridge *bridge.Bridge
}

// New creates a preprocessing stage.
func New(runner *stage.Runner) *Stage {
	return &Stage{runner: runner, bridge: bridge.New(runner)}
}

// Run preprocesses dwi into dir. The chain stops at the first failing step.
func (s *Stage) Run(ctx context.Context, dwi types.Artifact, acq types.AcquisitionContext, dir string) *Result {
	start := time.Now()
	mark := s.runner.Mark()
	res, err := s.run(ctx, dwi, acq, dir)
	if err != nil {
		res = &Result{StageResult: types.Failed(StageName, err)}
	}
	res.StageResult = s.runner.Seal(res.StageResult, start, mark)
	return res
}

// Prefix returns the file name prefix of the preprocessing artifacts derived
// from a diffusion series.
func Prefix(dwi string) string {
	stem, _ := bridge.SplitExt(filepath.Base(dwi))
	return strings.TrimSuffix(stem, "_dwi")
}

func (s *Stage) run(ctx context.Context, dwi types.Artifact, acq types.AcquisitionContext, dir string) (*Result, error) {
	if err := s.runner.Require("preprocessing", dwi.Path); err != nil {
		return nil, err
	}
	p := func(suffix string) string { return filepath.Join(dir, Prefix(dwi.Path)+suffix) }

	denoised := p("_denoise.mif")
	if err := s.runner.Step(ctx, "denoise",
		toolexec.Command("dwidenoise", dwi.Path, denoised).Reads(dwi.Path).Writes(denoised)); err != nil {
		return nil, err
	}

	unrung := p("_denoise_degibbs.mif")
	if err := s.runner.Step(ctx, "unring",
		toolexec.Command("mrdegibbs", denoised, unrung).Reads(denoised).Writes(unrung)); err != nil {
		return nil, err
	}

	corrected := p("_denoise_degibbs_preproc.mif")
	distortion := "rpe_none"
	if !s.runner.Exists(corrected) {
		pair, ok, err := s.b0Pair(ctx, unrung, acq, p)
		if err != nil {
			return nil, err
		}
		args := []string{"dwifslpreproc", unrung, corrected,
			"-pe_dir", acq.PhaseEncodingDirection,
			"-readout_time", strconv.FormatFloat(acq.TotalReadoutTime, 'f', -1, 64),
		}
		inputs := []string{unrung}
		if ok {
			distortion = "rpe_pair"
			args = append(args, "-rpe_pair", "-se_epi", pair)
			inputs = append(inputs, pair)
		} else {
			args = append(args, "-rpe_none")
		}
		args = append(args, "-eddy_options", EddyOptions(acq.Multishell))
		spec := toolexec.Command(args...).Reads(inputs...).Writes(corrected).In(dir)
		if err := s.runner.Step(ctx, "motion_correct", spec); err != nil {
			return nil, err
		}
	} else {
		s.runner.Logger().Skip("motion_correct", corrected)
		if s.runner.Exists(p("_b0_pair.mif")) {
			distortion = "rpe_pair"
		}
	}

	unbiased := p("_preproc_unbiased.mif")
	bias := p("_preproc_bias.mif")
	if err := s.runner.Step(ctx, "bias_correct",
		toolexec.Command("dwibiascorrect", "ants", corrected, unbiased, "-bias", bias).
			Reads(corrected).Writes(unbiased, bias).In(dir)); err != nil {
		return nil, err
	}

	mask := p("_dwi_brain_mask.mif")
	if err := s.runner.Step(ctx, "mask",
		toolexec.Command("dwi2mask", unbiased, mask).Reads(unbiased).Writes(mask)); err != nil {
		return nil, err
	}

	dwiNii, err := s.bridge.ToNifti(ctx, unbiased, dir, true)
	if err != nil {
		return nil, err
	}
	maskNii, err := s.bridge.ToNifti(ctx, mask, dir, false)
	if err != nil {
		return nil, err
	}

	b0 := p("_b0.mif")
	meanB0 := p("_mean_b0.nii.gz")
	if !s.runner.Exists(meanB0) {
		if err := s.runner.Step(ctx, "extract_b0",
			toolexec.Command("dwiextract", unbiased, b0, "-bzero").Reads(unbiased).Writes(b0)); err != nil {
			return nil, err
		}
	}
	if err := s.runner.Step(ctx, "mean_b0",
		toolexec.Command("mrmath", b0, "mean", meanB0, "-axis", "3").Reads(b0).Writes(meanB0)); err != nil {
		return nil, err
	}

	bvec, bval := bridge.GradientFiles(dwiNii.Path)
	res := &Result{
		DWI:        types.NewArtifact("dwi", unbiased),
		DWINifti:   types.NewArtifact("dwi_nifti", dwiNii.Path),
		BVec:       bvec,
		BVal:       bval,
		Mask:       types.NewArtifact("mask", mask),
		MaskNifti:  types.NewArtifact("mask_nifti", maskNii.Path),
		MeanB0:     types.NewArtifact("mean_b0", meanB0),
		Distortion: distortion,
	}
	res.StageResult = types.Succeeded(StageName,
		res.DWI, res.DWINifti, res.Mask, res.MaskNifti, res.MeanB0,
		types.NewArtifact("bias", bias))
	return res, nil
}

// EddyOptions returns the eddy options for the shell layout.
func EddyOptions(multishell bool) string {
	if multishell {
		return eddyShelled
	}
	return eddyDefault
}

// b0Pair builds the spin-echo b0 pair used for distortion correction. The
// reference opposing the main series comes last; the main-direction b0 comes
// first, taken from its own reference or extracted from dwi. It returns false
// when no reverse phase-encode reference fits the phase-encoding direction.
func (s *Stage) b0Pair(ctx context.Context, dwi string, acq types.AcquisitionContext, p func(string) string) (string, bool, error) {
	var main, reverse *types.Artifact
	var mainDir string
	switch acq.PhaseEncodingDirection {
	case "j":
		main, reverse, mainDir = acq.PepolarPA, acq.PepolarAP, "PA"
	case "j-":
		main, reverse, mainDir = acq.PepolarAP, acq.PepolarPA, "AP"
	default:
		return "", false, nil
	}
	if reverse == nil {
		return "", false, nil
	}

	first := p(fmt.Sprintf("_%s_bzero.mif", mainDir))
	if main != nil {
		first = main.Path
	} else if err := s.runner.Step(ctx, "extract_"+strings.ToLower(mainDir)+"_b0",
		toolexec.Command("dwiextract", dwi, first, "-bzero").Reads(dwi).Writes(first)); err != nil {
		return "", false, err
	}

	pair := p("_b0_pair.mif")
	spec := toolexec.Command("mrcat", first, reverse.Path, pair).Reads(first, reverse.Path).Writes(pair)
	if err := s.runner.Step(ctx, "b0_pair", spec); err != nil {
		return "", false, err
	}
	return pair, true, nil
}
