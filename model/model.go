// Package model fits diffusion models to a preprocessed series.
//
// The tensor fit is required. The dipy tensor fit always runs but is
// optional; kurtosis and NODDI fits run only on multishell data and are
// optional too. A failed optional fit is recorded and does not fail the
// stage.
package model

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/preproc"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// Stage names.
const (
	StageName = "model"
	DipyDTI   = "dipy_dti"
	DKI       = "dki"
	NODDI     = "noddi"
)

// Kurtosis values are clipped to this window.
const (
	MinKurtosis = 0
	MaxKurtosis = 3
)

// Tools names the external commands of the dipy and AMICO fits.
type Tools struct {
	DipyDTI string
	DipyDKI string
	NODDI   string
}

// DefaultTools returns the stock command names.
func DefaultTools() Tools {
	return Tools{
		DipyDTI: "dipy_fit_dti",
		DipyDKI: "dipy_fit_dki",
		NODDI:   "amico_noddi",
	}
}

// TensorMaps holds the MRtrix tensor outputs. Scalar maps are NIfTI.
type TensorMaps struct {
	Tensor types.Artifact
	Vector types.Artifact
	FA     types.Artifact
	ADC    types.Artifact
	RD     types.Artifact
	AD     types.Artifact
}

// DipyDTIMaps holds the dipy tensor maps.
type DipyDTIMaps struct {
	FA, MD, AD, RD types.Artifact
}

// KurtosisMaps holds the dipy kurtosis maps.
type KurtosisMaps struct {
	FA, MD, AD, RD  types.Artifact
	MK, AK, RK, KFA types.Artifact
}

// NODDIMaps holds the AMICO NODDI maps.
type NODDIMaps struct {
	NDI, ODI, FWF, Dir types.Artifact
}

// Result is the typed outcome of model fitting. DKI and NODDI are nil unless
// the data is multishell and the fit succeeded.
type Result struct {
	types.StageResult
	Tensor  TensorMaps
	DipyDTI *DipyDTIMaps
	DKI     *KurtosisMaps
	NODDI   *NODDIMaps
	// Optional records the results of optional fits, including failures.
	Optional []types.StageResult
}

// Map returns a scalar map by name. Names are FA, MD, AD, RD (tensor),
// MK, AK, RK, KFA (kurtosis), NDI, ODI, FWF (NODDI) and the dipy variants
// DTI_dipy_<X> and DKI_<X>.
func (r *Result) Map(name string) (types.Artifact, bool) {
	maps := map[string]types.Artifact{
		"FA": r.Tensor.FA, "MD": r.Tensor.ADC, "AD": r.Tensor.AD, "RD": r.Tensor.RD,
	}
	if d := r.DipyDTI; d != nil {
		maps["DTI_dipy_FA"], maps["DTI_dipy_MD"] = d.FA, d.MD
		maps["DTI_dipy_AD"], maps["DTI_dipy_RD"] = d.AD, d.RD
	}
	if k := r.DKI; k != nil {
		maps["MK"], maps["AK"], maps["RK"], maps["KFA"] = k.MK, k.AK, k.RK, k.KFA
		maps["DKI_FA"], maps["DKI_MD"] = k.FA, k.MD
		maps["DKI_AD"], maps["DKI_RD"] = k.AD, k.RD
	}
	if n := r.NODDI; n != nil {
		maps["NDI"], maps["ODI"], maps["FWF"] = n.NDI, n.ODI, n.FWF
	}
	a, ok := maps[name]
	if !ok || a.IsZero() {
		return types.Artifact{}, false
	}
	return a, true
}

// Stage fits diffusion models.
type Stage struct {
	runner *stage.Runner
	bridge *bridge.Bridge
	tools  Tools
}

// New creates a model stage.
func New(runner *stage.Runner, tools Tools) *Stage {
	return &Stage{runner: runner, bridge: bridge.New(runner), tools: tools}
}

// Run fits the models for one pipeline run.
func (s *Stage) Run(ctx context.Context, pre *preproc.Result, multishell bool, layout artifact.Layout) *Result {
	start := time.Now()
	mark := s.runner.Mark()

	res := &Result{}
	tensor, err := s.tensor(ctx, pre, layout.Tensor())
	if err != nil {
		res.StageResult = s.runner.Seal(types.Failed(StageName, err), start, mark)
		return res
	}
	res.Tensor = tensor

	dti, sub := s.dipyDTI(ctx, pre, layout.DipyDTI())
	res.DipyDTI = dti
	res.Optional = append(res.Optional, sub)

	if multishell {
		dki, sub := s.kurtosis(ctx, pre, layout.Kurtosis())
		res.DKI = dki
		res.Optional = append(res.Optional, sub)

		noddi, sub := s.noddi(ctx, pre, layout)
		res.NODDI = noddi
		res.Optional = append(res.Optional, sub)
	} else {
		s.runner.Logger().Info("single shell data, skipping kurtosis and NODDI", nil)
	}

	arts := []types.Artifact{tensor.Tensor, tensor.Vector, tensor.FA, tensor.ADC, tensor.RD, tensor.AD}
	res.StageResult = s.runner.Seal(types.Succeeded(StageName, arts...), start, mark)
	return res
}

func (s *Stage) tensor(ctx context.Context, pre *preproc.Result, dir string) (TensorMaps, error) {
	if err := s.runner.Require("tensor", pre.DWI.Path, pre.Mask.Path); err != nil {
		return TensorMaps{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return TensorMaps{}, err
	}
	tensor := filepath.Join(dir, "tensor.mif")
	if err := s.runner.Step(ctx, "dwi2tensor",
		toolexec.Command("dwi2tensor", pre.DWI.Path, "-mask", pre.Mask.Path, tensor).
			Reads(pre.DWI.Path, pre.Mask.Path).Writes(tensor)); err != nil {
		return TensorMaps{}, err
	}

	names := []string{"FA", "ADC", "RD", "AD"}
	mifs := make(map[string]string, len(names))
	args := []string{"tensor2metric", tensor, "-mask", pre.Mask.Path}
	outs := []string{}
	for _, n := range names {
		mifs[n] = filepath.Join(dir, n+"_map.mif")
		args = append(args, "-"+lower(n), mifs[n])
		outs = append(outs, mifs[n])
	}
	vector := filepath.Join(dir, "vector.mif")
	args = append(args, "-vector", vector)
	outs = append(outs, vector)
	if err := s.runner.Step(ctx, "tensor2metric",
		toolexec.Command(args...).Reads(tensor, pre.Mask.Path).Writes(outs...)); err != nil {
		return TensorMaps{}, err
	}

	niftis := make(map[string]types.Artifact, len(names))
	for _, n := range names {
		a, err := s.bridge.ToNifti(ctx, mifs[n], dir, false)
		if err != nil {
			return TensorMaps{}, err
		}
		a.Name = n
		niftis[n] = a
	}
	return TensorMaps{
		Tensor: types.NewArtifact("tensor", tensor),
		Vector: types.NewArtifact("vector", vector),
		FA:     niftis["FA"],
		ADC:    niftis["ADC"],
		RD:     niftis["RD"],
		AD:     niftis["AD"],
	}, nil
}

// dipyArgs builds the shared positional arguments of a dipy workflow.
func dipyArgs(cmd string, pre *preproc.Result) []string {
	return []string{cmd, pre.DWINifti.Path, pre.BVal, pre.BVec, pre.MaskNifti.Path}
}

func dipyInputs(pre *preproc.Result) []string {
	return []string{pre.DWINifti.Path, pre.BVal, pre.BVec, pre.MaskNifti.Path}
}

// dipyOutputs appends --save_metrics and --out_<metric> options for metrics
// and returns the output paths keyed by upper-case metric name.
func dipyOutputs(args []string, dir, prefix string, metrics ...string) ([]string, map[string]string) {
	args = append(args, "--out_dir", dir, "--save_metrics")
	args = append(args, metrics...)
	paths := make(map[string]string, len(metrics))
	for _, m := range metrics {
		name := prefix + "_" + upper(m) + ".nii.gz"
		args = append(args, "--out_"+m, name)
		paths[upper(m)] = filepath.Join(dir, name)
	}
	return args, paths
}

func (s *Stage) dipyDTI(ctx context.Context, pre *preproc.Result, dir string) (*DipyDTIMaps, types.StageResult) {
	start, mark := time.Now(), s.runner.Mark()
	args, paths := dipyOutputs(dipyArgs(s.tools.DipyDTI, pre), dir, "dipy_dti", "fa", "md", "ad", "rd")
	spec := toolexec.Command(args...).Reads(dipyInputs(pre)...).Writes(values(paths)...)
	if err := s.runner.Step(ctx, DipyDTI, spec); err != nil {
		return nil, s.runner.Seal(types.Failed(DipyDTI, err), start, mark)
	}
	m := &DipyDTIMaps{
		FA: types.NewArtifact("DTI_dipy_FA", paths["FA"]),
		MD: types.NewArtifact("DTI_dipy_MD", paths["MD"]),
		AD: types.NewArtifact("DTI_dipy_AD", paths["AD"]),
		RD: types.NewArtifact("DTI_dipy_RD", paths["RD"]),
	}
	return m, s.runner.Seal(types.Succeeded(DipyDTI, m.FA, m.MD, m.AD, m.RD), start, mark)
}

func (s *Stage) kurtosis(ctx context.Context, pre *preproc.Result, dir string) (*KurtosisMaps, types.StageResult) {
	start, mark := time.Now(), s.runner.Mark()
	base := append(dipyArgs(s.tools.DipyDKI, pre),
		"--min_kurtosis", itoa(MinKurtosis), "--max_kurtosis", itoa(MaxKurtosis))
	args, paths := dipyOutputs(base, dir, "dipy_dki", "fa", "md", "ad", "rd", "mk", "ak", "rk", "kfa")
	spec := toolexec.Command(args...).Reads(dipyInputs(pre)...).Writes(values(paths)...)
	if err := s.runner.Step(ctx, DKI, spec); err != nil {
		return nil, s.runner.Seal(types.Failed(DKI, err), start, mark)
	}
	m := &KurtosisMaps{
		FA:  types.NewArtifact("DKI_FA", paths["FA"]),
		MD:  types.NewArtifact("DKI_MD", paths["MD"]),
		AD:  types.NewArtifact("DKI_AD", paths["AD"]),
		RD:  types.NewArtifact("DKI_RD", paths["RD"]),
		MK:  types.NewArtifact("MK", paths["MK"]),
		AK:  types.NewArtifact("AK", paths["AK"]),
		RK:  types.NewArtifact("RK", paths["RK"]),
		KFA: types.NewArtifact("KFA", paths["KFA"]),
	}
	return m, s.runner.Seal(types.Succeeded(DKI, m.FA, m.MD, m.AD, m.RD, m.MK, m.AK, m.RK, m.KFA), start, mark)
}

// noddi runs the AMICO NODDI fit inside the analysis directory. An existing
// AMICO directory skips the whole fit. The kernel cache AMICO leaves behind
// is removed after a successful fit.
func (s *Stage) noddi(ctx context.Context, pre *preproc.Result, layout artifact.Layout) (*NODDIMaps, types.StageResult) {
	start, mark := time.Now(), s.runner.Mark()
	out := filepath.Join(layout.Amico(), "NODDI")
	m := &NODDIMaps{
		NDI: types.NewArtifact("NDI", filepath.Join(out, "fit_NDI.nii.gz")),
		ODI: types.NewArtifact("ODI", filepath.Join(out, "fit_ODI.nii.gz")),
		FWF: types.NewArtifact("FWF", filepath.Join(out, "fit_FWF.nii.gz")),
		Dir: types.NewArtifact("NODDI_dir", filepath.Join(out, "fit_dir.nii.gz")),
	}
	if s.runner.Exists(layout.Amico()) {
		s.runner.Logger().Skip(NODDI, layout.Amico())
		return m, s.runner.Seal(types.Succeeded(NODDI, m.NDI, m.ODI, m.FWF, m.Dir), start, mark)
	}
	spec := toolexec.Command(s.tools.NODDI,
		"--dwi", pre.DWINifti.Path,
		"--bval", pre.BVal,
		"--bvec", pre.BVec,
		"--mask", pre.MaskNifti.Path,
		"--out_dir", layout.Amico(),
		"--kernels_dir", layout.Kernels(),
	).Reads(dipyInputs(pre)...).Writes(m.NDI.Path, m.ODI.Path, m.FWF.Path, m.Dir.Path).In(layout.AnalysisDir())

	if err := s.runner.Step(ctx, NODDI, spec); err != nil {
		// A partial AMICO directory would mark the fit done on the next run.
		if rmErr := os.RemoveAll(layout.Amico()); rmErr != nil {
			s.runner.Logger().Warn("failed to remove partial AMICO output", map[string]any{
				"path":  layout.Amico(),
				"error": rmErr.Error(),
			})
		}
		return nil, s.runner.Seal(types.Failed(NODDI, err), start, mark)
	}
	if err := os.RemoveAll(layout.Kernels()); err != nil {
		s.runner.Logger().Warn("failed to remove AMICO kernels", map[string]any{
			"path":  layout.Kernels(),
			"error": err.Error(),
		})
	}
	return m, s.runner.Seal(types.Succeeded(NODDI, m.NDI, m.ODI, m.FWF, m.Dir), start, mark)
}
