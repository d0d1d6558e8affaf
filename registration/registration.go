// Package registration aligns subject diffusion maps with a template space.
//
// Two strategies are available. fa-linear registers the FA map to an FA
// template with a rigid transform. t1-nonlinear chains a diffusion to T1
// rigid registration with an affine and nonlinear T1 to template warp, and
// inverts the chain to bring atlas labels into subject space.
package registration

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/preproc"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/types"
)

// Strategy names.
const (
	FALinear    = "fa-linear"
	T1Nonlinear = "t1-nonlinear"
)

// Input is what a strategy registers.
type Input struct {
	Layout artifact.Layout
	Pre    *preproc.Result
	// FA is the tensor FA map as NIfTI.
	FA types.Artifact
	// T1 is the raw structural image, nil when the session has none.
	T1 *types.Artifact
}

// DiffusionInReference is the diffusion series resampled into template space.
type DiffusionInReference struct {
	DWI       types.Artifact
	DWINifti  types.Artifact
	BVec      string
	BVal      string
	Mask      types.Artifact
	MaskNifti types.Artifact
}

// AtlasInSubject is the JHU atlas warped into subject FA space.
type AtlasInSubject struct {
	FA     types.Artifact
	Labels types.Artifact
}

// Result is the outcome of one strategy.
type Result struct {
	types.StageResult
	Strategy string
	// FA is the FA map in template space.
	FA         types.Artifact
	Diffusion  *DiffusionInReference
	Transforms map[string]types.Artifact
	// Atlas is set by strategies that map atlas labels to subject space.
	Atlas *AtlasInSubject
}

// Strategy is a named registration method.
type Strategy interface {
	Name() string
	// Register aligns the run with the template.
	Register(ctx context.Context, in Input) *Result
	// MapToReference brings another subject-space map into template space
	// using the transforms of a successful Register.
	MapToReference(ctx context.Context, res *Result, m types.Artifact) (types.Artifact, error)
}

// Tools names registration helper commands.
type Tools struct {
	RotateBvecs string
}

// DefaultTools returns the stock command names.
func DefaultTools() Tools {
	return Tools{RotateBvecs: "rotate_bvecs"}
}

// Templates locates reference images.
type Templates struct {
	// FA is the FA template of fa-linear. When empty and FAURL is set the
	// template is downloaded once into the template-space directory.
	FA    string
	FAURL string
	// T1Brain is the skull-stripped T1 template of t1-nonlinear.
	T1Brain     string
	FNIRTConfig string
	JHUFA       string
	JHULabels   string
}

// FSLTemplates returns templates shipped with an FSL installation.
func FSLTemplates(fslDir string) Templates {
	return Templates{
		FA:          filepath.Join(fslDir, "data", "standard", "FMRIB58_FA_1mm.nii.gz"),
		T1Brain:     filepath.Join(fslDir, "data", "standard", "MNI152_T1_2mm_brain.nii.gz"),
		FNIRTConfig: "T1_2_MNI152_2mm",
		JHUFA:       filepath.Join(fslDir, "data", "atlases", "JHU", "JHU-ICBM-FA-2mm.nii.gz"),
		JHULabels:   filepath.Join(fslDir, "data", "atlases", "JHU", "JHU-ICBM-labels-2mm.nii.gz"),
	}
}

// Names lists the known strategies.
func Names() []string {
	return []string{FALinear, T1Nonlinear}
}

// New returns the named strategy.
func New(name string, runner *stage.Runner, templates Templates, tools Tools) (Strategy, error) {
	switch name {
	case FALinear:
		return &faLinear{runner: runner, bridge: bridge.New(runner), templates: templates, tools: tools}, nil
	case T1Nonlinear:
		return &t1Nonlinear{runner: runner, bridge: bridge.New(runner), templates: templates, tools: tools}, nil
	default:
		return nil, fmt.Errorf("unknown registration strategy %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
}

// NeedsT1 reports whether the named strategy requires a structural image.
func NeedsT1(name string) bool {
	return name == T1Nonlinear
}

// StageName returns the result stage name of a strategy.
func StageName(strategy string) string {
	return "registration." + strategy
}

// mappedName derives the template-space file name of a map.
func mappedName(path, suffix string) string {
	stem, _ := bridge.SplitExt(filepath.Base(path))
	stem = strings.ReplaceAll(stem, "fit_", "")
	stem = strings.ReplaceAll(stem, "dipy_", "")
	return stem + suffix + ".nii.gz"
}

// seal finishes a Register call.
func seal(r *stage.Runner, strategy string, start time.Time, mark int64, res *Result, err error) *Result {
	if err != nil {
		res = &Result{StageResult: types.Failed(StageName(strategy), err)}
	} else {
		arts := []types.Artifact{res.FA}
		names := make([]string, 0, len(res.Transforms))
		for n := range res.Transforms {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			arts = append(arts, res.Transforms[n])
		}
		if res.Atlas != nil {
			arts = append(arts, res.Atlas.FA, res.Atlas.Labels)
		}
		res.StageResult = types.Succeeded(StageName(strategy), arts...)
	}
	res.Strategy = strategy
	res.StageResult = r.Seal(res.StageResult, start, mark)
	return res
}
