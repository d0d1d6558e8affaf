// Package bridge converts images between NIfTI and the MRtrix container.
//
// Conversions shell out to mrconvert. Diffusion gradients travel as FSL side
// files next to the NIfTI image and inside the header of the .mif image.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// Known image extensions, compound first so that ".nii.gz" wins over ".gz".
var knownExts = []string{".nii.gz", ".nii", ".mif.gz", ".mif"}

// SplitExt splits path into its stem and image extension, treating
// compound extensions such as ".nii.gz" as one unit.
func SplitExt(path string) (stem, ext string) {
	for _, e := range knownExts {
		if strings.HasSuffix(path, e) {
			return strings.TrimSuffix(path, e), e
		}
	}
	ext = filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// HasExt reports whether path ends with one of exts.
func HasExt(path string, exts ...string) bool {
	_, ext := SplitExt(path)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// GradientFiles returns the FSL direction and b-value side files of a NIfTI
// image by suffix substitution.
func GradientFiles(niftiPath string) (bvec, bval string) {
	stem, _ := SplitExt(niftiPath)
	return stem + ".bvec", stem + ".bval"
}

// Bridge converts between formats using mrconvert.
type Bridge struct {
	runner  *stage.Runner
	convert string
}

// New creates a bridge running mrconvert through runner.
func New(runner *stage.Runner) *Bridge {
	return &Bridge{runner: runner, convert: "mrconvert"}
}

// ToNifti converts a .mif image into outDir as <stem>.nii.gz. When
// carryGradients is set the gradient table is exported as FSL side files.
func (b *Bridge) ToNifti(ctx context.Context, input, outDir string, carryGradients bool) (types.Artifact, error) {
	if !HasExt(input, ".mif", ".mif.gz") {
		return types.Artifact{}, types.NewStageError(types.ErrFormatMismatch, "to_nifti", input,
			fmt.Errorf("expected .mif input"))
	}
	stem, _ := SplitExt(filepath.Base(input))
	out := filepath.Join(outDir, stem+".nii.gz")

	spec := toolexec.Command(b.convert, input, out).Reads(input).Writes(out)
	if carryGradients {
		bvec, bval := GradientFiles(out)
		spec = toolexec.Command(b.convert, input, out, "-export_grad_fsl", bvec, bval).
			Reads(input).Writes(out, bvec, bval)
	}
	if err := b.runner.Step(ctx, "to_nifti", spec); err != nil {
		return types.Artifact{}, err
	}
	return types.NewArtifact(stem, out), nil
}

// ToNative converts a NIfTI image into outDir as <stem>.mif. When
// carryGradients is set the FSL side files next to input are embedded; a
// missing side file is a hard failure.
func (b *Bridge) ToNative(ctx context.Context, input, outDir string, carryGradients bool) (types.Artifact, error) {
	if !HasExt(input, ".nii.gz", ".nii") {
		return types.Artifact{}, types.NewStageError(types.ErrFormatMismatch, "to_native", input,
			fmt.Errorf("expected .nii or .nii.gz input"))
	}
	stem, _ := SplitExt(filepath.Base(input))
	out := filepath.Join(outDir, stem+".mif")

	spec := toolexec.Command(b.convert, input, out).Reads(input).Writes(out)
	if carryGradients {
		bvec, bval := GradientFiles(input)
		if !b.runner.Exists(out) {
			if err := b.runner.Require("to_native", bvec, bval); err != nil {
				return types.Artifact{}, err
			}
		}
		spec = toolexec.Command(b.convert, input, out, "-fslgrad", bvec, bval).
			Reads(input, bvec, bval).Writes(out)
	}
	if err := b.runner.Step(ctx, "to_native", spec); err != nil {
		return types.Artifact{}, err
	}
	return types.NewArtifact(stem, out), nil
}

// Ensure returns a NIfTI version of a, converting only when a is a .mif.
func (b *Bridge) Ensure(ctx context.Context, a types.Artifact, outDir string) (types.Artifact, error) {
	if a.Format == types.FormatNifti {
		return a, nil
	}
	out, err := b.ToNifti(ctx, a.Path, outDir, false)
	if err != nil {
		return types.Artifact{}, err
	}
	out.Name = a.Name
	return out, nil
}
