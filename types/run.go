// Package types defines core domain types for the dwiflow pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RemovedVolumesSuffix marks analysis directories and labels derived from a
// series with excluded volumes.
const RemovedVolumesSuffix = "_removed_volumes"

// PipelineRun identifies one subject x session x acquisition combination.
// Subject and Session are stored without their BIDS "sub-"/"ses-" prefixes.
type PipelineRun struct {
	Subject        string `json:"subject" msgpack:"subject"`
	Session        string `json:"session" msgpack:"session"`
	Acquisition    string `json:"acquisition" msgpack:"acquisition"`
	RemovedVolumes bool   `json:"removed_volumes,omitempty" msgpack:"removed_volumes,omitempty"`
}

// NewPipelineRun builds a run, stripping any BIDS prefixes from the identifiers.
func NewPipelineRun(subject, session, acquisition string, removedVolumes bool) PipelineRun {
	return PipelineRun{
		Subject:        strings.TrimPrefix(subject, "sub-"),
		Session:        strings.TrimPrefix(session, "ses-"),
		Acquisition:    strings.TrimPrefix(acquisition, "acq-"),
		RemovedVolumes: removedVolumes,
	}
}

// Label is the synthesized key used for report rows and notifications,
// e.g. "sub-01_ses-01_acq-hermes".
func (r PipelineRun) Label() string {
	label := fmt.Sprintf("sub-%s_ses-%s_acq-%s", r.Subject, r.Session, r.Acquisition)
	if r.RemovedVolumes {
		label += RemovedVolumesSuffix
	}
	return label
}

// DirName is the analysis directory name under the session derivatives dir.
func (r PipelineRun) DirName() string {
	name := "dwi-" + r.Acquisition
	if r.RemovedVolumes {
		name += RemovedVolumesSuffix
	}
	return name
}

// Format is the container format of an artifact.
type Format string

const (
	// FormatNifti is a NIfTI image (.nii or .nii.gz).
	FormatNifti Format = "nifti"
	// FormatMif is the MRtrix image container (.mif).
	FormatMif Format = "mif"
	// FormatText is a plain text side file (bval, bvec, response functions,
	// JSON sidecars).
	FormatText Format = "text"
	// FormatCSV is a delimited table.
	FormatCSV Format = "csv"
	// FormatTransform is a registration matrix or warp field.
	FormatTransform Format = "transform"
	// FormatDirectory is a directory produced as a whole.
	FormatDirectory Format = "directory"
	// FormatTractogram is a streamline file or directory of them.
	FormatTractogram Format = "tractogram"
	// FormatOther is a single file with an unrecognised extension.
	FormatOther Format = "other"
)

// FormatOf infers the format of a path from its extension. Only paths
// without an extension are directories.
func FormatOf(path string) Format {
	switch {
	case strings.HasSuffix(path, ".nii.gz"), strings.HasSuffix(path, ".nii"):
		return FormatNifti
	case strings.HasSuffix(path, ".mif"):
		return FormatMif
	case strings.HasSuffix(path, ".csv"), strings.HasSuffix(path, ".tsv"):
		return FormatCSV
	case strings.HasSuffix(path, ".mat"):
		return FormatTransform
	case strings.HasSuffix(path, ".tck"):
		return FormatTractogram
	case strings.HasSuffix(path, ".bval"), strings.HasSuffix(path, ".bvec"),
		strings.HasSuffix(path, ".bvals"), strings.HasSuffix(path, ".bvecs"),
		strings.HasSuffix(path, ".txt"), strings.HasSuffix(path, ".json"):
		return FormatText
	case filepath.Ext(filepath.Base(path)) == "":
		return FormatDirectory
	default:
		return FormatOther
	}
}

// Artifact is a named stage output on disk.
// Existence of Path is the only validity signal.
type Artifact struct {
	Name   string `json:"name" msgpack:"name"`
	Path   string `json:"path" msgpack:"path"`
	Format Format `json:"format" msgpack:"format"`
}

// NewArtifact builds an artifact, inferring the format from the path.
func NewArtifact(name, path string) Artifact {
	return Artifact{Name: name, Path: path, Format: FormatOf(path)}
}

// IsZero reports whether the artifact is unset.
func (a Artifact) IsZero() bool {
	return a.Path == ""
}

// AcquisitionContext is per-run acquisition metadata, resolved once before
// preprocessing and read-only afterwards.
type AcquisitionContext struct {
	// PhaseEncodingDirection is the BIDS direction of the main series ("j", "j-").
	PhaseEncodingDirection string `json:"phase_encoding_direction"`
	// TotalReadoutTime is in seconds.
	TotalReadoutTime float64 `json:"total_readout_time"`
	// BValues are the distinct shell b-values reported for the series.
	BValues []float64 `json:"bvalues"`
	// Multishell is true iff more than one distinct non-zero shell exists.
	Multishell bool `json:"multishell"`
	// PepolarAP and PepolarPA are b0-only reverse phase-encode references.
	PepolarAP *Artifact `json:"pepolar_ap,omitempty"`
	PepolarPA *Artifact `json:"pepolar_pa,omitempty"`
	// T1 is the structural image, nil when the session has none.
	T1 *Artifact `json:"t1,omitempty"`
}
