package artifact

import (
	"os"
	"path/filepath"

	"github.com/pithecene-io/dwiflow/types"
)

// Directory names of the derivatives tree. These names are the resumability
// contract with partially completed runs and must not change.
const (
	DerivativesDir   = "derivatives"
	PreprocessingDir = "preprocessing"
	TensorDir        = "FA"
	DipyDTIDir       = "DTI_dipy"
	AmicoDir         = "AMICO"
	KurtosisDir      = "DKI"
	TractsegDir      = "analysis_tractseg"
	ResultsMNIDir    = "Results_MNI"
	FODDir           = "FOD"
	TractoDir        = "Tracto"
	JHUDir           = "analysis_jhu"
	KernelsDir       = "kernels"
	JournalFile      = "dwiflow.journal"
)

// Layout resolves every directory of one analysis.
type Layout struct {
	BIDSRoot string
	Run      types.PipelineRun
}

// NewLayout creates a layout for run under bidsRoot.
func NewLayout(bidsRoot string, run types.PipelineRun) Layout {
	return Layout{BIDSRoot: bidsRoot, Run: run}
}

// Derivatives is <bids>/derivatives.
func (l Layout) Derivatives() string {
	return filepath.Join(l.BIDSRoot, DerivativesDir)
}

// SessionDir is <bids>/derivatives/sub-S/ses-T.
func (l Layout) SessionDir() string {
	return filepath.Join(l.Derivatives(), "sub-"+l.Run.Subject, "ses-"+l.Run.Session)
}

// AnalysisDir is the per-combination root.
func (l Layout) AnalysisDir() string {
	return filepath.Join(l.SessionDir(), l.Run.DirName())
}

// Preprocessing is the preprocessing output dir.
func (l Layout) Preprocessing() string { return filepath.Join(l.AnalysisDir(), PreprocessingDir) }

// Tensor is the MRtrix tensor-map dir.
func (l Layout) Tensor() string { return filepath.Join(l.AnalysisDir(), TensorDir) }

// DipyDTI is the dipy tensor-map dir.
func (l Layout) DipyDTI() string { return filepath.Join(l.AnalysisDir(), DipyDTIDir) }

// Amico is the NODDI dir; its existence memoizes the whole NODDI sub-pipeline.
func (l Layout) Amico() string { return filepath.Join(l.AnalysisDir(), AmicoDir) }

// Kurtosis is the DKI dir.
func (l Layout) Kurtosis() string { return filepath.Join(l.AnalysisDir(), KurtosisDir) }

// Kernels is the NODDI kernel scratch dir, removed after fitting.
func (l Layout) Kernels() string { return filepath.Join(l.AnalysisDir(), KernelsDir) }

// Tractseg is the tractography analysis root.
func (l Layout) Tractseg() string { return filepath.Join(l.AnalysisDir(), TractsegDir) }

// ResultsMNI holds template-space data.
func (l Layout) ResultsMNI() string { return filepath.Join(l.Tractseg(), ResultsMNIDir) }

// FOD holds response functions, FODs and peaks.
func (l Layout) FOD() string { return filepath.Join(l.Tractseg(), FODDir) }

// Tracto holds TractSeg output and tractometry tables.
func (l Layout) Tracto() string { return filepath.Join(l.Tractseg(), TractoDir) }

// JHU holds the T1-anchored registration chain.
func (l Layout) JHU() string { return filepath.Join(l.AnalysisDir(), JHUDir) }

// Journal is the stage-result ledger of this analysis.
func (l Layout) Journal() string { return filepath.Join(l.AnalysisDir(), JournalFile) }

// Ensure creates the analysis dir and its fixed sub-directories.
// AMICO is not created here; its existence means NODDI already ran.
func (l Layout) Ensure() error {
	for _, dir := range []string{
		l.Preprocessing(),
		l.Tensor(),
		l.DipyDTI(),
		l.Kurtosis(),
		l.ResultsMNI(),
		l.FOD(),
		l.Tracto(),
		l.JHU(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
