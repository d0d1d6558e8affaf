package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// StageName identifies the acquisition stage in results and logs.
const StageName = "acquisition"

// Protocol selects how diffusion series of an acquisition are discovered.
type Protocol string

const (
	// SingleFile protocols acquire the whole series in one file.
	SingleFile Protocol = "single"
	// DualFile protocols may split the series into partials tagged <acq>1
	// and <acq>2.
	DualFile Protocol = "dual"
)

// DefaultProtocols maps known acquisition tags to their protocol.
func DefaultProtocols() map[string]Protocol {
	return map[string]Protocol{
		"abcd":   DualFile,
		"hermes": SingleFile,
	}
}

// Pepolar directions, in the order they are resolved.
var pepolarDirs = []string{"AP", "PA"}

// Result is the outcome of preparing one pipeline run.
type Result struct {
	types.StageResult
	// DWI is the canonical diffusion series in the MRtrix container, after
	// optional volume removal.
	DWI     types.Artifact
	Sidecar string
	Context types.AcquisitionContext
}

// Router prepares acquisitions according to their protocol.
type Router struct {
	runner    *stage.Runner
	bridge    *bridge.Bridge
	bids      *BIDSLayout
	protocols map[string]Protocol
}

// NewRouter creates a router. A nil protocols map uses DefaultProtocols.
func NewRouter(runner *stage.Runner, bids *BIDSLayout, protocols map[string]Protocol) *Router {
	if protocols == nil {
		protocols = DefaultProtocols()
	}
	return &Router{
		runner:    runner,
		bridge:    bridge.New(runner),
		bids:      bids,
		protocols: protocols,
	}
}

// ProtocolOf returns the protocol registered for acq.
func (r *Router) ProtocolOf(acq string) (Protocol, error) {
	p, ok := r.protocols[acq]
	if !ok {
		return "", fmt.Errorf("unknown acquisition protocol %q", acq)
	}
	return p, nil
}

// Prepare discovers and converts the inputs of run into the preprocessing
// directory of layout, removes excluded volumes when requested and resolves
// the acquisition context.
func (r *Router) Prepare(ctx context.Context, run types.PipelineRun, layout artifact.Layout, exclude []int) *Result {
	start := time.Now()
	mark := r.runner.Mark()
	res, err := r.prepare(ctx, run, layout, exclude)
	if err != nil {
		res = &Result{StageResult: types.Failed(StageName, err)}
	}
	res.StageResult = r.runner.Seal(res.StageResult, start, mark)
	return res
}

func (r *Router) prepare(ctx context.Context, run types.PipelineRun, layout artifact.Layout, exclude []int) (*Result, error) {
	protocol, err := r.ProtocolOf(run.Acquisition)
	if err != nil {
		return nil, err
	}
	if !r.bids.HasSession(run.Subject, run.Session) {
		return nil, types.NewStageError(types.ErrNoDataForCombination, "discover",
			r.bids.sessionDir(run.Subject, run.Session), errors.New("session not found"))
	}

	prep := layout.Preprocessing()
	if err := os.MkdirAll(prep, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", prep, err)
	}

	var dwi types.Artifact
	var sidecar string
	switch protocol {
	case DualFile:
		dwi, sidecar, err = r.dualFile(ctx, run, prep)
	default:
		dwi, sidecar, err = r.singleFile(ctx, run, prep)
	}
	if err != nil {
		return nil, err
	}

	if run.RemovedVolumes {
		stem, _ := bridge.SplitExt(dwi.Path)
		out := stem + "_removed_vol.mif"
		if err := RemoveVolumes(ctx, r.runner, dwi.Path, out, exclude); err != nil {
			return nil, err
		}
		dwi = types.NewArtifact("dwi", out)
	}

	md, err := ReadSidecar(sidecar)
	if err != nil {
		return nil, err
	}
	bvalues, err := CachedShells(ctx, r.runner, dwi.Path)
	if err != nil {
		return nil, err
	}

	acq := types.AcquisitionContext{
		PhaseEncodingDirection: md.PhaseEncodingDirection,
		TotalReadoutTime:       md.TotalReadoutTime,
		BValues:                bvalues,
		Multishell:             ClassifyShells(bvalues),
	}

	artifacts := []types.Artifact{dwi}
	for _, dir := range pepolarDirs {
		ref, ok, err := r.pepolar(ctx, run, prep, dir)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ref.Name = "pepolar_" + strings.ToLower(dir)
		artifacts = append(artifacts, ref)
		if dir == "AP" {
			acq.PepolarAP = &ref
		} else {
			acq.PepolarPA = &ref
		}
	}

	if t1, ok := r.bids.T1(run.Subject, run.Session); ok {
		a := types.NewArtifact("t1", t1)
		acq.T1 = &a
		artifacts = append(artifacts, a)
	} else {
		r.runner.Logger().Info("proceeding without T1w data", nil)
	}

	return &Result{
		StageResult: types.Succeeded(StageName, artifacts...),
		DWI:         dwi,
		Sidecar:     sidecar,
		Context:     acq,
	}, nil
}

func (r *Router) singleFile(ctx context.Context, run types.PipelineRun, prep string) (types.Artifact, string, error) {
	series, ok := r.bids.DWI(run.Subject, run.Session, run.Acquisition)
	if !ok {
		return types.Artifact{}, "", noData(run, run.Acquisition)
	}
	dwi, err := r.bridge.ToNative(ctx, series.Image, prep, true)
	if err != nil {
		return types.Artifact{}, "", err
	}
	dwi.Name = "dwi"
	return dwi, series.Sidecar, nil
}

// dualFile resolves the canonical series, or merges the numbered partials
// <acq>1 and <acq>2 into it.
func (r *Router) dualFile(ctx context.Context, run types.PipelineRun, prep string) (types.Artifact, string, error) {
	if _, ok := r.bids.DWI(run.Subject, run.Session, run.Acquisition); ok {
		return r.singleFile(ctx, run, prep)
	}

	canonical := filepath.Join(prep, fmt.Sprintf("sub-%s_ses-%s_acq-%s_dwi.mif", run.Subject, run.Session, run.Acquisition))
	sidecar := strings.TrimSuffix(canonical, ".mif") + ".json"
	if r.runner.Exists(canonical) && r.runner.Exists(sidecar) {
		r.runner.Logger().Skip("merge_partials", canonical)
		return types.NewArtifact("dwi", canonical), sidecar, nil
	}

	var parts []types.Artifact
	var sidecars []string
	for _, n := range []string{"1", "2"} {
		series, ok := r.bids.DWI(run.Subject, run.Session, run.Acquisition+n)
		if !ok {
			continue
		}
		a, err := r.bridge.ToNative(ctx, series.Image, prep, true)
		if err != nil {
			return types.Artifact{}, "", err
		}
		parts = append(parts, a)
		sidecars = append(sidecars, series.Sidecar)
	}

	switch len(parts) {
	case 0:
		return types.Artifact{}, "", noData(run, run.Acquisition+"{1,2}")
	case 1:
		err := r.runner.Do("copy_partial", []string{canonical}, func() error {
			return iox.CopyFile(parts[0].Path, canonical)
		})
		if err != nil {
			return types.Artifact{}, "", err
		}
	default:
		spec := toolexec.Command("dwicat", parts[0].Path, parts[1].Path, canonical).
			Reads(parts[0].Path, parts[1].Path).Writes(canonical)
		if err := r.runner.Step(ctx, "merge_partials", spec); err != nil {
			return types.Artifact{}, "", err
		}
	}

	// The merged series carries the metadata of its first partial.
	err := r.runner.Do("copy_sidecar", []string{sidecar}, func() error {
		return iox.CopyFile(sidecars[0], sidecar)
	})
	if err != nil {
		return types.Artifact{}, "", err
	}
	return types.NewArtifact("dwi", canonical), sidecar, nil
}

// pepolar converts a reverse phase-encode reference and reduces it to its b0
// volumes as <stem>_bzero.mif. References acquired with diffusion weighting
// are filtered with dwiextract; b0-only references are renamed.
func (r *Router) pepolar(ctx context.Context, run types.PipelineRun, prep, dir string) (types.Artifact, bool, error) {
	series, ok := r.bids.Pepolar(run.Subject, run.Session, run.Acquisition, dir)
	if !ok {
		return types.Artifact{}, false, nil
	}
	stem, _ := bridge.SplitExt(filepath.Base(series.Image))
	bzero := filepath.Join(prep, stem+"_bzero.mif")
	if r.runner.Exists(bzero) {
		r.runner.Logger().Skip("pepolar_"+dir, bzero)
		return types.NewArtifact("pepolar", bzero), true, nil
	}

	withGrad := series.HasGradients()
	ref, err := r.bridge.ToNative(ctx, series.Image, prep, withGrad)
	if err != nil {
		return types.Artifact{}, false, err
	}

	weighted := false
	if withGrad {
		bvalues, err := QueryShells(ctx, r.runner, ref.Path)
		if err != nil {
			return types.Artifact{}, false, err
		}
		weighted = len(NonZeroShells(bvalues)) > 0
	}

	if weighted {
		spec := toolexec.Command("dwiextract", ref.Path, bzero, "-bzero").Reads(ref.Path).Writes(bzero)
		if err := r.runner.Step(ctx, "pepolar_bzero", spec); err != nil {
			return types.Artifact{}, false, err
		}
	} else {
		err := r.runner.Do("pepolar_rename", []string{bzero}, func() error {
			return os.Rename(ref.Path, bzero)
		})
		if err != nil {
			return types.Artifact{}, false, err
		}
	}
	return types.NewArtifact("pepolar", bzero), true, nil
}

func noData(run types.PipelineRun, acq string) error {
	return types.NewStageError(types.ErrNoDataForCombination, "discover",
		fmt.Sprintf("sub-%s/ses-%s/acq-%s", run.Subject, run.Session, acq),
		errors.New("no diffusion series"))
}
