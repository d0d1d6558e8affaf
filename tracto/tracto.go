// Package tracto estimates fiber orientations, segments white matter
// bundles with TractSeg and samples scalar maps along them.
package tracto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pithecene-io/dwiflow/artifact"
	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
	"github.com/pithecene-io/dwiflow/types"
)

// StageName identifies the stage in results and logs.
const StageName = "tractography"

// Response function sources.
const (
	ResponseAverage = "average"
	ResponseSubject = "subject"
)

// OutputDir is the directory TractSeg creates under its output root.
const OutputDir = "tractseg_output"

// Tools names the TractSeg commands.
type Tools struct {
	TractSeg    string
	Tracking    string
	Tractometry string
}

// DefaultTools returns the stock command names.
func DefaultTools() Tools {
	return Tools{TractSeg: "TractSeg", Tracking: "Tracking", Tractometry: "Tractometry"}
}

// Options configures the stage.
type Options struct {
	// Response is ResponseAverage or ResponseSubject.
	Response string
	// ResourcesDir holds average_response_function/.
	ResourcesDir string
	Tools        Tools
}

// Input is the diffusion data in tract space.
type Input struct {
	Layout      artifact.Layout
	Acquisition string
	DWI         types.Artifact
	Mask        types.Artifact
	Multishell  bool
}

// FODOutputs holds the orientation estimates. The tissue FODs and VF are
// only set for multishell data; FOD is the white-matter FOD used for peaks.
type FODOutputs struct {
	FOD    types.Artifact
	GMFOD  types.Artifact
	CSFFOD types.Artifact
	VF     types.Artifact
	Peaks  types.Artifact
}

// SegmentationOutputs holds the TractSeg products, each a directory.
type SegmentationOutputs struct {
	Bundles       types.Artifact
	Endings       types.Artifact
	TOM           types.Artifact
	TOMTrackings  types.Artifact
	Uncertainties types.Artifact
}

// Result is the typed outcome of tractography.
type Result struct {
	types.StageResult
	FOD          FODOutputs
	Segmentation SegmentationOutputs
	// Tables maps a scalar map name to its tractometry CSV.
	Tables map[string]types.Artifact
	// MapFailures records maps whose tractometry failed.
	MapFailures []types.StageResult
}

// Stage runs tractography.
type Stage struct {
	runner *stage.Runner
	bridge *bridge.Bridge
	opts   Options
}

// New creates a tractography stage.
func New(runner *stage.Runner, opts Options) *Stage {
	if opts.Response == "" {
		opts.Response = ResponseSubject
	}
	return &Stage{runner: runner, bridge: bridge.New(runner), opts: opts}
}

// Run estimates FODs, segments bundles and runs tractometry on every map.
// A map whose tractometry fails is recorded in MapFailures without failing
// the stage.
func (s *Stage) Run(ctx context.Context, in Input, maps map[string]types.Artifact) *Result {
	start, mark := time.Now(), s.runner.Mark()
	res, err := s.run(ctx, in, maps)
	if err != nil {
		res = &Result{StageResult: types.Failed(StageName, err)}
	}
	res.StageResult = s.runner.Seal(res.StageResult, start, mark)
	return res
}

func (s *Stage) run(ctx context.Context, in Input, maps map[string]types.Artifact) (*Result, error) {
	if err := s.runner.Require("tractography", in.DWI.Path, in.Mask.Path); err != nil {
		return nil, err
	}
	fod, err := s.fod(ctx, in)
	if err != nil {
		return nil, err
	}
	seg, err := s.segment(ctx, in.Layout.Tracto(), fod.Peaks.Path)
	if err != nil {
		return nil, err
	}

	res := &Result{FOD: fod, Segmentation: seg, Tables: make(map[string]types.Artifact)}
	names := make([]string, 0, len(maps))
	for n := range maps {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		mstart, mmark := time.Now(), s.runner.Mark()
		table, err := s.tractometry(ctx, seg, name, maps[name])
		if err != nil {
			sub := types.Failed("tractometry."+name, err)
			res.MapFailures = append(res.MapFailures, s.runner.Seal(sub, mstart, mmark))
			continue
		}
		res.Tables[name] = table
	}

	arts := []types.Artifact{fod.FOD, fod.Peaks, seg.Bundles, seg.Endings, seg.TOM, seg.TOMTrackings, seg.Uncertainties}
	for _, name := range names {
		if t, ok := res.Tables[name]; ok {
			arts = append(arts, t)
		}
	}
	res.StageResult = types.Succeeded(StageName, arts...)
	return res, nil
}

// responses returns the tissue response files for the FOD fit, estimating
// them from the subject unless group averages are configured.
func (s *Stage) responses(ctx context.Context, in Input, dir string) ([]string, error) {
	if s.opts.Response == ResponseAverage {
		base := filepath.Join(s.opts.ResourcesDir, "average_response_function", in.Acquisition+"_groupe_average_response")
		files := []string{base + ".txt"}
		if in.Multishell {
			files = []string{base + "_wm.txt", base + "_gm.txt", base + "_csf.txt"}
		}
		if err := s.runner.Require("response", files...); err != nil {
			return nil, err
		}
		return files, nil
	}
	if s.opts.Response != ResponseSubject {
		return nil, fmt.Errorf("unknown response source %q", s.opts.Response)
	}

	if in.Multishell {
		wm, gm, csf := filepath.Join(dir, "wm.txt"), filepath.Join(dir, "gm.txt"), filepath.Join(dir, "csf.txt")
		voxels := filepath.Join(dir, "voxels.mif")
		spec := toolexec.Command("dwi2response", "dhollander", in.DWI.Path, wm, gm, csf, "-voxels", voxels).
			Reads(in.DWI.Path).Writes(wm, gm, csf, voxels).In(dir)
		if err := s.runner.Step(ctx, "response", spec); err != nil {
			return nil, err
		}
		return []string{wm, gm, csf}, nil
	}
	rf := filepath.Join(dir, "response.txt")
	spec := toolexec.Command("dwi2response", "tournier", in.DWI.Path, rf, "-mask", in.Mask.Path).
		Reads(in.DWI.Path, in.Mask.Path).Writes(rf).In(dir)
	if err := s.runner.Step(ctx, "response", spec); err != nil {
		return nil, err
	}
	return []string{rf}, nil
}

func (s *Stage) fod(ctx context.Context, in Input) (FODOutputs, error) {
	dir := in.Layout.FOD()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FODOutputs{}, err
	}
	p := func(name string) string { return filepath.Join(dir, name) }
	peaks := p("peaks.nii.gz")

	var out FODOutputs
	if in.Multishell {
		wmfod, gmfod, csffod := p("wmfod.mif"), p("gmfod.mif"), p("csffod.mif")
		norm := []string{p("wmfod_norm.mif"), p("gmfod_norm.mif"), p("csffod_norm.mif")}
		vf := p("vf.mif")
		out = FODOutputs{
			FOD:    types.NewArtifact("wmfod", norm[0]),
			GMFOD:  types.NewArtifact("gmfod", norm[1]),
			CSFFOD: types.NewArtifact("csffod", norm[2]),
			VF:     types.NewArtifact("vf", vf),
		}

		if !artifact.AllExist(s.runner.Store(), append(norm, vf)...) {
			rf, err := s.responses(ctx, in, dir)
			if err != nil {
				return FODOutputs{}, err
			}
			spec := toolexec.Command("dwi2fod", "msmt_csd", in.DWI.Path, "-mask", in.Mask.Path,
				rf[0], wmfod, rf[1], gmfod, rf[2], csffod,
			).Reads(append([]string{in.DWI.Path, in.Mask.Path}, rf...)...).Writes(wmfod, gmfod, csffod)
			if err := s.runner.Step(ctx, "fod", spec); err != nil {
				return FODOutputs{}, err
			}
			if err := s.volumeFractions(ctx, dir, wmfod, gmfod, csffod, vf); err != nil {
				return FODOutputs{}, err
			}
			spec = toolexec.Command("mtnormalise", wmfod, norm[0], gmfod, norm[1], csffod, norm[2], "-mask", in.Mask.Path).
				Reads(wmfod, gmfod, csffod, in.Mask.Path).Writes(norm...)
			if err := s.runner.Step(ctx, "mtnormalise", spec); err != nil {
				return FODOutputs{}, err
			}
		} else {
			s.runner.Logger().Skip("fod", norm[0])
		}
	} else {
		fod := p("FOD.mif")
		out = FODOutputs{FOD: types.NewArtifact("fod", fod)}
		if !s.runner.Exists(fod) {
			rf, err := s.responses(ctx, in, dir)
			if err != nil {
				return FODOutputs{}, err
			}
			spec := toolexec.Command("dwi2fod", "csd", in.DWI.Path, rf[0], fod, "-mask", in.Mask.Path).
				Reads(in.DWI.Path, rf[0], in.Mask.Path).Writes(fod)
			if err := s.runner.Step(ctx, "fod", spec); err != nil {
				return FODOutputs{}, err
			}
		} else {
			s.runner.Logger().Skip("fod", fod)
		}
	}

	if err := s.runner.Step(ctx, "peaks",
		toolexec.Command("sh2peaks", out.FOD.Path, peaks).Reads(out.FOD.Path).Writes(peaks)); err != nil {
		return FODOutputs{}, err
	}
	out.Peaks = types.NewArtifact("peaks", peaks)
	return out, nil
}

// volumeFractions stacks the CSF, GM and first WM coefficient into vf.mif.
func (s *Stage) volumeFractions(ctx context.Context, dir, wmfod, gmfod, csffod, vf string) error {
	if s.runner.Exists(vf) {
		s.runner.Logger().Skip("vf", vf)
		return nil
	}
	interm := filepath.Join(dir, "interm_wm.mif")
	defer iox.DiscardErr(func() error { return os.Remove(interm) })

	if err := s.runner.Run(ctx, "vf_wm",
		toolexec.Command("mrconvert", "-coord", "3", "0", wmfod, interm).Reads(wmfod).Writes(interm)); err != nil {
		return err
	}
	return s.runner.Run(ctx, "vf",
		toolexec.Command("mrcat", csffod, gmfod, interm, vf).Reads(csffod, gmfod, interm).Writes(vf))
}

// segment runs the TractSeg products, each gated on its own directory. The
// peaks image is copied next to the outputs for the duration of the run.
func (s *Stage) segment(ctx context.Context, dir, peaks string) (SegmentationOutputs, error) {
	out := filepath.Join(dir, OutputDir)
	seg := SegmentationOutputs{
		Bundles:       types.NewArtifact("bundle_segmentations", filepath.Join(out, "bundle_segmentations")),
		Endings:       types.NewArtifact("endings_segmentations", filepath.Join(out, "endings_segmentations")),
		TOM:           types.NewArtifact("TOM", filepath.Join(out, "TOM")),
		TOMTrackings:  types.NewArtifact("TOM_trackings", filepath.Join(out, "TOM_trackings")),
		Uncertainties: types.NewArtifact("bundle_uncertainties", filepath.Join(out, "bundle_uncertainties")),
	}
	all := []string{seg.Bundles.Path, seg.Endings.Path, seg.TOM.Path, seg.TOMTrackings.Path, seg.Uncertainties.Path}
	if artifact.AllExist(s.runner.Store(), all...) {
		s.runner.Logger().Skip("tractseg", out)
		return seg, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SegmentationOutputs{}, err
	}
	local := filepath.Join(dir, "peaks.nii.gz")
	if err := s.runner.Do("copy_peaks", []string{local}, func() error {
		return iox.CopyFile(peaks, local)
	}); err != nil {
		return SegmentationOutputs{}, err
	}
	defer iox.DiscardErr(func() error { return os.Remove(local) })

	t := s.opts.Tools
	steps := []struct {
		step string
		spec toolexec.CommandSpec
	}{
		{"tract_segmentation", toolexec.Command(t.TractSeg, "-i", local, "-o", dir, "--output_type", "tract_segmentation").
			Reads(local).Writes(seg.Bundles.Path)},
		{"endings_segmentation", toolexec.Command(t.TractSeg, "-i", local, "-o", dir, "--output_type", "endings_segmentation").
			Reads(local).Writes(seg.Endings.Path)},
		{"tom", toolexec.Command(t.TractSeg, "-i", local, "-o", dir, "--output_type", "TOM").
			Reads(local).Writes(seg.TOM.Path)},
		{"tracking", toolexec.Command(t.Tracking, "-i", local, "-o", dir, "--tracking_format", "tck").
			Reads(local, seg.Bundles.Path, seg.Endings.Path, seg.TOM.Path).Writes(seg.TOMTrackings.Path)},
		{"uncertainty", toolexec.Command(t.TractSeg, "-i", local, "-o", dir, "--uncertainty").
			Reads(local).Writes(seg.Uncertainties.Path)},
	}
	for _, st := range steps {
		if err := s.runner.Step(ctx, st.step, st.spec.In(dir)); err != nil {
			return SegmentationOutputs{}, err
		}
	}
	return seg, nil
}

// tractometry samples m along the tracked bundles into tractometry_<name>.csv.
func (s *Stage) tractometry(ctx context.Context, seg SegmentationOutputs, name string, m types.Artifact) (types.Artifact, error) {
	if err := s.runner.Require("tractometry", m.Path); err != nil {
		return types.Artifact{}, err
	}
	out := filepath.Dir(seg.Bundles.Path)
	src, err := s.bridge.Ensure(ctx, m, filepath.Dir(m.Path))
	if err != nil {
		return types.Artifact{}, err
	}
	csv := filepath.Join(out, "tractometry_"+name+".csv")
	spec := toolexec.Command(s.opts.Tools.Tractometry,
		"-i", seg.TOMTrackings.Path, "-o", csv, "-e", seg.Endings.Path, "-s", src.Path,
	).Reads(seg.TOMTrackings.Path, seg.Endings.Path, src.Path).Writes(csv)
	if err := s.runner.Step(ctx, "tractometry_"+name, spec); err != nil {
		return types.Artifact{}, err
	}
	return types.NewArtifact("tractometry_"+name, csv), nil
}
