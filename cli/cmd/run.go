package cmd

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/dwiflow/acquisition"
	"github.com/pithecene-io/dwiflow/adapter"
	"github.com/pithecene-io/dwiflow/cli/config"
	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/model"
	"github.com/pithecene-io/dwiflow/pipeline"
	"github.com/pithecene-io/dwiflow/policy"
	"github.com/pithecene-io/dwiflow/registration"
	"github.com/pithecene-io/dwiflow/tracto"
)

// RunCommand returns the run command, the only command that executes tools
// or writes derivatives.
func RunCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file (flags override its values)",
		},
		&cli.StringFlag{
			Name:  "bids",
			Usage: "BIDS dataset root",
		},
		&cli.StringSliceFlag{
			Name:  "subject",
			Usage: "Subject identifier, repeatable (\"all\" enumerates the dataset)",
			Value: cli.NewStringSlice(pipeline.All),
		},
		&cli.StringSliceFlag{
			Name:  "session",
			Usage: "Session identifier, repeatable (\"all\" enumerates the dataset)",
			Value: cli.NewStringSlice(pipeline.All),
		},
		&cli.StringSliceFlag{
			Name:  "acquisition",
			Usage: "Acquisition tag, repeatable (e.g. hermes, abcd)",
		},
		&cli.StringFlag{
			Name:  "remove-volumes",
			Usage: "File of volume indices to drop before preprocessing",
		},
		&cli.StringSliceFlag{
			Name:  "registration",
			Usage: "Registration strategy, repeatable; the first defines tract space (fa-linear, t1-nonlinear)",
			Value: cli.NewStringSlice(registration.FALinear),
		},
		&cli.StringFlag{
			Name:  "response",
			Usage: "Fiber response function: average or subject",
			Value: tracto.ResponseSubject,
		},
		&cli.StringSliceFlag{
			Name:  "maps",
			Usage: "Scalar maps sampled along bundles, repeatable",
			Value: cli.NewStringSlice(pipeline.DefaultMaps...),
		},
		&cli.StringFlag{
			Name:  "resources",
			Usage: "Directory holding average_response_function/",
		},
		&cli.StringFlag{
			Name:  "fsl-dir",
			Usage: "FSL installation holding the standard templates (default $FSLDIR)",
		},
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Failure policy: isolate or halt",
			Value: policy.NameIsolate,
		},
		&cli.StringFlag{
			Name:  "run-id",
			Usage: "Run identifier (random UUID when empty)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "report",
			Usage: "Write a JSON run report to this path (\"-\" for stderr)",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Suppress the result summary",
		},
	}
	flags = append(flags, storageFlags()...)
	flags = append(flags, adapterFlags()...)
	return &cli.Command{
		Name:   "run",
		Usage:  "Process every selected subject/session/acquisition combination",
		Flags:  flags,
		Action: runAction,
	}
}

// runChoice is everything runAction resolves before building the pipeline.
type runChoice struct {
	runID    string
	policy   string
	logLevel zapcore.Level
	report   string
	cfg      pipeline.Config
	storage  storageChoice
	adapter  *adapterChoice
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), pipeline.ExitConfig)
	}
	choice, err := resolveRun(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), pipeline.ExitConfig)
	}

	logger := log.NewLoggerWithLevel(choice.runID, os.Stderr, choice.logLevel)
	defer func() { _ = logger.Sync() }()

	pol, err := policy.New(choice.policy)
	if err != nil {
		return cli.Exit(err.Error(), pipeline.ExitConfig)
	}
	backend := choice.storage.backend
	if backend == "" {
		backend = "none"
	}
	primary := registration.FALinear
	if len(choice.cfg.Registration) > 0 {
		primary = choice.cfg.Registration[0]
	}
	collector := metrics.NewCollector(choice.policy, primary, backend, choice.runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, stopping after the current step", nil)
		cancel()
	}()

	sink, err := buildSink(ctx, choice.storage)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open summary storage: %v", err), pipeline.ExitConfig)
	}
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}

	var pub adapter.Adapter
	if choice.adapter != nil {
		pub, err = buildAdapter(*choice.adapter)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), pipeline.ExitConfig)
		}
		defer func() { _ = pub.Close() }()
	}

	orch, err := pipeline.New(choice.cfg, pipeline.Deps{
		RunID:     choice.runID,
		Logger:    logger,
		Collector: collector,
		Policy:    pol,
		Sink:      sink,
		Adapter:   pub,
	})
	if err != nil {
		return cli.Exit(err.Error(), pipeline.ExitConfig)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("run failed: %v", err), pipeline.ExitConfig)
	}

	if choice.report != "" {
		if err := pipeline.WriteRunReport(pipeline.BuildRunReport(result), choice.report); err != nil {
			logger.Error("report write failed", map[string]any{"error": err.Error()})
		}
	}
	if !c.Bool("quiet") {
		printRunResult(result)
	}
	return cli.Exit("", result.ExitCode())
}

func resolveRun(c *cli.Context, cfg *config.Config) (*runChoice, error) {
	choice := &runChoice{
		runID:  c.String("run-id"),
		policy: resolveString(c, "policy", configVal(cfg, func(c *config.Config) string { return c.Policy })),
		report: c.String("report"),
	}
	if choice.runID == "" {
		choice.runID = uuid.NewString()
	}
	if choice.policy != policy.NameIsolate && choice.policy != policy.NameHalt {
		return nil, fmt.Errorf("invalid --policy %q (must be isolate or halt)", choice.policy)
	}
	level, err := zapcore.ParseLevel(resolveString(c, "log-level", configVal(cfg, func(c *config.Config) string { return c.LogLevel })))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	choice.logLevel = level

	pc, err := resolvePipelineConfig(c, cfg)
	if err != nil {
		return nil, err
	}
	choice.cfg = pc

	if choice.storage, err = parseStorage(c, cfg); err != nil {
		return nil, err
	}

	adapterType := resolveString(c, "adapter", configVal(cfg, func(c *config.Config) string { return c.Adapter.Type }))
	if adapterType != "" {
		ac, err := parseAdapterConfigWithPrecedence(c, cfg, adapterType)
		if err != nil {
			return nil, err
		}
		choice.adapter = &ac
	}
	return choice, nil
}

func resolvePipelineConfig(c *cli.Context, cfg *config.Config) (pipeline.Config, error) {
	pc := pipeline.Config{
		BIDSRoot:     resolveString(c, "bids", configVal(cfg, func(c *config.Config) string { return c.BIDS })),
		Subjects:     resolveSlice(c, "subject", configVal(cfg, func(c *config.Config) []string { return c.Subjects })),
		Sessions:     resolveSlice(c, "session", configVal(cfg, func(c *config.Config) []string { return c.Sessions })),
		Acquisitions: resolveSlice(c, "acquisition", configVal(cfg, func(c *config.Config) []string { return c.Acquisitions })),
		Registration: resolveSlice(c, "registration", configVal(cfg, func(c *config.Config) []string { return c.Registration.Strategies })),
		Maps:         resolveSlice(c, "maps", configVal(cfg, func(c *config.Config) []string { return c.Tractography.Maps })),
	}
	if pc.BIDSRoot == "" {
		return pc, fmt.Errorf("--bids is required")
	}
	if len(pc.Acquisitions) == 0 {
		return pc, fmt.Errorf("--acquisition is required")
	}

	if path := resolveString(c, "remove-volumes", configVal(cfg, func(c *config.Config) string { return c.RemoveVolumes })); path != "" {
		idx, err := acquisition.ReadVolumeIndices(path)
		if err != nil {
			return pc, err
		}
		if idx == nil {
			idx = []int{}
		}
		pc.RemoveVolumes = idx
	}

	protocols, err := resolveProtocols(configVal(cfg, func(c *config.Config) map[string]string { return c.Protocols }))
	if err != nil {
		return pc, err
	}
	pc.Protocols = protocols

	response := resolveString(c, "response", configVal(cfg, func(c *config.Config) string { return c.Tractography.Response }))
	if response != tracto.ResponseAverage && response != tracto.ResponseSubject {
		return pc, fmt.Errorf("invalid --response %q (must be %s or %s)", response, tracto.ResponseAverage, tracto.ResponseSubject)
	}
	pc.Tracto = tracto.Options{
		Response:     response,
		ResourcesDir: resolveString(c, "resources", configVal(cfg, func(c *config.Config) string { return c.Resources })),
	}
	if response == tracto.ResponseAverage && pc.Tracto.ResourcesDir == "" {
		return pc, fmt.Errorf("--resources is required with --response=%s", tracto.ResponseAverage)
	}

	pc.Templates = resolveTemplates(c, cfg)
	applyTools(&pc, configVal(cfg, func(c *config.Config) config.ToolsConfig { return c.Tools }))
	return pc, nil
}

// resolveProtocols overlays configured protocols on the defaults.
func resolveProtocols(overrides map[string]string) (map[string]acquisition.Protocol, error) {
	protocols := acquisition.DefaultProtocols()
	for acq, p := range overrides {
		switch proto := acquisition.Protocol(p); proto {
		case acquisition.SingleFile, acquisition.DualFile:
			protocols[acq] = proto
		default:
			return nil, fmt.Errorf("protocols.%s: invalid protocol %q (must be %s or %s)", acq, p, acquisition.SingleFile, acquisition.DualFile)
		}
	}
	return protocols, nil
}

func resolveTemplates(c *cli.Context, cfg *config.Config) registration.Templates {
	fslDir := resolveString(c, "fsl-dir", configVal(cfg, func(c *config.Config) string { return c.Registration.FSLDir }))
	if fslDir == "" {
		fslDir = os.Getenv("FSLDIR")
	}
	t := registration.FSLTemplates(fslDir)
	if cfg == nil {
		return t
	}
	if cfg.Registration.FATemplate != "" {
		t.FA = cfg.Registration.FATemplate
	}
	if cfg.Registration.FATemplateURL != "" {
		t.FAURL = cfg.Registration.FATemplateURL
		if cfg.Registration.FATemplate == "" {
			t.FA = ""
		}
	}
	if cfg.Registration.T1Template != "" {
		t.T1Brain = cfg.Registration.T1Template
	}
	return t
}

// applyTools overlays configured tool commands on the stock names.
func applyTools(pc *pipeline.Config, tc config.ToolsConfig) {
	m, r, t := model.DefaultTools(), registration.DefaultTools(), tracto.DefaultTools()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&m.DipyDTI, tc.DipyDTI)
	set(&m.DipyDKI, tc.DipyDKI)
	set(&m.NODDI, tc.NODDI)
	set(&r.RotateBvecs, tc.RotateBvecs)
	set(&t.TractSeg, tc.TractSeg)
	set(&t.Tracking, tc.Tracking)
	set(&t.Tractometry, tc.Tractometry)
	pc.ModelTools, pc.RegistrationTools, pc.Tracto.Tools = m, r, t
}

func printRunResult(result *pipeline.RunResult) {
	fmt.Printf("\nrun_id=%s, policy=%s, exit_code=%d, duration=%s\n",
		result.RunID, result.Policy, result.ExitCode(), result.Duration.Round(time.Millisecond))
	if result.Halted {
		fmt.Printf("halted after %s\n", result.PolicyStats.HaltedAfter)
	}
	if result.Canceled {
		fmt.Println("canceled before all combinations ran")
	}

	fmt.Printf("\n=== Combinations ===\n")
	for _, c := range result.Combinations {
		line := fmt.Sprintf("%-48s %-8s", c.Label, c.Status)
		if c.FailedStage != "" {
			line += " at " + c.FailedStage
		}
		if c.Reused() {
			line += " (reused)"
		}
		fmt.Println(strings.TrimRight(line, " "))
	}

	s := result.PolicyStats
	fmt.Printf("\n=== Policy Stats ===\n")
	fmt.Printf("Succeeded:    %d\n", s.Succeeded)
	fmt.Printf("Failed:       %d\n", s.Failed)
	fmt.Printf("No data:      %d\n", s.NoData)
	for _, stage := range slices.Sorted(maps.Keys(s.FailedByStage)) {
		fmt.Printf("  %-24s %d\n", stage, s.FailedByStage[stage])
	}

	m := result.Metrics
	fmt.Printf("\n=== Tools ===\n")
	fmt.Printf("Invocations:  %d\n", m.ToolInvocations)
	fmt.Printf("Failures:     %d\n", m.ToolFailures)
	fmt.Printf("Stages reused: %d\n", m.StagesReused)
}
