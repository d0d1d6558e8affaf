package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dwiflow/cli/reader"
	"github.com/pithecene-io/dwiflow/cli/render"
	"github.com/pithecene-io/dwiflow/cli/tui"
	"github.com/pithecene-io/dwiflow/types"
)

// InspectCommand returns the inspect command. It reads the journal of one
// analysis directory, named either by path or by combination flags.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the stage history of one analysis",
		ArgsUsage: "[analysis-dir]",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{Name: "bids", Usage: "BIDS dataset root"},
			&cli.StringFlag{Name: "subject", Usage: "Subject identifier"},
			&cli.StringFlag{Name: "session", Usage: "Session identifier"},
			&cli.StringFlag{Name: "acquisition", Usage: "Acquisition tag"},
			&cli.BoolFlag{Name: "removed-volumes", Usage: "Inspect the removed-volumes analysis"},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	var view *reader.AnalysisView
	if c.NArg() > 0 {
		view, err = reader.InspectDir(c.Args().First())
	} else {
		if c.String("bids") == "" || c.String("subject") == "" || c.String("session") == "" || c.String("acquisition") == "" {
			return cli.Exit("an analysis directory or --bids, --subject, --session and --acquisition are required", 1)
		}
		run := types.NewPipelineRun(c.String("subject"), c.String("session"), c.String("acquisition"), c.Bool("removed-volumes"))
		view, err = reader.Inspect(c.String("bids"), run)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectAnalysis, view)
	}
	return r.Render(view)
}
