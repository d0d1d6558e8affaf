package cmd

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dwiflow/cli/reader"
	"github.com/pithecene-io/dwiflow/cli/render"
	"github.com/pithecene-io/dwiflow/cli/tui"
	"github.com/pithecene-io/dwiflow/lode"
)

// StatsCommand returns the stats command. It reads the metrics record a
// run stored in the summary dataset; the latest run when no id is given.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Show the stored metrics of a run",
		ArgsUsage: "[run-id]",
		Flags:     append(ReadOnlyFlags(), storageFlags()...),
		Action:    statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	storage, err := parseStorage(c, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	ds, err := openDataset(c.Context, storage)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	view, err := reader.Metrics(c.Context, ds, c.Args().First())
	if errors.Is(err, lode.ErrNoMetricsFound) {
		return cli.Exit("no metrics recorded for this run", 1)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatsMetrics, view)
	}
	return r.Render(view)
}
