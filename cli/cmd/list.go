package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dwiflow/cli/reader"
	"github.com/pithecene-io/dwiflow/cli/render"
)

// listWarningThreshold is the number of items above which we suggest --limit.
const listWarningThreshold = 100

// ListCommand returns the list command. Without storage flags it scans the
// journals under --bids; with them it reads stored combination summaries.
func ListCommand() *cli.Command {
	flags := append(ReadOnlyFlags(),
		&cli.StringFlag{Name: "bids", Usage: "BIDS dataset root to scan for journals"},
		&cli.StringFlag{Name: "subject", Usage: "Restrict stored summaries to one subject"},
		&cli.StringFlag{Name: "status", Usage: "Filter by status: success, failure, no_data, incomplete"},
		&cli.IntFlag{Name: "limit", Usage: "Maximum number of rows (0 = no limit)"},
	)
	return &cli.Command{
		Name:   "list",
		Usage:  "List analyses and their latest outcome",
		Flags:  append(flags, storageFlags()...),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for list", 1)
	}

	var items []reader.AnalysisItem
	storage, err := parseStorage(c, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	switch {
	case storage.enabled():
		ds, err := openDataset(c.Context, storage)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		items, err = reader.Combinations(c.Context, ds, c.String("subject"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	case c.String("bids") != "":
		items, err = reader.List(c.String("bids"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	default:
		return cli.Exit("--bids or --storage-path is required", 1)
	}

	items = filterItems(items, c.String("status"), c.Int("limit"))
	if len(items) > listWarningThreshold && c.Int("limit") == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(items))
	}
	return r.Render(items)
}

func filterItems(items []reader.AnalysisItem, status string, limit int) []reader.AnalysisItem {
	out := make([]reader.AnalysisItem, 0, len(items))
	for _, it := range items {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
