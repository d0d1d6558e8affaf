package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dwiflow/cli/render"
	"github.com/pithecene-io/dwiflow/types"
)

// VersionCommand returns the version command. The journal version is the
// on-disk format of analysis journals.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version", 1)
		}
		return r.Render(map[string]string{
			"version":         types.Version,
			"journal_version": types.JournalVersion,
			"commit":          commit,
		})
	}
}
