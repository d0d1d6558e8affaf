// Package render writes the views of read-only dwiflow commands as json,
// yaml or an aligned table.
//
// Without --format, a terminal gets a table and anything else gets json.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/dwiflow/cli/reader"
	"github.com/pithecene-io/dwiflow/cli/tui"
)

// Format is an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses s. The empty string is returned unchanged so the
// caller can pick a default.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer writes views in one format.
type Renderer struct {
	format Format
	out    io.Writer
}

// NewRenderer builds a renderer from the --format flag.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if isTTY(os.Stdout) {
			format = FormatTable
		}
	}
	return &Renderer{format: format, out: os.Stdout}, nil
}

// NewRendererWithWriter creates a renderer writing to out.
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Render writes data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI opens the interactive view of data.
func (r *Renderer) RenderTUI(view string, data any) error {
	if !tui.IsTUISupported(view) {
		return fmt.Errorf("--tui is not supported for %s", view)
	}
	return tui.Run(view, data)
}

func (r *Renderer) renderTable(data any) error {
	headers, rows, ok := tableOf(data)
	if !ok {
		return fmt.Errorf("no table layout for %T", data)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func tableOf(data any) ([]string, [][]string, bool) {
	switch v := data.(type) {
	case []reader.AnalysisItem:
		rows := make([][]string, 0, len(v))
		for _, it := range v {
			rows = append(rows, []string{it.Label, it.Status, it.FailedStage, it.RunID, formatTime(it)})
		}
		return []string{"LABEL", "STATUS", "FAILED_STAGE", "RUN_ID", "UPDATED"}, rows, true
	case *reader.AnalysisView:
		rows := make([][]string, 0, len(v.Stages))
		for _, s := range v.Stages {
			rows = append(rows, []string{s.Stage, s.Status, strconv.FormatBool(s.Reused),
				strconv.FormatInt(s.DurationMs, 10), s.ErrorKind, s.RunID})
		}
		return []string{"STAGE", "STATUS", "REUSED", "DURATION_MS", "ERROR_KIND", "RUN_ID"}, rows, true
	case *reader.MetricsView:
		rows := [][]string{
			{"run_id", v.RunID},
			{"ts", v.Ts},
			{"policy", v.Policy},
			{"registration", v.Registration},
			{"combinations_started", strconv.FormatInt(v.CombinationsStarted, 10)},
			{"combinations_completed", strconv.FormatInt(v.CombinationsCompleted, 10)},
			{"combinations_failed", strconv.FormatInt(v.CombinationsFailed, 10)},
			{"combinations_skipped", strconv.FormatInt(v.CombinationsSkipped, 10)},
			{"stages_reused", strconv.FormatInt(v.StagesReused, 10)},
			{"tool_invocations", strconv.FormatInt(v.ToolInvocations, 10)},
			{"tool_failures", strconv.FormatInt(v.ToolFailures, 10)},
		}
		for _, name := range v.StageNames() {
			rows = append(rows, []string{"failed." + name, strconv.FormatInt(v.FailedByStage[name], 10)})
		}
		return []string{"METRIC", "VALUE"}, rows, true
	case map[string]string:
		rows := make([][]string, 0, len(v))
		for _, k := range slices.Sorted(maps.Keys(v)) {
			rows = append(rows, []string{k, v[k]})
		}
		return []string{"KEY", "VALUE"}, rows, true
	default:
		return nil, nil, false
	}
}

func formatTime(it reader.AnalysisItem) string {
	if it.UpdatedAt.IsZero() {
		return ""
	}
	return it.UpdatedAt.Local().Format("2006-01-02 15:04:05")
}

// isTTY reports whether f is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
