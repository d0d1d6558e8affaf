package tui

import (
	"fmt"
	"slices"

	tea "github.com/charmbracelet/bubbletea"
)

// View names accepted by Run.
const (
	ViewInspectAnalysis = "inspect_analysis"
	ViewStatsMetrics    = "stats_metrics"
)

// Run opens the interactive view for data and blocks until the user quits.
func Run(view string, data any) error {
	var model tea.Model
	switch view {
	case ViewInspectAnalysis:
		model = NewInspectModel(data)
	case ViewStatsMetrics:
		model = NewStatsModel(data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", view)
	}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// IsTUISupported reports whether view has an interactive rendering.
// Only read-only inspect and stats views do.
func IsTUISupported(view string) bool {
	return slices.Contains(SupportedTUIViews(), view)
}

// SupportedTUIViews lists the views with an interactive rendering.
func SupportedTUIViews() []string {
	return []string{ViewInspectAnalysis, ViewStatsMetrics}
}
