package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/dwiflow/cli/reader"
)

// StatsModel shows the metrics record of one run as stat boxes.
type StatsModel struct {
	view     *reader.MetricsView
	width    int
	quitting bool
}

// NewStatsModel creates the model for a *reader.MetricsView.
func NewStatsModel(data any) StatsModel {
	v, _ := data.(*reader.MetricsView)
	return StatsModel{view: v}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil {
		return "Invalid data type for stats_metrics"
	}
	v := m.view

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run " + v.RunID))
	b.WriteString("\n")
	b.WriteString(MutedStyle.Render(fmt.Sprintf("%s  policy=%s  registration=%s  storage=%s",
		v.Ts, v.Policy, v.Registration, v.StorageBackend)))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Started", v.CombinationsStarted, highlightColor),
		statBox("Completed", v.CombinationsCompleted, successColor),
		statBox("Failed", v.CombinationsFailed, errorColor),
		statBox("No data", v.CombinationsSkipped, warningColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Stages reused", v.StagesReused, successColor),
		statBox("Tool calls", v.ToolInvocations, highlightColor),
		statBox("Tool failures", v.ToolFailures, errorColor),
		statBox("Maps skipped", v.ArtifactsSkipped, mutedColor),
	))

	if names := v.StageNames(); len(names) > 0 {
		b.WriteString("\n\n")
		b.WriteString(TitleStyle.Render("Failures by stage"))
		b.WriteString("\n")
		for _, name := range names {
			field(&b, name, ErrorStyle.Render(fmt.Sprintf("%d", v.FailedByStage[name])))
		}
	}

	return b.String() + "\n" + helpLine(keys.Quit)
}

func statBox(label string, value int64, color lipgloss.Color) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value)),
		StatLabelStyle.Render(label),
	)
	return StatBoxStyle.BorderForeground(color).Render(content)
}
