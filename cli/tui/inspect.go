package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/dwiflow/cli/reader"
)

// InspectModel shows one analysis journal with a stage cursor. The message
// of the selected stage is shown below the table.
type InspectModel struct {
	view     *reader.AnalysisView
	cursor   int
	width    int
	quitting bool
}

// NewInspectModel creates the model for a *reader.AnalysisView.
func NewInspectModel(data any) InspectModel {
	v, _ := data.(*reader.AnalysisView)
	return InspectModel{view: v}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.view != nil && m.cursor < len(m.view.Stages)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil {
		return "Invalid data type for inspect_analysis"
	}
	v := m.view

	var b strings.Builder
	b.WriteString(TitleStyle.Render(v.Label))
	b.WriteString("\n\n")
	field(&b, "Status", StatusStyle(v.Status).Render(v.Status))
	field(&b, "Run ID", ValueStyle.Render(v.RunID))
	if v.FailedStage != "" {
		field(&b, "Failed Stage", ErrorStyle.Render(v.FailedStage))
	}
	if v.ErrorKind != "" {
		field(&b, "Error Kind", ErrorStyle.Render(v.ErrorKind))
	}
	if !v.UpdatedAt.IsZero() {
		field(&b, "Updated", ValueStyle.Render(v.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	}
	entries := fmt.Sprintf("%d", v.Entries)
	if v.Truncated {
		entries += WarningStyle.Render(" (truncated tail)")
	}
	field(&b, "Entries", ValueStyle.Render(entries))

	b.WriteString("\n")
	for i, s := range v.Stages {
		cursor := "  "
		name := ValueStyle.Render(fmt.Sprintf("%-28s", s.Stage))
		if i == m.cursor {
			cursor = SelectedStyle.Render("> ")
			name = SelectedStyle.Render(fmt.Sprintf("%-28s", s.Stage))
		}
		reused := ""
		if s.Reused {
			reused = MutedStyle.Render(" reused")
		}
		fmt.Fprintf(&b, "%s%s %s %s%s\n", cursor, name,
			StatusStyle(s.Status).Render(fmt.Sprintf("%-8s", s.Status)),
			MutedStyle.Render(fmt.Sprintf("%6dms", s.DurationMs)), reused)
	}
	if m.cursor < len(v.Stages) {
		if msg := v.Stages[m.cursor].Message; msg != "" {
			b.WriteString("\n")
			b.WriteString(MutedStyle.Render(msg))
			b.WriteString("\n")
		}
	}

	return BoxStyle.Render(b.String()) + "\n" + helpLine(keys.Up, keys.Down, keys.Quit)
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", LabelStyle.Render(label+":"), value)
}
