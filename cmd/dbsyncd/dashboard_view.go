package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/datasync/engine/internal/syncmodel"
)

// Styles mirror internal/tui/monitor/styles.go's palette and panel-border
// treatment almost verbatim; only the status color table is specific to
// SyncState/EngineState instead of models.Status.
var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(mutedColor)

	syncStateStyles = map[syncmodel.SyncState]lipgloss.Style{
		syncmodel.StateSynchronized: lipgloss.NewStyle().Foreground(successColor),
		syncmodel.StateLiveSync:     lipgloss.NewStyle().Foreground(successColor).Bold(true),
		syncmodel.StateDownloading:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		syncmodel.StateUploading:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		syncmodel.StateInitializing: lipgloss.NewStyle().Foreground(warningColor),
		syncmodel.StateError:        lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		syncmodel.StateStopped:      lipgloss.NewStyle().Foreground(mutedColor),
		syncmodel.StateDisabled:     lipgloss.NewStyle().Foreground(mutedColor),
	}

	engineStateStyles = map[syncmodel.EngineState]lipgloss.Style{
		syncmodel.EngineTableSync: lipgloss.NewStyle().Foreground(successColor).Bold(true),
		syncmodel.EngineError:     lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		syncmodel.EngineInactive:  lipgloss.NewStyle().Foreground(mutedColor),
	}
)

func formatSyncState(s syncmodel.SyncState) string {
	style, ok := syncStateStyles[s]
	if !ok {
		style = lipgloss.NewStyle()
	}
	return style.Render(string(s))
}

func formatEngineState(s syncmodel.EngineState) string {
	style, ok := engineStateStyles[s]
	if !ok {
		style = lipgloss.NewStyle().Foreground(primaryColor)
	}
	return style.Render(string(s))
}

func renderDashboard(m dashboardModel) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("dbsyncd status"))
	b.WriteString("  engine: ")
	b.WriteString(formatEngineState(m.EngineState))
	b.WriteString("\n")

	if m.FilterActive || m.Filter.Value() != "" {
		b.WriteString(m.Filter.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	rows := m.visibleRows()
	if len(rows) == 0 {
		b.WriteString(helpStyle.Render("(no tables match)"))
		b.WriteString("\n")
	} else {
		b.WriteString(fmt.Sprintf("%-24s %-16s %-6s %s\n", "TABLE", "STATE", "LIVE", "VALID"))
		for _, r := range rows {
			live := "no"
			if r.Live {
				live = "yes"
			}
			valid := "yes"
			if !r.Valid {
				valid = "no"
			}
			b.WriteString(fmt.Sprintf("%-24s %-25s %-6s %s\n", r.Table, formatSyncState(r.State), live, valid))
		}
	}

	body := panelStyle.Render(b.String())

	footer := helpStyle.Render(fmt.Sprintf("last refresh %s  ·  q: quit  r: refresh  /: filter", m.LastRefresh.Format("15:04:05")))
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}
