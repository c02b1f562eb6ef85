package main

import (
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/datasync/engine"
	"github.com/datasync/engine/internal/syncmodel"
)

// tableRow is one line of the dashboard: a table's name, coarse sync
// state, and whether LiveSync is currently enabled for it. Grounded on
// internal/tui/monitor/model.go's RefreshDataMsg/ActivityItem shape:
// one flat struct per refresh tick, assembled off the UI goroutine.
type tableRow struct {
	Table string
	State syncmodel.SyncState
	Live  bool
	Valid bool
}

// dashboardModel is the Bubble Tea model for `dbsyncd status`, modeled on
// internal/tui/monitor.Model: window dims, a tick-driven refresh, and a
// flat slice of rows re-fetched every interval.
type dashboardModel struct {
	eng *engine.Engine

	Width, Height int
	Rows          []tableRow
	EngineState   syncmodel.EngineState
	LastRefresh   time.Time
	Err           error

	// Filter is a bubbles/textinput box, toggled with "/", that narrows
	// Rows to tables whose name contains the typed substring — the same
	// embedded-textinput idiom pkg/monitor's modals use for name entry.
	Filter       textinput.Model
	FilterActive bool

	RefreshInterval time.Duration
}

type tickMsg time.Time

type refreshMsg struct {
	Rows        []tableRow
	EngineState syncmodel.EngineState
	Timestamp   time.Time
	Err         error
}

func newDashboardModel(eng *engine.Engine) dashboardModel {
	ti := textinput.New()
	ti.Placeholder = "filter by table name"
	ti.CharLimit = 64
	ti.Width = 30
	return dashboardModel{eng: eng, RefreshInterval: time.Second, Filter: ti}
}

// visibleRows applies the active filter, if any.
func (m dashboardModel) visibleRows() []tableRow {
	q := strings.TrimSpace(m.Filter.Value())
	if q == "" {
		return m.Rows
	}
	out := make([]tableRow, 0, len(m.Rows))
	for _, r := range m.Rows {
		if strings.Contains(r.Table, q) {
			out = append(out, r)
		}
	}
	return out
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.scheduleTick())
}

func (m dashboardModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		tables := m.eng.Tables()
		sort.Strings(tables)
		rows := make([]tableRow, 0, len(tables))
		for _, t := range tables {
			ctrl, err := m.eng.CreateController(t)
			if err != nil {
				continue
			}
			rows = append(rows, tableRow{
				Table: t,
				State: ctrl.SyncState(),
				Live:  ctrl.IsLiveSyncEnabled(),
				Valid: ctrl.Valid(),
			})
		}
		return refreshMsg{Rows: rows, EngineState: m.eng.State(), Timestamp: time.Now()}
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.FilterActive {
			switch msg.String() {
			case "esc", "enter":
				m.FilterActive = false
				m.Filter.Blur()
				return m, nil
			}
			var cmd tea.Cmd
			m.Filter, cmd = m.Filter.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "/":
			m.FilterActive = true
			m.Filter.Focus()
			return m, textinput.Blink
		}
	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.scheduleTick())
	case refreshMsg:
		m.Rows = msg.Rows
		m.EngineState = msg.EngineState
		m.LastRefresh = msg.Timestamp
		m.Err = msg.Err
	}
	return m, nil
}

func (m dashboardModel) View() string {
	return renderDashboard(m)
}
