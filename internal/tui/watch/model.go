package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rigworks/rigci/internal/events"
)

// runState is the TUI's view of one run, updated from lifecycle events.
type runState struct {
	ID       string
	Workflow string
	Event    string
	Ref      string
	Target   string
	Status   string
	LastStep string
	Started  time.Time
	Ended    time.Time
	Seen     time.Time
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	runs     map[string]*runState
	eventLog []events.Event

	health struct {
		Status          string
		UptimeSeconds   int64
		QueueDepth      int
		WorkflowsLoaded int
		Connected       bool
	}

	runTable table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Workflow", Width: 20},
			{Title: "Event", Width: 13},
			{Title: "Ref", Width: 24},
			{Title: "Target", Width: 14},
			{Title: "Step", Width: 18},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		runs:      make(map[string]*runState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		runTable:  t,
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)

	case tickMsg:
		// Redraw so running durations advance.
		m.updateTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.applyEvent(e)
		m.updateTable()

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.WorkflowsLoaded = msg.WorkflowsLoaded
		m.health.Connected = true
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

// applyEvent folds one lifecycle event into run state.
func (m *Model) applyEvent(e events.Event) {
	var p events.Payload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.RunID == "" {
		return
	}

	rs, ok := m.runs[p.RunID]
	if !ok {
		rs = &runState{ID: p.RunID, Status: "queued"}
		m.runs[p.RunID] = rs
	}
	rs.Seen = time.Now()

	// Later events carry sparser payloads; keep what earlier ones set.
	if p.Workflow != "" {
		rs.Workflow = p.Workflow
	}
	if p.Event != "" {
		rs.Event = p.Event
	}
	if p.Ref != "" {
		rs.Ref = p.Ref
	}
	if p.Target != "" {
		rs.Target = p.Target
	}

	switch e.Type {
	case events.TypeRunQueued:
		rs.Status = "queued"
	case events.TypeRunStarted:
		rs.Status = "running"
		rs.Started = time.Now()
	case events.TypeRunStep:
		if p.Step != "" {
			rs.LastStep = p.Step
		}
	case events.TypeRunFinished:
		if p.Status != "" {
			rs.Status = p.Status
		}
		rs.Ended = time.Now()
	case events.TypeRunCancelled:
		rs.Status = "cancelled"
		rs.Ended = time.Now()
	}
}

func (m *Model) updateTable() {
	ordered := make([]*runState, 0, len(m.runs))
	for _, rs := range m.runs {
		ordered = append(ordered, rs)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Seen.After(ordered[j].Seen)
	})

	rows := make([]table.Row, 0, len(ordered))
	for _, rs := range ordered {
		rows = append(rows, m.runToRow(rs))
	}
	m.runTable.SetRows(rows)
}

func (m *Model) runToRow(rs *runState) table.Row {
	statusSym := "○"
	switch rs.Status {
	case "queued":
		statusSym = m.theme.StatusQueued.Render("○")
	case "running":
		statusSym = m.theme.StatusRunning.Render("◉")
	case "succeeded":
		statusSym = m.theme.StatusOK.Render("●")
	case "failed":
		statusSym = m.theme.StatusFailed.Render("∅")
	case "timed_out":
		statusSym = m.theme.StatusFailed.Render("◑")
	case "cancelled":
		statusSym = m.theme.StatusCancelled.Render("◌")
	}

	duration := "-"
	if !rs.Started.IsZero() {
		end := rs.Ended
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(rs.Started).Round(time.Second).String()
	}

	return table.Row{
		statusSym,
		rs.Workflow,
		rs.Event,
		rs.Ref,
		rs.Target,
		rs.LastStep,
		duration,
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := m.renderHeader()

	runsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("RUNS"),
			m.runTable.View(),
		),
	)

	eventsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.renderEvents(),
		),
	)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate Runs")

	parts := []string{header, runsView, eventsView}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("CONNECTED")
	if !m.health.Connected {
		status = m.theme.StatusFailed.Render("DISCONNECTED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Gateway: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Queue: %d", m.health.QueueDepth),
		fmt.Sprintf("Workflows: %d", m.health.WorkflowsLoaded),
	}

	cell := (m.width - 4) / len(items)
	rendered := make([]string, 0, len(items))
	for _, it := range items {
		rendered = append(rendered, lipgloss.NewStyle().Width(cell).Render(it))
	}

	return m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, m.theme))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  Waiting for events...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeRunFinished:
		typeStyle = theme.StatusOK
	case events.TypeRunCancelled:
		typeStyle = theme.StatusCancelled
	case events.TypeRunStarted:
		typeStyle = theme.StatusRunning
	case events.TypeRunStep:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-15s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	var p events.Payload
	_ = json.Unmarshal(e.Data, &p)

	var parts []string

	if p.RunID != "" {
		runID := p.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", runID))
	}
	if p.Workflow != "" {
		parts = append(parts, p.Workflow)
	}
	if p.Step != "" {
		parts = append(parts, p.Step)
	}
	if p.Status != "" {
		parts = append(parts, p.Status)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
