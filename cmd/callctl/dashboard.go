package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"callctl/pkg/api"
	"callctl/pkg/protocol"
	"callctl/pkg/supervisor"
)

const (
	dashRefresh   = 2 * time.Second
	dashMaxEvents = 12
	dashTimeout   = 10 * time.Second
)

// dashClient is the part of api.Client the dashboard uses.
type dashClient interface {
	ListAgents(ctx context.Context) ([]protocol.Agent, error)
	ListRunning(ctx context.Context) ([]supervisor.ProcessInfo, error)
	Start(ctx context.Context, id string) (api.LifecycleResponse, error)
	Stop(ctx context.Context, id string) (api.LifecycleResponse, error)
	StreamEvents(ctx context.Context, f api.EventFilter) (<-chan protocol.Event, error)
}

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

// snapshotMsg carries the agents and running processes.
type snapshotMsg struct {
	agents  []protocol.Agent
	running []supervisor.ProcessInfo
	err     error
}

// streamMsg reports the outcome of connecting to the event stream.
type streamMsg struct {
	events <-chan protocol.Event
	err    error
}

// eventMsg is one live event.
type eventMsg protocol.Event

// streamClosedMsg reports that the event stream ended.
type streamClosedMsg struct{}

// actionMsg reports the outcome of a start or stop.
type actionMsg struct {
	text string
	err  error
}

// dashModel is the Bubble Tea model of callctl dash.
type dashModel struct {
	ctx    context.Context
	client dashClient
	theme  Theme

	table   table.Model
	spinner spinner.Model

	agents  []protocol.Agent
	running map[string]supervisor.ProcessInfo
	events  []protocol.Event

	stream     <-chan protocol.Event
	connecting bool
	loaded     bool
	online     bool
	status     string
	err        error

	width int
}

func newDashModel(ctx context.Context, c dashClient) dashModel {
	theme := DefaultTheme()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Name", Width: 16},
			{Title: "Agent", Width: 10},
			{Title: "Type", Width: 22},
			{Title: "Status", Width: 8},
			{Title: "Worker", Width: 14},
			{Title: "PID", Width: 7},
			{Title: "Room", Width: 24},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(theme.Primary)
	t.SetStyles(styles)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Primary)

	return dashModel{
		ctx:        ctx,
		client:     c,
		theme:      theme,
		table:      t,
		spinner:    sp,
		running:    map[string]supervisor.ProcessInfo{},
		connecting: true,
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchSnapshot(), m.connectStream(), dashTick())
}

func dashTick() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashModel) fetchSnapshot() tea.Cmd {
	ctx, c := m.ctx, m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, dashTimeout)
		defer cancel()
		agents, err := c.ListAgents(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		running, err := c.ListRunning(ctx)
		return snapshotMsg{agents: agents, running: running, err: err}
	}
}

func (m dashModel) connectStream() tea.Cmd {
	ctx, c := m.ctx, m.client
	return func() tea.Msg {
		events, err := c.StreamEvents(ctx, api.EventFilter{})
		return streamMsg{events: events, err: err}
	}
}

func waitForEvent(events <-chan protocol.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (m dashModel) lifecycle(id string, start bool) tea.Cmd {
	ctx, c := m.ctx, m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, dashTimeout)
		defer cancel()
		var (
			resp api.LifecycleResponse
			err  error
		)
		if start {
			resp, err = c.Start(ctx, id)
		} else {
			resp, err = c.Stop(ctx, id)
		}
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: describeResult(resp.Result)}
	}
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetHeight(max(3, msg.Height-dashMaxEvents-8))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.loaded = true
		if msg.err != nil {
			m.online = false
			m.err = msg.err
			return m, nil
		}
		m.online = true
		m.err = nil
		m.agents = msg.agents
		m.running = make(map[string]supervisor.ProcessInfo, len(msg.running))
		for _, p := range msg.running {
			m.running[p.AgentID] = p
		}
		m.table.SetRows(m.rows())

	case streamMsg:
		m.connecting = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.stream = msg.events
		return m, waitForEvent(m.stream)

	case eventMsg:
		m.events = append(m.events, protocol.Event(msg))
		if len(m.events) > dashMaxEvents {
			m.events = m.events[len(m.events)-dashMaxEvents:]
		}
		// Lifecycle events change the table; refresh without waiting for
		// the next tick.
		return m, tea.Batch(waitForEvent(m.stream), m.fetchSnapshot())

	case streamClosedMsg:
		m.stream = nil

	case actionMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.text
		}
		return m, m.fetchSnapshot()

	case tickMsg:
		cmds := []tea.Cmd{m.fetchSnapshot(), dashTick()}
		if m.stream == nil && !m.connecting {
			m.connecting = true
			cmds = append(cmds, m.connectStream())
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.fetchSnapshot()
	case "s", "x":
		a, ok := m.selected()
		if !ok {
			return m, nil
		}
		start := msg.String() == "s"
		verb := "stopping"
		if start {
			verb = "starting"
		}
		m.status = fmt.Sprintf("%s %s...", verb, a.Name)
		return m, m.lifecycle(a.ID, start)
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m dashModel) selected() (protocol.Agent, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.agents) {
		return protocol.Agent{}, false
	}
	return m.agents[i], true
}

func (m dashModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.agents))
	for _, a := range m.agents {
		worker, pid := string(supervisor.NotRunning), "-"
		if p, ok := m.running[a.ID]; ok {
			worker, pid = string(p.State), formatPID(p.PID)
		}
		rows = append(rows, table.Row{
			a.Name,
			shortID(a.ID),
			string(a.Type),
			string(a.Status),
			worker,
			pid,
			orDash(a.Deployment.RoomName),
		})
	}
	return rows
}

// View implements tea.Model.
func (m dashModel) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("callctl")
	b.WriteString(title + "  " + m.headerStatus() + "\n\n")

	if len(m.agents) == 0 && m.loaded {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("No agents. Create one with: callctl agent create") + "\n")
	} else {
		b.WriteString(m.table.View() + "\n")
	}

	b.WriteString("\n" + lipgloss.NewStyle().Bold(true).Render("Events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render("waiting for events") + "\n")
	}
	for i := len(m.events) - 1; i >= 0; i-- {
		b.WriteString(m.renderEvent(m.events[i]) + "\n")
	}

	if m.status != "" {
		b.WriteString("\n" + m.status + "\n")
	}
	b.WriteString("\n" + lipgloss.NewStyle().Foreground(m.theme.Muted).Render("↑/↓ select • s start • x stop • r refresh • q quit"))
	return b.String()
}

func (m dashModel) headerStatus() string {
	switch {
	case !m.loaded:
		return m.spinner.View() + " connecting"
	case !m.online:
		return lipgloss.NewStyle().Foreground(m.theme.Error).Render("● daemon offline: " + errText(m.err))
	}
	live := lipgloss.NewStyle().Foreground(m.theme.Success).Render("●")
	stream := "live"
	if m.stream == nil {
		stream = m.spinner.View() + " reconnecting stream"
	}
	return fmt.Sprintf("%s %d agents, %d running, %s", live, len(m.agents), len(m.running), stream)
}

func (m dashModel) renderEvent(e protocol.Event) string {
	typ := lipgloss.NewStyle().Foreground(m.theme.stateColor(string(e.Type))).Width(20).Render(string(e.Type))
	line := fmt.Sprintf("%s %s %s", e.CreatedAt.Local().Format("15:04:05"), typ, shortID(e.AgentID))
	if e.Room != "" {
		line += " " + e.Room
	}
	if e.Payload != "" {
		line += " " + truncate(e.Payload, 50)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
