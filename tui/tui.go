// ABOUTME: Terminal monitor for the sync engine using bubbletea
// ABOUTME: Shows connectivity, the offline queue, and real-time events for the active organization
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/realtime"
	"github.com/harperreed/dealsync/reconcile"
)

// Engine is the part of the sync engine the monitor drives.
type Engine interface {
	Scope() string
	Status(ctx context.Context) (engine.Status, error)
	Pending(ctx context.Context) ([]models.Command, error)
	Load(ctx context.Context) ([]models.Deal, error)
	Drain(ctx context.Context) (reconcile.Result, error)
	Refresh(ctx context.Context, scope string) ([]models.Deal, error)
}

const (
	pollInterval = time.Second
	maxEvents    = 8
	maxMessages  = 5
)

// Model is the main bubbletea model
type Model struct {
	engine Engine
	ctx    context.Context

	status    engine.Status
	pending   []models.Command
	dealCount int
	events    []string
	messages  []string

	draining   bool
	refreshing bool

	width  int
	height int
	err    error
	now    func() time.Time
}

// NewModel creates a monitor over e. ctx bounds every engine call the monitor makes.
func NewModel(ctx context.Context, e Engine) Model {
	return Model{
		engine: e,
		ctx:    ctx,
		width:  80,
		height: 24,
		now:    time.Now,
	}
}

// ChangeMsg carries a real-time change into the program. Send it with
// tea.Program.Send from an engine subscription callback.
type ChangeMsg realtime.Change

type tickMsg time.Time

type statusMsg struct {
	status    engine.Status
	pending   []models.Command
	dealCount int
	err       error
}

type drainDoneMsg struct {
	result reconcile.Result
	err    error
}

type refreshDoneMsg struct {
	count int
	err   error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadStatus(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.loadStatus(), tick())
	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.pending = msg.pending
			m.dealCount = msg.dealCount
		}
		return m, nil
	case ChangeMsg:
		m.addEvent(realtime.Change(msg))
		return m, m.loadStatus()
	case drainDoneMsg:
		m.draining = false
		m.handleDrainDone(msg)
		return m, m.loadStatus()
	case refreshDoneMsg:
		m.refreshing = false
		if msg.err != nil {
			m.addMessage("✗ refresh failed: " + msg.err.Error())
		} else {
			m.addMessage(pluralize(msg.count, "deal") + " loaded from server")
		}
		return m, m.loadStatus()
	}
	return m, nil
}

func (m Model) View() string {
	return m.renderMonitorView()
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		if m.draining {
			return m, nil
		}
		m.draining = true
		m.addMessage("Sending queued changes...")
		return m, m.drain()
	case "r":
		if m.refreshing {
			return m, nil
		}
		m.refreshing = true
		m.addMessage("Refreshing from server...")
		return m, m.refresh()
	}
	return m, nil
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)
)
