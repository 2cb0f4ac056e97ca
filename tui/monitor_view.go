// ABOUTME: Monitor view rendering and the commands behind its key bindings
// ABOUTME: Displays sync state, the pending queue table, and recent activity
package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/realtime"
)

var (
	syncHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	syncLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Width(14)

	syncIdleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	syncSyncingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("11")).
				Bold(true)

	syncErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	syncMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true)
)

func (m Model) renderMonitorView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Deal Sync Monitor"))
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(syncErrorStyle.Render("✗ " + m.err.Error()))
		s.WriteString("\n\n")
	}

	s.WriteString(syncHeaderStyle.Render("Status"))
	s.WriteString("\n\n")
	s.WriteString(m.renderStatusRows())
	s.WriteString("\n")

	s.WriteString(syncHeaderStyle.Render(fmt.Sprintf("Offline Queue (%d pending)", m.status.Pending)))
	s.WriteString("\n\n")
	if len(m.pending) == 0 {
		s.WriteString(syncMessageStyle.Render("  No queued changes."))
		s.WriteString("\n")
	} else {
		s.WriteString(m.renderQueueTable())
		s.WriteString("\n")
	}
	s.WriteString("\n")

	if len(m.events) > 0 {
		s.WriteString(syncHeaderStyle.Render("Real-time Events"))
		s.WriteString("\n\n")
		for _, ev := range m.events {
			s.WriteString(syncMessageStyle.Render("  " + ev))
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	if len(m.messages) > 0 {
		s.WriteString(syncHeaderStyle.Render("Recent Activity"))
		s.WriteString("\n\n")
		for _, msg := range m.messages {
			s.WriteString(syncMessageStyle.Render("  " + msg))
			s.WriteString("\n")
		}
	}

	s.WriteString(m.renderHelp())
	return s.String()
}

func (m Model) renderStatusRows() string {
	st := m.status
	var rows strings.Builder
	row := func(label, value string) {
		rows.WriteString("  ")
		rows.WriteString(syncLabelStyle.Render(label))
		rows.WriteString(value)
		rows.WriteString("\n")
	}

	scope := st.Scope
	if scope == "" {
		scope = m.engine.Scope()
	}
	row("Organization", scope)

	switch {
	case !st.Online:
		row("Connection", syncErrorStyle.Render("✗ Offline (changes are queued)"))
	case st.Connected:
		row("Connection", syncIdleStyle.Render("✓ Online • live updates"))
	default:
		row("Connection", syncIdleStyle.Render("✓ Online"))
	}

	switch {
	case st.Draining || m.draining:
		row("Sync", syncSyncingStyle.Render("⟳ Sending queued changes..."))
	case st.Loading || m.refreshing:
		row("Sync", syncSyncingStyle.Render("⟳ Loading..."))
	case st.RetryScheduled:
		row("Sync", syncErrorStyle.Render("Retry scheduled"))
	default:
		row("Sync", syncIdleStyle.Render("✓ Idle"))
	}

	row("Deals", strconv.Itoa(m.dealCount))
	if st.LastFetchAt != nil {
		row("Last fetch", m.formatTimeSince(*st.LastFetchAt))
	}
	if st.LastDrainAt != nil {
		row("Last sync", m.formatTimeSince(*st.LastDrainAt))
	}
	if st.LastError != "" {
		row("Last error", syncErrorStyle.Render(st.LastError))
	}
	return rows.String()
}

func (m Model) renderQueueTable() string {
	columns := []table.Column{
		{Title: "#", Width: 5},
		{Title: "Type", Width: 8},
		{Title: "Deal", Width: 24},
		{Title: "Status", Width: 10},
		{Title: "Tries", Width: 6},
		{Title: "Detail", Width: 30},
	}

	var rows []table.Row
	for _, c := range m.pending {
		rows = append(rows, table.Row{
			strconv.FormatInt(c.Seq, 10),
			string(c.Type),
			c.RecordID,
			string(c.Status),
			fmt.Sprintf("%d/%d", c.Attempts, c.MaxAttempts),
			c.Detail,
		})
	}

	height := len(rows) + 1
	if limit := m.height - 18; limit > 2 && height > limit {
		height = limit
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithHeight(height),
	)
	return t.View()
}

func (m Model) renderHelp() string {
	help := []string{
		"s: Sync now",
		"r: Refresh from server",
		"q: Quit",
	}
	return helpStyle.Render(strings.Join(help, " • "))
}

// loadStatus reads engine state without touching the network.
func (m Model) loadStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := m.engine.Status(m.ctx)
		if err != nil {
			return statusMsg{err: err}
		}
		pending, err := m.engine.Pending(m.ctx)
		if err != nil {
			return statusMsg{err: err}
		}
		msg := statusMsg{status: st, pending: pending}
		if !st.Loading {
			if deals, err := m.engine.Load(m.ctx); err == nil {
				msg.dealCount = len(deals)
			}
		}
		return msg
	}
}

func (m Model) drain() tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.Drain(m.ctx)
		return drainDoneMsg{result: res, err: err}
	}
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		deals, err := m.engine.Refresh(m.ctx, m.engine.Scope())
		return refreshDoneMsg{count: len(deals), err: err}
	}
}

func (m *Model) handleDrainDone(msg drainDoneMsg) {
	switch {
	case errors.Is(msg.err, engine.ErrOffline):
		m.addMessage("✗ Offline: changes will be sent when the connection returns")
	case msg.err != nil:
		m.addMessage("✗ sync failed: " + msg.err.Error())
	case msg.result.Skipped:
		m.addMessage("A sync is already running")
	default:
		res := msg.result
		text := fmt.Sprintf("✓ %s sent", pluralize(res.Synced, "change"))
		if res.Conflicts > 0 {
			text += fmt.Sprintf(", %s lost to newer server data", pluralize(res.Conflicts, "change"))
		}
		if res.Failed > 0 {
			text += fmt.Sprintf(", %d failed", res.Failed)
		}
		if res.RetryIn > 0 {
			text += fmt.Sprintf(", retrying in %s", res.RetryIn.Round(time.Second))
		}
		m.addMessage(text)
	}
}

func (m *Model) addEvent(c realtime.Change) {
	label := c.ID
	if c.Record != nil {
		label = fmt.Sprintf("%s → %s", c.ID, c.Record.Stage)
	}
	m.events = appendCapped(m.events, fmt.Sprintf("[%s] %s %s", m.now().Format("15:04:05"), c.Type, label), maxEvents)
}

// addMessage adds a message to the activity log.
func (m *Model) addMessage(msg string) {
	m.messages = appendCapped(m.messages, fmt.Sprintf("[%s] %s", m.now().Format("15:04:05"), msg), maxMessages)
}

func appendCapped(list []string, item string, limit int) []string {
	list = append(list, item)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// formatTimeSince formats a time duration in a human-readable way.
func (m Model) formatTimeSince(t time.Time) string {
	duration := m.now().Sub(t)

	if duration < time.Minute {
		return "just now"
	} else if duration < time.Hour {
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	} else if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

