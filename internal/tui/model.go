// Package tui provides the terminal dashboard for a running proxy. It polls
// the rotation admin API and renders the pool the same way `crp status` does,
// with keybindings for the per-account admin actions.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/server"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DefaultPollInterval is how often the dashboard refetches pool status.
const DefaultPollInterval = 2 * time.Second

const (
	fetchTimeout   = 5 * time.Second
	eventPaneLimit = 8
)

// viewState represents the current view/mode of the TUI.
type viewState int

const (
	stateList viewState = iota
	stateHelp
)

// Model is the main Bubble Tea model for the dashboard.
type Model struct {
	client   *server.Client
	interval time.Duration

	// Pool state from the last successful fetch
	status    *server.StatusPayload
	events    []server.EventPayload
	fetchedAt time.Time

	// View state
	selected   int
	width      int
	height     int
	state      viewState
	showEvents bool
	err        error

	// Status message
	statusMsg string

	// UI components
	keys   keyMap
	styles Styles
}

// New creates a dashboard model that talks to the admin API at base,
// e.g. "http://127.0.0.1:8080".
func New(base string, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return Model{
		client:   server.NewClient(base),
		interval: interval,
		state:    stateList,
		keys:     defaultKeyMap(),
		styles:   DefaultStyles(),
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(base string, interval time.Duration) error {
	p := tea.NewProgram(New(base, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m Model) fetchStatus() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		st, err := client.Status(ctx)
		return statusLoadedMsg{status: st, at: time.Now(), err: err}
	}
}

func (m Model) fetchEvents() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		evs, err := client.Events(ctx, "", eventPaneLimit)
		return eventsLoadedMsg{events: evs, err: err}
	}
}

// doAccountAction returns a tea.Cmd that calls one admin endpoint.
func (m Model) doAccountAction(verb, name string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		var err error
		switch verb {
		case "refresh":
			err = client.RefreshAccount(ctx, name)
		case "enable":
			err = client.EnableAccount(ctx, name)
		case "disable":
			err = client.DisableAccount(ctx, name)
		}
		return actionDoneMsg{verb: verb, account: name, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{m.fetchStatus(), m.tick()}
		if m.showEvents {
			cmds = append(cmds, m.fetchEvents())
		}
		return m, tea.Batch(cmds...)

	case statusLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = msg.status
		m.fetchedAt = msg.at
		if n := len(m.status.Accounts); m.selected >= n {
			m.selected = max(n-1, 0)
		}
		return m, nil

	case eventsLoadedMsg:
		if msg.err == nil {
			m.events = msg.events
		}
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("%s %s: %v", msg.verb, msg.account, msg.err)
			return m, nil
		}
		m.statusMsg = fmt.Sprintf("%s requested for %s", msg.verb, msg.account)
		return m, m.fetchStatus()

	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.state == stateHelp {
		// Any key returns to list
		m.state = stateList
		return m, nil
	}

	// A keypress always clears the last action message.
	m.statusMsg = ""

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.state = stateHelp
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.selected < m.accountCount()-1 {
			m.selected++
		}
		return m, nil

	case key.Matches(msg, m.keys.Events):
		m.showEvents = !m.showEvents
		if m.showEvents {
			return m, m.fetchEvents()
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if name, ok := m.selectedAccount(); ok {
			return m, m.doAccountAction("refresh", name)
		}

	case key.Matches(msg, m.keys.Enable):
		if name, ok := m.selectedAccount(); ok {
			return m, m.doAccountAction("enable", name)
		}

	case key.Matches(msg, m.keys.Disable):
		if name, ok := m.selectedAccount(); ok {
			return m, m.doAccountAction("disable", name)
		}
	}

	return m, nil
}

func (m Model) accountCount() int {
	if m.status == nil {
		return 0
	}
	return len(m.status.Accounts)
}

func (m Model) selectedAccount() (string, bool) {
	if m.status == nil || m.selected < 0 || m.selected >= len(m.status.Accounts) {
		return "", false
	}
	return m.status.Accounts[m.selected].Name, true
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	if m.state == stateHelp {
		return m.helpView()
	}
	return m.mainView()
}

// mainView renders the account table with the status bar pinned to the bottom.
func (m Model) mainView() string {
	sections := []string{
		m.styles.Header.Render("crp rotation dashboard"),
		m.renderSummary(),
		"",
		m.renderAccounts(),
	}
	if m.showEvents {
		sections = append(sections, "", m.renderEvents())
	}
	body := lipgloss.JoinVertical(lipgloss.Left, sections...)

	status := m.renderStatusBar()
	bodyHeight := m.height - lipgloss.Height(status)
	if bodyHeight < 0 {
		bodyHeight = 0
	}
	body = lipgloss.NewStyle().Height(bodyHeight).Render(body)
	return lipgloss.JoinVertical(lipgloss.Left, body, status)
}

func (m Model) renderSummary() string {
	if m.status == nil {
		return m.styles.Summary.Render("waiting for first status fetch")
	}
	s := m.status
	next := "none"
	if s.NextAccount != nil {
		next = *s.NextAccount
	}
	line := fmt.Sprintf("%d accounts: %d available, %d rate limited, %d auth error, %d disabled | next: %s | config gen %d",
		s.TotalAccounts, s.AvailableAccounts, s.RateLimitedAccounts, s.AuthErrorAccounts, s.DisabledAccounts, next, s.Generation)
	return m.styles.Summary.Render(line)
}

func (m Model) renderAccounts() string {
	if m.accountCount() == 0 {
		return m.styles.Empty.Render("No accounts in the pool. Add entries to the credentials file to begin.")
	}

	head := fmt.Sprintf("   %-20s %-13s %-10s %-10s %s", "ACCOUNT", "STATE", "EXPIRES", "USED", "DETAIL")
	rows := []string{m.styles.ColumnHd.Render(head)}
	for i, a := range m.status.Accounts {
		rows = append(rows, m.renderAccountRow(a, i == m.selected))
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderAccountRow(a server.AccountPayload, selected bool) string {
	glyph := m.stateStyle(a.State).Render(stateGlyph(a.State))
	line := fmt.Sprintf("%s %-20s %-13s %-10s %-10s %s",
		glyph, truncate(a.Name, 20), a.State, m.expiryColumn(a), m.usedColumn(a), m.detailColumn(a))
	if selected {
		return m.styles.SelectedRow.Render(line)
	}
	return m.styles.Row.Render(line)
}

func (m Model) expiryColumn(a server.AccountPayload) string {
	if a.TokenExpiresIn <= 0 {
		return "expired"
	}
	return formatCompactDuration(time.Duration(a.TokenExpiresIn) * time.Second)
}

func (m Model) usedColumn(a server.AccountPayload) string {
	if a.LastUsed == nil {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, *a.LastUsed)
	if err != nil {
		return "?"
	}
	return formatCompactDuration(m.fetchedAt.Sub(t)) + " ago"
}

func (m Model) detailColumn(a server.AccountPayload) string {
	switch a.State {
	case "rate_limited":
		if a.RateLimitedUntil != nil {
			if t, err := time.Parse(time.RFC3339, *a.RateLimitedUntil); err == nil {
				return "retry in " + formatCompactDuration(t.Sub(m.fetchedAt))
			}
		}
		return "cooling down"
	case "auth_error":
		detail := "waiting for a good token"
		if a.LastError != nil {
			detail = truncate(*a.LastError, 44)
		}
		if a.RefreshDisabled {
			detail += " (refresh paused)"
		}
		return detail
	case "available":
		if a.RefreshInFlight {
			return "refreshing"
		}
		var parts []string
		if a.RequestsRemainingPercent != nil {
			parts = append(parts, fmt.Sprintf("req %.0f%%", *a.RequestsRemainingPercent))
		}
		if a.TokensRemainingPercent != nil {
			parts = append(parts, fmt.Sprintf("tok %.0f%%", *a.TokensRemainingPercent))
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func (m Model) renderEvents() string {
	lines := []string{m.styles.ColumnHd.Render("   RECENT EVENTS")}
	if len(m.events) == 0 {
		lines = append(lines, m.styles.StatusText.Render("   no events recorded yet"))
		return strings.Join(lines, "\n")
	}
	for _, ev := range m.events {
		lines = append(lines, "   "+m.renderEventRow(ev))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEventRow(ev server.EventPayload) string {
	ts := ev.Timestamp
	if t, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	parts := []string{
		m.styles.EventTime.Render(ts),
		m.styles.EventType.Render(fmt.Sprintf("%-16s", ev.Type)),
	}
	if ev.Account != "" {
		parts = append(parts, fmt.Sprintf("%-12s", truncate(ev.Account, 12)))
	}
	if ev.Detail != "" {
		parts = append(parts, m.styles.StatusText.Render(truncate(ev.Detail, 48)))
	}
	return strings.Join(parts, " ")
}

// renderStatusBar renders the bottom status bar.
func (m Model) renderStatusBar() string {
	if m.width <= 0 {
		return ""
	}

	if m.err != nil {
		return m.styles.StatusBar.Width(m.width).Render(m.styles.Error.Render("admin api: " + m.err.Error()))
	}
	if m.statusMsg != "" {
		return m.styles.StatusBar.Width(m.width).Render(m.styles.StatusText.Render(m.statusMsg))
	}

	left := m.styles.StatusKey.Render("q") + m.styles.StatusText.Render(" quit  ")
	left += m.styles.StatusKey.Render("?") + m.styles.StatusText.Render(" help  ")
	if m.width >= 70 {
		left += m.styles.StatusKey.Render("r") + m.styles.StatusText.Render(" refresh  ")
		left += m.styles.StatusKey.Render("e") + m.styles.StatusText.Render(" enable  ")
		left += m.styles.StatusKey.Render("d") + m.styles.StatusText.Render(" disable  ")
		left += m.styles.StatusKey.Render("l") + m.styles.StatusText.Render(" events")
	}
	return m.styles.StatusBar.Width(m.width).Render(left)
}

// helpView renders the help screen.
func (m Model) helpView() string {
	help := `
crp - Claude Rotation Proxy
===========================

KEYBOARD SHORTCUTS

Navigation
  ↑/k     Move up
  ↓/j     Move down

Account Actions
  r       Request a token refresh for the selected account
  e       Enable the selected account
  d       Disable the selected account (drains it from rotation)

Panes
  l       Toggle the event log pane

General
  ?       Toggle this help
  q/esc   Quit

STATE INDICATORS
  ` + m.styles.Available.Render("●") + `  available     in rotation
  ` + m.styles.RateLimited.Render("◐") + `  rate_limited  cooling down until the upstream window resets
  ` + m.styles.AuthError.Render("✗") + `  auth_error    token refresh failed, held out of rotation
  ` + m.styles.Disabled.Render("○") + `  disabled      removed from rotation by an operator

Press any key to return.
`
	return m.styles.Help.Render(help)
}

func (m Model) stateStyle(state string) lipgloss.Style {
	switch state {
	case "available":
		return m.styles.Available
	case "rate_limited":
		return m.styles.RateLimited
	case "auth_error":
		return m.styles.AuthError
	default:
		return m.styles.Disabled
	}
}

func stateGlyph(state string) string {
	switch state {
	case "available":
		return "●"
	case "rate_limited":
		return "◐"
	case "auth_error":
		return "✗"
	default:
		return "○"
	}
}

func formatCompactDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
