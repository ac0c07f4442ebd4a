// Package tui implements the Bubble Tea screen migratectl's watch
// subcommand runs: a live, polling view of a migration session's
// status and transfer progress.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ramvm/migrate/migration"
)

var (
	colorActive = lipgloss.Color("42")
	colorDone   = lipgloss.Color("39")
	colorError  = lipgloss.Color("196")
	colorDim    = lipgloss.Color("240")
)

// Poller fetches the current status of the session being watched.
type Poller func() (migration.Info, error)

type tickMsg time.Time

type pollResultMsg struct {
	info migration.Info
	err  error
}

type watchKeyMap struct {
	Quit key.Binding
}

// WatchModel polls a Poller on an interval and renders the session's
// status, transfer progress, and any poll error.
type WatchModel struct {
	keys     watchKeyMap
	spinner  spinner.Model
	poll     Poller
	interval time.Duration

	info    migration.Info
	err     error
	fetched bool
}

// NewWatchModel builds a WatchModel that calls poll every interval.
func NewWatchModel(poll Poller, interval time.Duration) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot

	return WatchModel{
		keys: watchKeyMap{
			Quit: key.NewBinding(
				key.WithKeys("q", "ctrl+c"),
				key.WithHelp("q", "quit"),
			),
		},
		spinner:  s,
		poll:     poll,
		interval: interval,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), m.scheduleTick())
}

func (m WatchModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) fetch() tea.Cmd {
	poll := m.poll

	return func() tea.Msg {
		info, err := poll()

		return pollResultMsg{info: info, err: err}
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.scheduleTick())

	case pollResultMsg:
		m.fetched = true
		m.info = msg.info
		m.err = msg.err

		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString("  Migration status\n\n")

	if !m.fetched {
		b.WriteString(fmt.Sprintf("  connecting...  %s\n", m.spinner.View()))

		return b.String()
	}

	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(colorError).Render("  error: " + m.err.Error()))
		b.WriteString("\n")

		return b.String()
	}

	b.WriteString(fmt.Sprintf("  status:      %s\n", statusStyle(m.info.Status).Render(m.info.Status.String())))
	b.WriteString(fmt.Sprintf("  transferred: %s\n", formatBytes(m.info.Ram.Transferred)))
	b.WriteString(fmt.Sprintf("  remaining:   %s\n", formatBytes(m.info.Ram.Remaining)))
	b.WriteString(fmt.Sprintf("  total:       %s\n", formatBytes(m.info.Ram.Total)))

	if m.info.Status == migration.StateActive {
		b.WriteString(fmt.Sprintf("\n  %s polling...\n", m.spinner.View()))
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  q quit"))

	return b.String()
}

func statusStyle(s migration.State) lipgloss.Style {
	switch s {
	case migration.StateActive, migration.StateSetup:
		return lipgloss.NewStyle().Foreground(colorActive).Bold(true)
	case migration.StateCompleted:
		return lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	case migration.StateError, migration.StateCancelled:
		return lipgloss.NewStyle().Foreground(colorError).Bold(true)
	default:
		return lipgloss.NewStyle()
	}
}

func formatBytes(n uint64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
