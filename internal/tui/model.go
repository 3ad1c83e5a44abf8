// Package tui renders the live harvest dashboard shown by the watch command.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/aep-harvest/internal/orchestrator"
)

// StatusFunc loads the latest run status. A nil status means nothing has run.
type StatusFunc func() (*orchestrator.StatusResult, error)

// TickMsg triggers a status refresh.
type TickMsg time.Time

// StatusMsg carries a freshly loaded status.
type StatusMsg struct {
	Status *orchestrator.StatusResult
	Err    error
}

// Model is the watch dashboard.
type Model struct {
	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
	width    int
	height   int

	title    string
	fetch    StatusFunc
	interval time.Duration

	status  *orchestrator.StatusResult
	err     error
	updated time.Time
}

// NewModel returns a dashboard polling fetch every interval.
func NewModel(title string, fetch StatusFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleSpinner
	return Model{
		spinner:  s,
		title:    title,
		fetch:    fetch,
		interval: interval,
	}
}

// Run starts the dashboard on the alternate screen and blocks until it quits.
func Run(title string, fetch StatusFunc, interval time.Duration) error {
	p := tea.NewProgram(NewModel(title, fetch, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init starts the spinner and the first status load.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.fetch))
}

func fetchCmd(fetch StatusFunc) tea.Cmd {
	return func() tea.Msg {
		st, err := fetch()
		return StatusMsg{Status: st, Err: err}
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Update handles keys, resizes, spinner frames and status refreshes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.fetch)
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		// status bar, help line and the viewport border
		bodyHeight := msg.Height - 4
		if bodyHeight < 3 {
			bodyHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = bodyHeight
		}
		m.viewport.SetContent(m.body())
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		return m, fetchCmd(m.fetch)

	case StatusMsg:
		m.status, m.err = msg.Status, msg.Err
		m.updated = time.Now()
		if m.ready {
			m.viewport.SetContent(m.body())
		}
		return m, tickCmd(m.interval)
	}
	return m, nil
}

// View renders the status bar, the grouping table and a help line.
func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("%s Loading harvest status...", m.spinner.View())
	}
	help := styleMuted.Render("q quit • r refresh • ↑/↓ scroll")
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBarView(),
		styleViewport.Render(m.viewport.View()),
		help,
	)
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	title := styleStatusTitle.Render(m.title)
	run := ""
	state := styleStatusText.Render("no runs")
	if st := m.status; st != nil {
		run = styleStatusRun.Render(fmt.Sprintf("run %s • attempt %d", st.RunID, st.Attempt))
		label := fmt.Sprintf("%s %.0f%%", st.Status, st.ProgressPercent)
		switch st.Status {
		case "success":
			state = styleStatusGood.Render(label)
		case "running":
			state = styleStatusText.Render(m.spinner.View() + " " + label)
		default:
			state = styleStatusBad.Render(label)
		}
	}

	usedWidth := w(title) + w(run) + w(state)
	spacerWidth := m.width - usedWidth
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, title, run, spacer, state)
}

// body renders the grouping table for the viewport.
func (m Model) body() string {
	var b strings.Builder
	if m.err != nil {
		b.WriteString(styleError.Render("Error: "+m.err.Error()) + "\n")
		return b.String()
	}
	st := m.status
	if st == nil {
		b.WriteString(styleMuted.Render("No harvest runs recorded yet. Waiting...") + "\n")
		return b.String()
	}

	b.WriteString(styleTitle.Render(fmt.Sprintf("Harvest %s", st.HarvestID)) + "\n")
	fmt.Fprintf(&b, "Started %s", st.StartedAt.Local().Format("15:04:05"))
	if st.CompletedAt != nil {
		fmt.Fprintf(&b, ", finished after %s", st.CompletedAt.Sub(st.StartedAt).Round(time.Second))
	} else {
		fmt.Fprintf(&b, ", running for %s", time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "\n%d/%d groupings done, %d failed\n\n", st.GroupingsComplete, st.GroupingsTotal, st.GroupingsFailed)

	for _, g := range st.Groupings {
		var mark string
		switch g.Status {
		case "success":
			mark = styleSuccess.Render("✓")
		case "skipped":
			mark = styleMuted.Render("-")
		case "hung":
			mark = styleWarning.Render("⧗")
		default:
			mark = styleError.Render("✗")
		}
		line := fmt.Sprintf("%s %-22s %-8s %8.1fs", mark, g.Grouping, g.Status, g.Seconds)
		if g.Bytes > 0 {
			line += fmt.Sprintf("  %d bytes", g.Bytes)
		}
		b.WriteString(line + "\n")
		if g.Error != "" {
			b.WriteString("    " + styleError.Render(g.Stage+": "+g.Error) + "\n")
		}
	}
	if st.Status == "running" && len(st.Groupings) < st.GroupingsTotal {
		fmt.Fprintf(&b, "%s working on grouping %d of %d\n", m.spinner.View(), len(st.Groupings)+1, st.GroupingsTotal)
	}
	if st.Error != "" {
		b.WriteString("\n" + styleError.Render(st.Error) + "\n")
	}
	b.WriteString("\n" + styleMuted.Render("Updated "+m.updated.Format("15:04:05")))
	return b.String()
}
