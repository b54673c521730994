// Package ui is the controlling process for a server instance: a bubbletea
// model that polls the transfer event bus on a fixed tick, renders transfer
// history, and drives auto-start/auto-stop scheduling. Events are pulled,
// never pushed; request handlers stay decoupled from UI processing speed.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/oniondrop/onionDrop/internal/util"
	"github.com/oniondrop/onionDrop/pkg/events"
	"github.com/oniondrop/onionDrop/pkg/web"
)

// PollInterval is how often the controller drains the event bus.
const PollInterval = 500 * time.Millisecond

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	addrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type tickMsg time.Time

type startedMsg struct {
	address string
	err     error
}

// Config wires a controller to one server instance.
type Config struct {
	Server *web.Server
	Title  string

	// Start publishes the server and returns its reachable address. The
	// controller calls it at init, or at AutostartAt when that is set.
	Start func() (string, error)

	AutostartAt time.Time // zero means start immediately
	AutostopAt  time.Time // zero means never

	// OnionAddress is the persistent service address, when one was loaded.
	OnionAddress string
	// ClientAuthKey is the visitor's private authorization key, shown so
	// the host can pass it along out of band.
	ClientAuthKey string
}

type historyRow struct {
	id      int
	path    string
	status  string // "active", "finished", "canceled", or an HTTP status
	bytes   int64
	total   int64
	percent float64
	failed  bool
}

// Model is the controller state. Use NewModel, then tea.NewProgram.
type Model struct {
	cfg Config

	bar      progress.Model
	address  string
	started  bool
	stopping bool
	status   string

	rows    []historyRow
	rowByID map[int]int

	invalidPasswords int
	quitting         bool
}

func NewModel(cfg Config) Model {
	return Model{
		cfg:     cfg,
		bar:     progress.New(progress.WithDefaultGradient()),
		rowByID: make(map[int]int),
		status:  "starting",
	}
}

func tick() tea.Cmd {
	return tea.Tick(PollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) startServer() tea.Cmd {
	return func() tea.Msg {
		addr, err := m.cfg.Start()
		return startedMsg{address: addr, err: err}
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick()}
	if m.cfg.AutostartAt.IsZero() {
		cmds = append(cmds, m.startServer())
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.stop()
			return m, tea.Quit
		}

	case startedMsg:
		if msg.err != nil {
			m.status = "failed to start: " + msg.err.Error()
			m.quitting = true
			return m, tea.Quit
		}
		m.started = true
		m.address = msg.address
		m.status = "ready"
		return m, nil

	case tickMsg:
		now := time.Time(msg)

		if !m.started && !m.cfg.AutostartAt.IsZero() && !now.Before(m.cfg.AutostartAt) {
			m.cfg.AutostartAt = time.Time{}
			return m, tea.Batch(tick(), m.startServer())
		}

		m.applyEvents(m.cfg.Server.Bus().DrainNonBlocking())

		// Auto-stop defers while transfers are in flight; the deadline is
		// re-checked on the next tick.
		if m.started && !m.stopping && !m.cfg.AutostopAt.IsZero() && !now.Before(m.cfg.AutostopAt) {
			if m.cfg.Server.SafeToStop() {
				m.status = "auto-stop deadline reached"
				m.stop()
				m.quitting = true
				return m, tea.Quit
			}
			m.status = "auto-stop waiting for transfers to finish"
		}

		if m.started && m.cfg.Server.StopFlag().IsSet() && !m.stopping {
			// The server shut itself down (rate limit or autostop).
			m.stop()
			m.quitting = true
			return m, tea.Quit
		}
		return m, tick()
	}
	return m, nil
}

func (m *Model) stop() {
	if m.stopping {
		return
	}
	m.stopping = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.cfg.Server.Stop(ctx)
}

func (m *Model) row(id int) *historyRow {
	if idx, ok := m.rowByID[id]; ok {
		return &m.rows[idx]
	}
	m.rows = append(m.rows, historyRow{id: id, status: "active"})
	m.rowByID[id] = len(m.rows) - 1
	return &m.rows[len(m.rows)-1]
}

func (m *Model) applyEvents(evs []events.Event) {
	for _, ev := range evs {
		id := ev.HistoryID()
		switch ev.Kind {
		case events.Started, events.IndividualFileStarted:
			r := m.row(id)
			r.path = ev.Path
			if status, ok := ev.Data["status"].(int); ok && status >= 400 {
				r.status = fmt.Sprintf("%d", status)
				r.failed = true
			}

		case events.Progress, events.IndividualFileProgress:
			r := m.row(id)
			r.path = ev.Path
			if b, ok := ev.Data["bytes"].(int64); ok {
				r.bytes = b
			}
			if t, ok := ev.Data["total"].(int64); ok {
				r.total = t
			}
			if p, ok := ev.Data["percent"].(float64); ok {
				r.percent = p
			}
			if snapshot, ok := ev.Data["progress"].(map[string]map[string]any); ok {
				r.bytes = 0
				for _, fp := range snapshot {
					if b, ok := fp["uploaded_bytes"].(int64); ok {
						r.bytes += b
					}
				}
			}
			if r.total > 0 && r.bytes >= r.total {
				r.status = "finished"
			}

		case events.Canceled, events.UploadCanceled, events.IndividualFileCanceled:
			r := m.row(id)
			r.status = "canceled"

		case events.UploadFinished:
			r := m.row(id)
			r.status = "finished"

		case events.UploadSetDir:
			if dir, ok := ev.Data["dir"].(string); ok {
				m.row(id).path = dir
			}

		case events.UploadIncludesMessage:
			m.status = "a message was received"

		case events.UploadFileRenamed:
			// History keeps the new name via later progress snapshots.

		case events.InvalidPassword:
			m.invalidPasswords++
			m.status = fmt.Sprintf("invalid password attempts: %d", m.invalidPasswords)

		case events.RateLimit:
			m.status = "too many failed passwords, shutting down"

		case events.ErrorDataDirCannotCreate:
			r := m.row(id)
			r.status = "error"
			r.failed = true
			m.status = "cannot create the data directory"
		}
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.cfg.Title) + "\n")
	b.WriteString(statusStyle.Render(fmt.Sprintf("mode: %s", m.cfg.Server.Mode())) + "\n")

	if m.started {
		b.WriteString(addrStyle.Render(m.address) + "\n")
		if m.cfg.OnionAddress != "" {
			b.WriteString(addrStyle.Render(m.cfg.OnionAddress) + "\n")
		}
		b.WriteString(statusStyle.Render("password: "+m.cfg.Server.Password()) + "\n")
		if m.cfg.ClientAuthKey != "" {
			b.WriteString(statusStyle.Render("client auth key: "+m.cfg.ClientAuthKey) + "\n")
		}
	} else if !m.cfg.AutostartAt.IsZero() {
		b.WriteString(statusStyle.Render(fmt.Sprintf("starting at %s", m.cfg.AutostartAt.Format(time.Kitchen))) + "\n")
	}
	b.WriteString("\n")

	for _, r := range m.rows {
		line := fmt.Sprintf("%3d  %s  %s",
			r.id, util.PadRight(r.path, 32), util.PadRight(r.status, 10))
		if r.total > 0 {
			line += fmt.Sprintf("  %s / %s", util.FormatSize(r.bytes), util.FormatSize(r.total))
		} else if r.bytes > 0 {
			line += "  " + util.FormatSize(r.bytes)
		}
		switch {
		case r.failed:
			line = errStyle.Render(line)
		case r.status == "finished":
			line = doneStyle.Render(line)
		}
		b.WriteString(line + "\n")
		if r.status == "active" && r.total > 0 {
			b.WriteString(m.bar.ViewAs(r.percent/100.0) + "\n")
		}
	}

	if m.status != "" {
		b.WriteString("\n" + statusStyle.Render(m.status) + "\n")
	}
	if !m.quitting {
		b.WriteString(statusStyle.Render("\npress q to stop the server\n"))
	}
	return b.String()
}
