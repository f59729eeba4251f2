// Package queuewatch is the bubbletea model behind `tl watch`: a live
// view of the integration queue that refreshes on a timer.
package queuewatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
)

// refreshInterval is how often the queue snapshot is reloaded.
const refreshInterval = 2 * time.Second

// Lister is the read-only slice of the store the watcher needs.
type Lister interface {
	List(filter queue.State) ([]*queue.Request, error)
}

// KeyMap defines the watch keybindings.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Refresh, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh, k.Help, k.Quit}}
}

// Model is the bubbletea model for the queue watcher.
type Model struct {
	lister Lister

	requests []*queue.Request
	cursor   int
	err      error
	loadedAt time.Time

	keys     KeyMap
	help     help.Model
	showHelp bool
	width    int
	height   int

	// mu protects fields read by View against Update mutations.
	mu sync.RWMutex
}

// New creates a watch model over lister.
func New(lister Lister) *Model {
	return &Model{
		lister: lister,
		keys:   DefaultKeyMap(),
		help:   help.New(),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type fetchMsg struct {
	requests []*queue.Request
	err      error
}

func (m *Model) fetch() tea.Msg {
	reqs, err := m.lister.List("")
	return fetchMsg{requests: reqs, err: err}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.mu.Unlock()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch, tick())

	case fetchMsg:
		m.mu.Lock()
		m.err = msg.err
		if msg.err == nil {
			m.requests = msg.requests
			m.loadedAt = time.Now()
			if m.cursor >= len(m.requests) && m.cursor > 0 {
				m.cursor = len(m.requests) - 1
			}
		}
		m.mu.Unlock()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.mu.Lock()
			m.showHelp = !m.showHelp
			m.mu.Unlock()
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch
		case key.Matches(msg, m.keys.Up):
			m.mu.Lock()
			if m.cursor > 0 {
				m.cursor--
			}
			m.mu.Unlock()
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.mu.Lock()
			if m.cursor < len(m.requests)-1 {
				m.cursor++
			}
			m.mu.Unlock()
			return m, nil
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(style.Bold.Render("Trunkline queue"))
	if !m.loadedAt.IsZero() {
		sb.WriteString(style.Dim.Render(fmt.Sprintf("  (updated %s)", m.loadedAt.Format("15:04:05"))))
	}
	sb.WriteString("\n\n")

	if m.err != nil {
		sb.WriteString(style.Red.Render(fmt.Sprintf("error: %v", m.err)))
		sb.WriteString("\n")
		return sb.String()
	}
	if len(m.requests) == 0 {
		sb.WriteString(style.Dim.Render("  queue is empty"))
		sb.WriteString("\n")
	} else {
		for i, req := range m.requests {
			marker := "  "
			if i == m.cursor {
				marker = style.Cyan.Render("> ")
			}
			age := time.Since(req.SubmittedAt).Round(time.Second)
			line := fmt.Sprintf("%s%-20s %-28s %-20s retry %d  %s",
				marker,
				truncate(req.ID, 20),
				truncate(req.SourceBranch+" → "+req.TargetBranch, 28),
				style.State(req.State),
				req.RetryCount,
				style.Dim.Render(age.String()),
			)
			sb.WriteString(line)
			sb.WriteString("\n")
			if i == m.cursor && req.LastError != "" {
				sb.WriteString(style.Dim.Render("    last error: " + req.LastError))
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n")
	if m.showHelp {
		sb.WriteString(m.help.FullHelpView(m.keys.FullHelp()))
	} else {
		sb.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	}
	sb.WriteString("\n")
	return sb.String()
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-1] + "…"
}
