package style

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/trunkline-dev/trunkline/internal/queue"
)

// Shared text styles.
var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Green   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Red     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	Yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	Magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// State renders a request state with its conventional color: green for
// merged, red for states needing attention, yellow for waiting.
func State(s queue.State) string {
	switch s {
	case queue.StateMerged:
		return Green.Render(string(s))
	case queue.StateFailed, queue.StateManualRequired:
		return Red.Render(string(s))
	case queue.StateConflictDetected:
		return Yellow.Render(string(s))
	case queue.StateConflictCheck, queue.StateMerging:
		return Cyan.Render(string(s))
	case queue.StateCanceled:
		return Dim.Render(string(s))
	default:
		return string(s)
	}
}
