package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trunkline-dev/trunkline/internal/tui/queuewatch"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupQueue,
	Short:   "Live view of the merge queue",
	Long: `Watch the queue refresh in place. Needs a terminal; when stdout
is not a TTY the current queue is printed once instead.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ws, cfg, err := openWorkspace()
	if err != nil {
		return err
	}
	locks := newLockManager(ws, cfg)
	store, err := openStore(ws, cfg, locks)
	if err != nil {
		return err
	}
	defer store.Close()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		requests, err := store.List("")
		if err != nil {
			return err
		}
		fmt.Print(requestTable(requests))
		return nil
	}

	p := tea.NewProgram(queuewatch.New(store), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
