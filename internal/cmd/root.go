package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/config"
	"github.com/trunkline-dev/trunkline/internal/workspace"
)

// Command groups for help output.
const (
	GroupQueue   = "queue"
	GroupService = "service"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trunkline merge coordination queue",
	Long: `Trunkline serializes merges into a shared trunk.

Workers submit their branches with 'tl submit'; the coordinator
('tl run') checks each request for conflicts against the current
trunk tip and lands clean ones one at a time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupQueue, Title: "Queue commands:"},
		&cobra.Group{ID: GroupService, Title: "Service commands:"},
	)
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// openWorkspace resolves the enclosing workspace and its configuration.
func openWorkspace() (*workspace.Workspace, *config.Config, error) {
	ws, err := workspace.FindFromCwd()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := ws.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", ws.ConfigPath(), err)
	}
	return ws, cfg, nil
}
