package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/config"
	"github.com/trunkline-dev/trunkline/internal/style"
	"github.com/trunkline-dev/trunkline/internal/workspace"
)

var (
	initRepoPath string
	initTarget   string
	initRemote   string
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	GroupID: GroupService,
	Short:   "Create a Trunkline workspace",
	Long: `Create a .trunkline directory with a default config.toml,
queue storage, and lock files. Run it at the root of the area your
team coordinates from.

Examples:
  tl init
  tl init --repo ~/repos/trunk --target main`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initRepoPath, "repo", "", "Path to the git repository to integrate into (default: workspace root)")
	initCmd.Flags().StringVar(&initTarget, "target", "", "Default trunk branch (default: main)")
	initCmd.Flags().StringVar(&initRemote, "remote", "", "Git remote merges are pushed to (default: origin)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", root, err)
	}

	cfg := config.Default()
	if initRepoPath != "" {
		cfg.RepoPath = initRepoPath
	}
	if initTarget != "" {
		cfg.TargetBranch = initTarget
	}
	if initRemote != "" {
		cfg.Remote = initRemote
	}

	ws, err := workspace.Init(abs, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("%s initialized workspace at %s\n", style.Green.Render("✓"), ws.Dir())
	fmt.Printf("  config: %s\n", ws.ConfigPath())
	fmt.Printf("  trunk:  %s (via %s)\n", cfg.TargetBranch, cfg.Remote)
	return nil
}
