package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/git"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
)

var (
	submitTarget    string
	submitStrategy  string
	submitRequester string
	submitNoVerify  bool
)

var submitCmd = &cobra.Command{
	Use:     "submit <source-branch>",
	GroupID: GroupQueue,
	Short:   "Queue a branch for integration into the trunk",
	Long: `Queue a branch for integration. The coordinator picks it up in
submission order, checks it for conflicts against the current trunk
tip, and merges it when clean.

Examples:
  tl submit feature/login
  tl submit feature/login --target release-2.4 --strategy squash`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "Target branch (default: configured trunk)")
	submitCmd.Flags().StringVar(&submitStrategy, "strategy", "", "Merge strategy: merge_commit, squash, or fast_forward_only")
	submitCmd.Flags().StringVar(&submitRequester, "requester", "", "Requester identity (default: $TL_REQUESTER or OS user)")
	submitCmd.Flags().BoolVar(&submitNoVerify, "no-verify", false, "Skip checking that the branches exist on the remote")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	source := args[0]
	if err := validBranchRef(source); err != nil {
		return err
	}
	if submitTarget != "" {
		if err := validBranchRef(submitTarget); err != nil {
			return err
		}
	}

	ws, cfg, err := openWorkspace()
	if err != nil {
		return err
	}
	requester, err := resolveRequester(submitRequester)
	if err != nil {
		return err
	}

	locks := newLockManager(ws, cfg)
	store, err := openStore(ws, cfg, locks)
	if err != nil {
		return err
	}
	defer store.Close()

	audit, err := events.NewAuditLog(ws.AuditLogPath(), events.DefaultMaxAuditSize)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	var repo coordinator.BranchChecker
	if !submitNoVerify {
		g := git.NewGit(ws.RepoPath(cfg), cfg.Remote)
		if g.IsRepo() {
			repo = g
		}
	}

	coord := coordinator.New(store, repo, events.NewRecorder(nil, audit),
		cfg.TargetBranch, queue.Strategy(cfg.DefaultStrategy))

	req, err := coord.Submit(cmd.Context(), source, submitTarget, requester, submitStrategy)
	if err != nil {
		return err
	}

	fmt.Printf("%s queued %s\n", style.Green.Render("✓"), style.Bold.Render(req.ID))
	fmt.Printf("  %s → %s (%s)\n", req.SourceBranch, req.TargetBranch, req.Strategy)
	fmt.Printf("  track it with: tl status %s\n", req.ID)
	return nil
}
