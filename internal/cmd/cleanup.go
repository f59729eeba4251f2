package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: GroupService,
	Short:   "Remove terminal requests past the retention window",
	Long: `Remove MERGED, FAILED, CANCELED, and MANUAL_REQUIRED requests
whose completion is older than the retention window. Active requests
are never touched.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Retention override, e.g. 72h (default: configured retention_window)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	audit, err := events.NewAuditLog(ws.AuditLogPath(), events.DefaultMaxAuditSize)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	olderThan := cfg.Scheduler.RetentionWindow.Std()
	if cleanupOlderThan > 0 {
		olderThan = cleanupOlderThan
	}

	coord := coordinator.New(store, nil, events.NewRecorder(nil, audit),
		cfg.TargetBranch, queue.Strategy(cfg.DefaultStrategy))
	removed, err := coord.Cleanup(olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("%s removed %d completed request(s)\n", style.Green.Render("✓"), removed)
	return nil
}
