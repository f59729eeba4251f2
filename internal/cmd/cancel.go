package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
)

var cancelRequester string

var cancelCmd = &cobra.Command{
	Use:     "cancel <request-id>",
	GroupID: GroupQueue,
	Short:   "Withdraw a request from the queue",
	Long: `Withdraw a request. Only the original requester may cancel.

A waiting request is canceled immediately. A request whose conflict
check or merge is already running is flagged instead; the coordinator
honors the flag when the in-flight step finishes, and a merge that
lands first stays landed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelRequester, "requester", "", "Requester identity (default: $TL_REQUESTER or OS user)")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ws, cfg, err := openWorkspace()
	if err != nil {
		return err
	}
	requester, err := resolveRequester(cancelRequester)
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

	coord := coordinator.New(store, nil, events.NewRecorder(nil, audit),
		cfg.TargetBranch, queue.Strategy(cfg.DefaultStrategy))

	changed, err := coord.Cancel(args[0], requester)
	if err != nil {
		return err
	}
	req, err := coord.Status(args[0])
	if err != nil {
		return err
	}
	switch {
	case req.State == queue.StateCanceled:
		fmt.Printf("%s canceled %s\n", style.Green.Render("✓"), args[0])
	case req.CancelRequested:
		if changed {
			fmt.Printf("%s %s is in flight; it will be canceled when the current step finishes\n",
				style.Yellow.Render("…"), args[0])
		} else {
			fmt.Printf("cancel already requested for %s\n", args[0])
		}
	default:
		fmt.Printf("%s is already %s; nothing to cancel\n", args[0], style.State(req.State))
	}
	return nil
}
