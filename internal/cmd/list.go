package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/style"
)

var listState string

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: GroupQueue,
	Short:   "List queued and recent requests",
	Long: `List requests in submission order.

Examples:
  tl list
  tl list --state QUEUED
  tl list --state MERGED`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var anomaliesCmd = &cobra.Command{
	Use:     "anomalies",
	GroupID: GroupQueue,
	Short:   "List requests needing human attention",
	Long: `List requests parked in MANUAL_REQUIRED or FAILED. These never
leave the queue on their own; resolve the conflict or verify the trunk,
then cancel and resubmit.`,
	Args: cobra.NoArgs,
	RunE: runAnomalies,
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (e.g. QUEUED, CONFLICT_DETECTED, MERGED)")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(anomaliesCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	coord, closeStore, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeStore()

	requests, err := coord.List(listState)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println(style.Dim.Render("queue is empty"))
		return nil
	}
	fmt.Print(requestTable(requests))
	return nil
}

func runAnomalies(cmd *cobra.Command, args []string) error {
	coord, closeStore, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeStore()

	requests, err := coord.Anomalies()
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println(style.Green.Render("no anomalies"))
		return nil
	}
	fmt.Print(requestTable(requests))
	for _, r := range requests {
		if r.LastError != "" {
			fmt.Printf("\n  %s: %s\n", r.ID, style.Red.Render(r.LastError))
		}
	}
	return nil
}

// openCoordinator is the read-path variant of the wiring in submit:
// no branch verification and no event recording.
func openCoordinator() (*coordinator.Coordinator, func(), error) {
	ws, cfg, err := openWorkspace()
	if err != nil {
		return nil, nil, err
	}
	locks := newLockManager(ws, cfg)
	store, err := openStore(ws, cfg, locks)
	if err != nil {
		return nil, nil, err
	}
	coord := coordinator.New(store, nil, nil, cfg.TargetBranch, queue.Strategy(cfg.DefaultStrategy))
	return coord, func() { store.Close() }, nil
}
