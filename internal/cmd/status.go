package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status <request-id>",
	GroupID: GroupQueue,
	Short:   "Show one request's state and history",
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	coord, closeStore, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeStore()

	req, err := coord.Status(args[0])
	if err != nil {
		return err
	}
	printRequest(req)
	return nil
}
