package cli

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one auto-check batch and print the summary",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, _, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.RunOnce(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
