package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}

		result, syncErr := rt.SyncOnce(ctx)
		stopErr := rt.Stop()
		if syncErr != nil || stopErr != nil {
			return errors.Join(syncErr, stopErr)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "action=%s ingested=%d purged=%d refreshed=%d checkpointed=%t\n",
			result.Action, result.Ingested, result.Purged, result.Refreshed, result.Checkpointed)
		return nil
	},
}
