package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/creditsync/internal/scheduler"
	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	var (
		date      string
		forceFull bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one usage sync and print the run report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize < 0 {
				return fmt.Errorf("--batch-size must be positive")
			}

			var sched *scheduler.Scheduler
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				report, err := sched.Run(ctx, scheduler.RunRequest{
					Date:      date,
					ForceFull: forceFull,
					BatchSize: batchSize,
					Trigger:   scheduler.TriggerCLI,
				})
				if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
				if err != nil {
					return err
				}
				if !report.Success {
					return fmt.Errorf("sync run %s finished unhealthy: %d errors", report.RunID, report.Errors)
				}
				return nil
			}, &sched)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Bucket day as YYYYMMDD (default: yesterday UTC)")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "Scan and repair credit discrepancies after syncing")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Accounts per batch (default: SYNC_BATCH_SIZE)")
	return cmd
}
