package main

import (
	"github.com/smallbiznis/creditsync/internal/app"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	"github.com/smallbiznis/creditsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	var withLoop bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cron trigger and sync-status endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{app.Core, server.Module}
			if withLoop {
				opts = append(opts, scheduler.LoopModule)
			}
			application := fx.New(opts...)
			if err := application.Err(); err != nil {
				return err
			}
			application.Run()
			return nil
		},
	}

	cmd.Flags().BoolVar(&withLoop, "with-loop", false, "Also run the sync on SYNC_INTERVAL in-process")
	return cmd
}
