package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/smallbiznis/creditsync/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "creditsync",
		Short:         "Reconcile cached API credits and usage with the ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(discrepanciesCmd())
	rootCmd.AddCommand(forceSyncCmd())
	rootCmd.AddCommand(reconcileCredentialsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runOnce starts the core graph, fills targets and calls fn. Lifecycle
// hooks (db close, redis close, providers flush) run on the way out.
func runOnce(ctx context.Context, fn func(context.Context) error, targets ...any) error {
	application := fx.New(
		app.Core,
		fx.NopLogger,
		fx.Populate(targets...),
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := application.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stop: %w", err)
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
