package main

import (
	"github.com/smallbiznis/creditsync/internal/app"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	"go.uber.org/fx"
)

// The scheduler runs the sync on SYNC_INTERVAL without an HTTP surface.
func main() {
	fx.New(
		app.Core,
		scheduler.LoopModule,
	).Run()
}
