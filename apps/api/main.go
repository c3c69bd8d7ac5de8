package main

import (
	"github.com/smallbiznis/creditsync/internal/app"
	"github.com/smallbiznis/creditsync/internal/server"
	"go.uber.org/fx"
)

// The api serves the cron trigger; the external scheduler calls it.
func main() {
	fx.New(
		app.Core,
		server.Module,
	).Run()
}
