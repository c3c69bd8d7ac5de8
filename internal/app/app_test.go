package app

import (
	"testing"

	"github.com/smallbiznis/creditsync/internal/scheduler"
	"github.com/smallbiznis/creditsync/internal/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

func TestCoreGraphResolves(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Core, scheduler.LoopModule))
	require.NoError(t, fx.ValidateApp(Core, server.Module))
}

func TestRegisterSnowflake(t *testing.T) {
	node, err := RegisterSnowflake()
	require.NoError(t, err)
	require.NotZero(t, node.Generate().Int64())
}
