package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditsync/internal/audit"
	"github.com/smallbiznis/creditsync/internal/cachegateway"
	"github.com/smallbiznis/creditsync/internal/clock"
	"github.com/smallbiznis/creditsync/internal/cloudmetrics"
	"github.com/smallbiznis/creditsync/internal/config"
	"github.com/smallbiznis/creditsync/internal/discrepancy"
	"github.com/smallbiznis/creditsync/internal/ledger"
	"github.com/smallbiznis/creditsync/internal/lock"
	"github.com/smallbiznis/creditsync/internal/migration"
	"github.com/smallbiznis/creditsync/internal/observability"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	"github.com/smallbiznis/creditsync/internal/usage"
	"github.com/smallbiznis/creditsync/pkg/db"
	"go.uber.org/fx"
)

const snowflakeNodeID = 1

// Core wires everything a sync run needs: config, observability, the
// ledger database, the cache gateway client and the batch driver. Entry
// points add the HTTP server or the interval loop on top.
var Core = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	migration.Module,
	clock.Module,

	ledger.Module,
	audit.Module,
	cachegateway.Module,
	usage.Module,
	discrepancy.Module,
	lock.Module,
	cloudmetrics.Module,
	scheduler.Module,
)

func RegisterSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(snowflakeNodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return node, nil
}
