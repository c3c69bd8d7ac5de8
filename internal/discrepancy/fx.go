package discrepancy

import (
	"github.com/smallbiznis/creditsync/internal/discrepancy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("discrepancy.service",
	fx.Provide(service.NewService),
)
