package cachegateway

import "go.uber.org/fx"

var Module = fx.Module("cachegateway",
	fx.Provide(NewClient),
	fx.Provide(func(c *Client) Gateway { return c }),
)
