package remote

import (
	"github.com/smallbiznis/declara/internal/order/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("order.remote",
	fx.Provide(Provide),
	fx.Provide(
		func(c *Client) domain.Source { return c },
		func(c *Client) domain.Sink { return c },
	),
)
