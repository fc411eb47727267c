package watermark

import (
	"github.com/smallbiznis/declara/internal/watermark/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("watermark.service",
	fx.Provide(repository.Provide),
	fx.Provide(New),
)
