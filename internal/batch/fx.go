package batch

import (
	"github.com/smallbiznis/declara/internal/batch/repository"
	"github.com/smallbiznis/declara/internal/observability/events"
	"github.com/smallbiznis/declara/internal/watermark"
	"go.uber.org/fx"
)

var Module = fx.Module("batch",
	fx.Provide(repository.Provide),
	fx.Provide(NewSummaries),
	fx.Provide(
		func(s *Summaries) SummaryStore { return s },
		func(s *watermark.Service) CursorStore { return s },
		func(e *events.Emitter) Telemetry { return e },
	),
	fx.Provide(NewRunner),
)
