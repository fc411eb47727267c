package scheduler

import (
	"context"

	"github.com/smallbiznis/declara/internal/batch"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(func(r *batch.Runner) Runner { return r }),
	fx.Provide(New),
)

// Lifecycle starts the cron on application start. Only the serve command
// invokes it; one-shot runs use RunOnce directly.
func Lifecycle(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sched.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
}
