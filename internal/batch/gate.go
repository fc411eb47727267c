package batch

import (
	"context"
	"errors"

	"github.com/smallbiznis/declara/internal/clock"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	"github.com/smallbiznis/declara/internal/processor"
	"github.com/smallbiznis/declara/internal/quota"
	"go.uber.org/zap"
)

// quotaGate measures how long mutations wait for credits.
type quotaGate struct {
	inner   processor.ThrottleGate
	clock   clock.Clock
	metrics *obsmetrics.BatchMetrics
	otel    *obsmetrics.Metrics
	log     *zap.Logger
}

func (g *quotaGate) Acquire(ctx context.Context, cost float64) error {
	start := g.clock.Now()
	err := g.inner.Acquire(ctx, cost)
	if waited := g.clock.Now().Sub(start); waited > 0 {
		g.metrics.ObserveQuotaWait(waited)
		g.otel.RecordQuotaWait(ctx, "waited")
		g.log.Debug("quota.wait",
			zap.Float64("cost", cost),
			zap.Int64("wait_ms", waited.Milliseconds()),
		)
	}
	if errors.Is(err, quota.ErrExhausted) {
		g.otel.RecordQuotaWait(ctx, quota.ErrExhausted.Error())
	}
	return err
}
