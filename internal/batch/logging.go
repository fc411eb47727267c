package batch

import (
	"context"
	"time"

	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	obslogger "github.com/smallbiznis/declara/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/processor"
	"go.uber.org/zap"
)

func (r *Runner) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, r.log)
}

func (r *Runner) logRunStart(ctx context.Context, run *batchRun) {
	r.logger(ctx).Info("batch.run.start",
		zap.String("cursor", run.rules.CursorName),
		zap.Time("since", run.summary.CursorFrom),
		zap.Int("filters", len(run.rules.Filters)),
		zap.Bool("simulation", run.rules.Simulation),
	)
}

func (r *Runner) logRunFinish(ctx context.Context, run *batchRun) {
	s := run.summary
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.String("stop_reason", s.StopReason),
		zap.Int64("duration_ms", run.elapsed().Milliseconds()),
		zap.Int("queried", s.Queried),
		zap.Int("processed", s.Processed),
		zap.Int("skipped", s.Skipped),
		zap.Int("errored", s.Errored),
		zap.Int("deferred", s.Deferred),
		zap.Float64("credits_used", s.CreditsUsed),
	}
	if s.CursorTo != nil {
		fields = append(fields, zap.Time("cursor_to", *s.CursorTo))
	}
	log := r.logger(ctx)
	switch {
	case s.Status == batchdomain.StatusFailed:
		log.Error("batch.run.finish", fields...)
	case s.Errored > 0 || s.StopReason != "":
		log.Warn("batch.run.finish", fields...)
	default:
		log.Info("batch.run.finish", fields...)
	}
}

func (r *Runner) logRecord(ctx context.Context, filter string, res processor.Result) {
	log := r.logger(ctx)
	switch res.Status {
	case processor.StatusSkipped:
		log.Debug("batch.record.skipped",
			zap.String("filter", filter),
			zap.String("order_id", res.OrderID),
			zap.String("reason", res.Reason),
		)
	case processor.StatusError:
		log.Error("batch.record.failed",
			zap.String("filter", filter),
			zap.String("order_id", res.OrderID),
			zap.String("reason", res.Reason),
			zap.String("error_type", obsmetrics.ClassifyBatchErrorReason(res.Err)),
			zap.Bool("retryable", domain.IsRetryable(res.Err)),
			zap.Error(res.Err),
		)
	case processor.StatusDeferred:
		log.Warn("batch.record.deferred",
			zap.String("filter", filter),
			zap.String("order_id", res.OrderID),
			zap.String("reason", res.Reason),
		)
	default:
		log.Debug("batch.record.processed",
			zap.String("filter", filter),
			zap.String("order_id", res.OrderID),
			zap.Float64("credits_used", res.CreditsUsed),
		)
	}
}

func (r *Runner) logFetchError(ctx context.Context, filter string, err error) {
	r.logger(ctx).Error("batch.fetch.failed",
		zap.String("filter", filter),
		zap.String("error_type", obsmetrics.ClassifyBatchErrorReason(err)),
		zap.Bool("retryable", domain.IsRetryable(err)),
		zap.Error(err),
	)
}

func (r *Runner) logStoreError(ctx context.Context, msg, store string, err error) {
	r.metrics.IncStoreError(store, err)
	r.logger(ctx).Warn(msg,
		zap.String("store", store),
		zap.String("error_type", obsmetrics.ClassifyBatchErrorReason(err)),
		zap.Error(err),
	)
}

func (r *batchRun) elapsed() time.Duration {
	return r.clock.Now().Sub(r.summary.StartedAt)
}
