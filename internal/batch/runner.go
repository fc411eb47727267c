// Package batch runs one pass of the declared-value sync: it pages through
// every configured filter, processes each order and records a summary.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/declara/internal/allocation"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"github.com/smallbiznis/declara/internal/clock"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/fetcher"
	obscontext "github.com/smallbiznis/declara/internal/observability/context"
	"github.com/smallbiznis/declara/internal/observability/events"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/processor"
	"github.com/smallbiznis/declara/internal/quota"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// persistTimeout bounds the bookkeeping writes made after a run ends,
// which must succeed even when the run's own context has expired.
const persistTimeout = 10 * time.Second

type CursorStore interface {
	Get(ctx context.Context, name string, defaultStart time.Time) (time.Time, error)
	Advance(ctx context.Context, name string, to time.Time, updatedBy string) (time.Time, error)
	ComputeNextWatermark(processed []time.Time) (time.Time, bool)
}

type SummaryStore interface {
	Create(ctx context.Context, s *batchdomain.Summary) error
	Update(ctx context.Context, s *batchdomain.Summary) error
}

// Telemetry receives run events. Implementations must not block or fail
// the run.
type Telemetry interface {
	Emit(ctx context.Context, name string, fields events.Fields)
	Flush(ctx context.Context)
}

type Params struct {
	fx.In

	Rules     *config.RulesHolder
	Source    domain.Source
	Sink      domain.Sink
	Cursors   CursorStore
	Summaries SummaryStore
	Clock     clock.Clock
	GenID     *snowflake.Node
	Log       *zap.Logger
	Telemetry Telemetry                `optional:"true"`
	Metrics   *obsmetrics.BatchMetrics `optional:"true"`
	Otel      *obsmetrics.Metrics      `optional:"true"`
}

type Runner struct {
	rules     *config.RulesHolder
	source    domain.Source
	sink      domain.Sink
	cursors   CursorStore
	summaries SummaryStore
	clock     clock.Clock
	genID     *snowflake.Node
	log       *zap.Logger
	telemetry Telemetry
	metrics   *obsmetrics.BatchMetrics
	otel      *obsmetrics.Metrics
}

func NewRunner(p Params) (*Runner, error) {
	if p.Rules == nil || p.Source == nil || p.Sink == nil || p.Cursors == nil ||
		p.Summaries == nil || p.GenID == nil {
		return nil, errors.New("batch runner requires rules, source, sink, stores and id generator")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		rules:     p.Rules,
		source:    p.Source,
		sink:      p.Sink,
		cursors:   p.Cursors,
		summaries: p.Summaries,
		clock:     clk,
		genID:     p.GenID,
		log:       log.Named("batch"),
		telemetry: p.Telemetry,
		metrics:   p.Metrics,
		otel:      p.Otel,
	}, nil
}

// batchRun is the state owned by one RunBatch call. Nothing in it outlives
// the call.
type batchRun struct {
	rules     config.Rules
	clock     clock.Clock
	summary   batchdomain.Summary
	throttle  *quota.Throttle
	processor *processor.Processor
	fetcher   *fetcher.Fetcher
	processed []time.Time
	// resumeAt is the oldest creation time left unhandled. The next run
	// must still see it, so the watermark stays below it.
	resumeAt time.Time
}

// RunBatch performs one run. It always returns the summary it recorded;
// the error is non-nil only when the run ended with status failed.
func (r *Runner) RunBatch(ctx context.Context) (batchdomain.Summary, error) {
	rules := r.rules.Get()
	id := r.genID.Generate()

	ctx, cid := obscontext.EnsureCorrelationID(ctx)
	ctx = obscontext.WithBatchID(ctx, id.String())
	ctx, span := otel.Tracer("github.com/smallbiznis/declara/internal/batch").Start(ctx, "batch.run")
	defer span.End()

	run := r.newRun(ctx, rules, id, cid)
	if err := r.summaries.Create(ctx, &run.summary); err != nil {
		r.logStoreError(ctx, "batch.summary.create_failed", obsmetrics.StoreSummary, err)
	}
	r.logRunStart(ctx, run)
	r.emit(ctx, "batch.run.start", events.Fields{
		"batch_id":   id.String(),
		"simulation": rules.Simulation,
		"since":      run.summary.CursorFrom,
	})

	r.execute(ctx, run)
	r.finish(ctx, run)

	s := run.summary
	span.SetAttributes(
		attribute.String("status", string(s.Status)),
		attribute.String("stop_reason", s.StopReason),
		attribute.Int("processed", s.Processed),
	)
	if s.Status == batchdomain.StatusFailed {
		return s, fmt.Errorf("batch %s stopped with %s: %w", id, s.StopReason, batchdomain.ErrRunFailed)
	}
	return s, nil
}

func (r *Runner) newRun(ctx context.Context, rules config.Rules, id snowflake.ID, cid string) *batchRun {
	now := r.clock.Now()
	run := &batchRun{
		rules: rules,
		clock: r.clock,
		summary: batchdomain.Summary{
			ID:            id,
			CorrelationID: cid,
			StartedAt:     now,
			Status:        batchdomain.StatusRunning,
			Simulation:    rules.Simulation,
		},
	}

	run.throttle = quota.New(quota.Config{
		MaxCredits:     rules.Throttle.MaxCredits,
		RestoreRate:    rules.Throttle.RestoreRate,
		CreditBuffer:   rules.Throttle.CreditBuffer,
		WindowRequests: rules.Throttle.WindowRequests,
		Window:         rules.Throttle.Window,
		WindowBuffer:   rules.Throttle.WindowBuffer,
	}, r.clock)
	run.throttle.Reset()

	policy := allocation.Policy{
		ItemMin: decimal.NewFromFloat(rules.ItemMin),
		ItemMax: decimal.NewFromFloat(rules.ItemMax),
	}
	var engine *allocation.Engine
	if rules.AllocationSeed != 0 {
		engine = allocation.NewSeeded(policy, rules.AllocationSeed)
	} else {
		engine = allocation.New(policy, nil)
	}

	log := r.logger(ctx)
	gate := &quotaGate{
		inner:   processor.ThrottleGate{Throttle: run.throttle, MaxWait: rules.MaxQuotaWait},
		clock:   r.clock,
		metrics: r.metrics,
		otel:    r.otel,
		log:     log,
	}
	run.processor = processor.New(processor.Config{
		TargetDestination: rules.TargetDestination,
		Tag:               rules.Tag,
		FieldNamespace:    rules.FieldNamespace,
		FieldKey:          rules.FieldKey,
		MaxValue:          decimal.NewFromFloat(rules.MaxValue),
		Simulation:        rules.Simulation,
		MutationCost:      rules.MutationCost,
	}, engine, r.sink, gate, run.throttle, log)
	run.fetcher = fetcher.New(r.source, run.throttle, fetcher.Config{
		QueryCost: rules.QueryCost,
		MaxWait:   rules.MaxQuotaWait,
	}, log)

	defaultStart := now.Add(-rules.DefaultLookback)
	since, err := r.cursors.Get(ctx, rules.CursorName, defaultStart)
	if err != nil {
		r.logStoreError(ctx, "watermark.fallback", obsmetrics.StoreCursor, err)
		since = defaultStart
	}
	run.summary.CursorFrom = since
	return run
}

// execute walks the filters in order. A panic becomes a failed run that
// keeps its partial counts.
func (r *Runner) execute(ctx context.Context, run *batchRun) {
	defer func() {
		if rec := recover(); rec != nil {
			run.holdAt(run.summary.CursorFrom)
			run.stop(batchdomain.StopInternalError)
			run.addError(batchdomain.ErrorEntry{
				Reason:  batchdomain.StopInternalError,
				Message: fmt.Sprintf("panic: %v", rec),
			})
			r.logger(ctx).Error("batch.run.panic", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	for _, f := range run.rules.Filters {
		if run.summary.StopReason != "" {
			// Filters never started may hold anything after the cursor.
			run.holdAt(run.summary.CursorFrom)
			return
		}
		r.runFilter(ctx, run, f)
	}
}

func (r *Runner) runFilter(ctx context.Context, run *batchRun, f config.FilterRule) {
	filter := domain.Filter{
		Name:        f.Name,
		Destination: f.Destination,
		Query:       f.Query,
		Since:       run.summary.CursorFrom,
		PageSize:    f.PageSize,
	}
	if filter.Destination == "" {
		filter.Destination = run.rules.TargetDestination
	}
	if filter.PageSize <= 0 {
		filter.PageSize = run.rules.PageSize
	}

	// Orders arrive oldest first, so everything past the last handled
	// order is at least as new as it.
	var lastHandled time.Time
	stream := run.fetcher.FetchAll(filter)
	for stream.Next(ctx) {
		batch := stream.Batch()
		run.summary.Queried += len(batch)
		for _, o := range batch {
			if ctx.Err() != nil {
				run.holdAt(o.CreatedAt)
				run.stop(batchdomain.StopDeadlineExceeded)
				return
			}
			res := run.processor.Process(ctx, o)
			r.record(ctx, run, f.Name, res)
			if reason := stopReasonFor(res); reason != "" {
				run.holdAt(o.CreatedAt)
				run.stop(reason)
				return
			}
			if o.CreatedAt.After(lastHandled) {
				lastHandled = o.CreatedAt
			}
		}
	}

	err := stream.Err()
	if err != nil {
		if lastHandled.IsZero() {
			run.holdAt(run.summary.CursorFrom)
		} else {
			run.holdAt(lastHandled)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, quota.ErrExhausted):
		run.stop(batchdomain.StopQuotaExhausted)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.stop(batchdomain.StopDeadlineExceeded)
	default:
		r.metrics.IncFetchError(f.Name, err)
		r.logFetchError(ctx, f.Name, err)
		reason := processor.ReasonTransport
		if errors.Is(err, domain.ErrAuth) {
			reason = processor.ReasonAuth
			run.stop(batchdomain.StopAuthError)
		}
		run.addError(batchdomain.ErrorEntry{Filter: f.Name, Reason: reason, Message: err.Error()})
	}
}

func stopReasonFor(res processor.Result) string {
	switch {
	case res.Status == processor.StatusDeferred && res.Reason == processor.ReasonQuotaExhausted:
		return batchdomain.StopQuotaExhausted
	case res.Status == processor.StatusDeferred:
		return batchdomain.StopDeadlineExceeded
	case res.Reason == processor.ReasonAuth:
		return batchdomain.StopAuthError
	}
	return ""
}

func (r *Runner) record(ctx context.Context, run *batchRun, filter string, res processor.Result) {
	r.logRecord(ctx, filter, res)
	r.metrics.IncRecord(string(res.Status), res.Reason)
	r.otel.RecordOutcome(ctx, filter, string(res.Status), res.Reason)

	switch res.Status {
	case processor.StatusProcessed:
		run.summary.Processed++
		run.processed = append(run.processed, res.CreatedAt)
	case processor.StatusSkipped:
		run.summary.Skipped++
	case processor.StatusDeferred:
		run.summary.Deferred++
	case processor.StatusError:
		run.summary.Errored++
		run.addError(batchdomain.ErrorEntry{
			OrderID: res.OrderID,
			Filter:  filter,
			Reason:  res.Reason,
			Message: res.Message(),
		})
		r.emit(ctx, "batch.record.error", events.Fields{
			"order_id": res.OrderID,
			"reason":   res.Reason,
		})
	}
}

// finish advances the watermark and persists the terminal summary. Both
// writes are best effort.
func (r *Runner) finish(ctx context.Context, run *batchRun) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	s := &run.summary
	now := r.clock.Now()
	s.CompletedAt = &now
	s.CreditsUsed = run.throttle.TotalUsed()
	switch s.StopReason {
	case batchdomain.StopAuthError, batchdomain.StopInternalError:
		s.Status = batchdomain.StatusFailed
	default:
		s.Status = batchdomain.StatusCompleted
	}

	if !run.rules.Simulation {
		if next, ok := run.nextWatermark(r.cursors); ok {
			stored, err := r.cursors.Advance(persistCtx, run.rules.CursorName, next, s.ID.String())
			if err != nil {
				r.logStoreError(ctx, "watermark.advance_failed", obsmetrics.StoreCursor, err)
			} else {
				s.CursorTo = &stored
				r.metrics.SetWatermarkLag(now.Sub(stored))
			}
		}
	}

	if err := r.summaries.Update(persistCtx, s); err != nil {
		r.logStoreError(ctx, "batch.summary.update_failed", obsmetrics.StoreSummary, err)
	}

	r.metrics.ObserveRun(string(s.Status), s.StopReason, run.elapsed())
	r.metrics.AddCreditsUsed(s.CreditsUsed)
	r.otel.RecordBatchRun(persistCtx, string(s.Status), s.StopReason)
	r.otel.RecordCreditsUsed(persistCtx, s.CreditsUsed)
	r.logRunFinish(ctx, run)
	r.emit(persistCtx, "batch.run.finish", events.Fields{
		"batch_id":     s.ID.String(),
		"status":       string(s.Status),
		"stop_reason":  s.StopReason,
		"queried":      s.Queried,
		"processed":    s.Processed,
		"skipped":      s.Skipped,
		"errored":      s.Errored,
		"credits_used": s.CreditsUsed,
	})
	r.flush(persistCtx)
}

func (r *Runner) emit(ctx context.Context, name string, fields events.Fields) {
	if r.telemetry == nil {
		return
	}
	defer r.recoverTelemetry(name)
	r.telemetry.Emit(ctx, name, fields)
}

func (r *Runner) flush(ctx context.Context) {
	if r.telemetry == nil {
		return
	}
	defer r.recoverTelemetry("flush")
	r.telemetry.Flush(ctx)
}

func (r *Runner) recoverTelemetry(event string) {
	if rec := recover(); rec != nil {
		r.log.Warn("batch.telemetry.panic", zap.String("event", event), zap.Any("panic", rec))
	}
}

// holdAt keeps the watermark below t.
func (run *batchRun) holdAt(t time.Time) {
	if run.resumeAt.IsZero() || t.Before(run.resumeAt) {
		run.resumeAt = t
	}
}

// nextWatermark is the latest processed date, capped just below resumeAt.
// It reports false when the cursor would not move forward.
func (run *batchRun) nextWatermark(cursors CursorStore) (time.Time, bool) {
	next, ok := cursors.ComputeNextWatermark(run.processed)
	if !ok {
		return time.Time{}, false
	}
	if !run.resumeAt.IsZero() {
		limit := run.resumeAt.Truncate(time.Microsecond).Add(-time.Microsecond)
		if next.After(limit) {
			next = limit.UTC()
		}
	}
	if !next.After(run.summary.CursorFrom) {
		return time.Time{}, false
	}
	return next, true
}

// stop records the first reason the run ended early.
func (run *batchRun) stop(reason string) {
	if run.summary.StopReason == "" {
		run.summary.StopReason = reason
	}
}

func (run *batchRun) addError(e batchdomain.ErrorEntry) {
	limit := run.rules.ErrorLimit
	if limit > 0 && len(run.summary.Errors) >= limit {
		run.summary.ErrorsDropped++
		return
	}
	run.summary.Errors = append(run.summary.Errors, e)
}
