// Package processor validates one order, computes its declared values and
// writes them back.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/declara/internal/allocation"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/quota"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// tolerance absorbs cent rounding when checking allocation totals.
var tolerance = decimal.RequireFromString("0.01")

type Allocator interface {
	Distribute(items []allocation.Item, capValue decimal.Decimal) []allocation.Allocation
}

// UsageRecorder receives the cost of every remote call.
type UsageRecorder interface {
	RecordUsage(actual float64, serverRemaining *float64)
}

type Config struct {
	TargetDestination string
	Tag               string
	FieldNamespace    string
	FieldKey          string
	MaxValue          decimal.Decimal
	Simulation        bool
	MutationCost      float64
}

type Processor struct {
	cfg       Config
	allocator Allocator
	sink      domain.Sink
	gate      Gate
	usage     UsageRecorder
	log       *zap.Logger
}

func New(cfg Config, allocator Allocator, sink domain.Sink, gate Gate, usage UsageRecorder, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		allocator: allocator,
		sink:      sink,
		gate:      gate,
		usage:     usage,
		log:       log.Named("processor"),
	}
}

// Process never returns an error: every failure, including a panic, is
// reported through the Result.
func (p *Processor) Process(ctx context.Context, o domain.Order) (res Result) {
	ctx, span := otel.Tracer("github.com/smallbiznis/declara/internal/processor").Start(ctx, "processor.order")
	span.SetAttributes(attribute.String("order_id", o.ID))
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				OrderID:     o.ID,
				Status:      StatusError,
				Reason:      ReasonInternal,
				Err:         fmt.Errorf("panic processing order %s: %v", o.ID, r),
				CreditsUsed: res.CreditsUsed,
				CreatedAt:   o.CreatedAt,
			}
			p.log.Error("processor.order.panic", zap.String("order_id", o.ID), zap.Any("panic", r))
		}
		span.SetAttributes(
			attribute.String("status", string(res.Status)),
			attribute.String("reason", res.Reason),
		)
		span.End()
	}()

	res = Result{OrderID: o.ID, CreatedAt: o.CreatedAt}

	if reason := p.skipReason(o); reason != "" {
		res.Status = StatusSkipped
		res.Reason = reason
		p.log.Debug("processor.order.skipped", zap.String("order_id", o.ID), zap.String("reason", reason))
		return res
	}

	items := make([]allocation.Item, len(o.LineItems))
	for i, li := range o.LineItems {
		items[i] = allocation.Item{ID: li.ID, UnitPrice: li.UnitPrice, Quantity: li.Quantity}
	}
	capValue := decimal.Min(p.cfg.MaxValue, o.Total)
	allocs := p.allocator.Distribute(items, capValue)
	if err := checkAllocations(allocs, len(items), capValue); err != nil {
		res.Status = StatusError
		res.Reason = ReasonAllocationInvariant
		res.Err = fmt.Errorf("order %s: %w", o.ID, err)
		p.log.Error("processor.allocation.invalid", zap.String("order_id", o.ID), zap.Error(err))
		return res
	}
	res.Allocations = allocs

	if p.cfg.Simulation {
		res.Status = StatusProcessed
		p.log.Info("processor.order.simulated",
			zap.String("order_id", o.ID),
			zap.String("cap", capValue.StringFixed(2)),
			zap.Int("line_items", len(allocs)),
		)
		return res
	}

	fields := make([]domain.FieldUpdate, 0, len(allocs))
	for _, a := range allocs {
		fields = append(fields, domain.FieldUpdate{
			OwnerID:   a.LineItemID,
			Namespace: p.cfg.FieldNamespace,
			Key:       p.cfg.FieldKey,
			Value:     a.Value.StringFixed(2),
		})
	}

	if failed := p.mutate(ctx, &res, func(ctx context.Context) (domain.Cost, error) {
		return p.sink.ApplyFieldUpdates(ctx, o.ID, fields)
	}); failed {
		return res
	}
	if failed := p.mutate(ctx, &res, func(ctx context.Context) (domain.Cost, error) {
		return p.sink.ApplyTag(ctx, o.ID, p.cfg.Tag)
	}); failed {
		return res
	}

	res.Status = StatusProcessed
	return res
}

func (p *Processor) skipReason(o domain.Order) string {
	dest := strings.TrimSpace(o.Destination)
	switch {
	case dest == "":
		return ReasonMissingDestination
	case !strings.EqualFold(dest, strings.TrimSpace(p.cfg.TargetDestination)):
		return ReasonWrongDestination
	case o.HasTag(p.cfg.Tag):
		return ReasonAlreadyTagged
	case !hasBillable(o.LineItems):
		return ReasonNoBillableItems
	case !o.Total.IsPositive():
		return ReasonNonPositiveTotal
	}
	return ""
}

// mutate gates and sends one mutation, charging its cost. It reports true
// when res was finalized as a failure.
func (p *Processor) mutate(ctx context.Context, res *Result, call func(context.Context) (domain.Cost, error)) bool {
	if err := p.gate.Acquire(ctx, p.cfg.MutationCost); err != nil {
		res.Status = StatusDeferred
		res.Reason = ReasonQuotaExhausted
		if !errors.Is(err, quota.ErrExhausted) {
			res.Reason = ReasonCanceled
		}
		res.Err = err
		return true
	}

	cost, err := call(ctx)
	res.CreditsUsed += cost.Actual
	if p.usage != nil {
		p.usage.RecordUsage(cost.Actual, cost.Remaining)
	}
	if err == nil {
		return false
	}

	res.Err = err
	res.Status = StatusError
	var mutErr *domain.MutationError
	switch {
	case errors.As(err, &mutErr):
		res.Reason = ReasonMutationRejected
	case errors.Is(err, domain.ErrAuth):
		res.Reason = ReasonAuth
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusDeferred
		res.Reason = ReasonCanceled
	default:
		res.Reason = ReasonTransport
	}
	p.log.Warn("processor.mutation.failed",
		zap.String("order_id", res.OrderID),
		zap.String("reason", res.Reason),
		zap.Bool("retryable", domain.IsRetryable(err)),
		zap.Error(err),
	)
	return true
}

func hasBillable(items []domain.LineItem) bool {
	for _, li := range items {
		if li.UnitPrice.IsPositive() {
			return true
		}
	}
	return false
}

func checkAllocations(allocs []allocation.Allocation, want int, capValue decimal.Decimal) error {
	if len(allocs) != want {
		return fmt.Errorf("allocation count %d does not match %d line items", len(allocs), want)
	}
	sum := decimal.Zero
	for _, a := range allocs {
		if a.Value.IsNegative() {
			return fmt.Errorf("negative allocation %s for line item %s", a.Value, a.LineItemID)
		}
		if !a.Complimentary {
			sum = sum.Add(a.Value)
		}
	}
	if sum.GreaterThan(capValue.Add(tolerance)) {
		return fmt.Errorf("allocated %s exceeds cap %s", sum.StringFixed(2), capValue.StringFixed(2))
	}
	return nil
}
