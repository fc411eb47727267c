// Package fetcher pages through remote orders under the quota throttle.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/quota"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Config struct {
	// QueryCost is the credit estimate checked before each page request.
	QueryCost float64
	// MaxWait bounds how long a page request may wait for credits.
	MaxWait time.Duration
}

type Fetcher struct {
	source   domain.Source
	throttle *quota.Throttle
	cfg      Config
	log      *zap.Logger
}

func New(source domain.Source, throttle *quota.Throttle, cfg Config, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		source:   source,
		throttle: throttle,
		cfg:      cfg,
		log:      log.Named("fetcher"),
	}
}

// FetchAll returns a stream over every order matching filter. Pages are
// requested lazily as the caller calls Next, so a caller that stops early
// spends no credits on pages it never reads.
func (f *Fetcher) FetchAll(filter domain.Filter) *Stream {
	return &Stream{fetcher: f, filter: filter}
}

// Stream is a pull iterator over pages.
//
//	for s.Next(ctx) {
//		handle(s.Batch())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	fetcher *Fetcher
	filter  domain.Filter

	cursor string
	batch  []domain.Order
	done   bool
	err    error
	pages  int
	cost   float64
}

// Next fetches the next non-empty page. It returns false when the stream is
// exhausted or failed.
func (s *Stream) Next(ctx context.Context) bool {
	s.batch = nil
	if s.done {
		return false
	}

	f := s.fetcher
	ok, err := f.throttle.WaitFor(ctx, f.cfg.QueryCost, f.cfg.MaxWait)
	if err != nil {
		return s.fail(err)
	}
	if !ok {
		return s.fail(quota.ErrExhausted)
	}

	ctx, span := otel.Tracer("github.com/smallbiznis/declara/internal/fetcher").Start(ctx, "fetcher.page")
	span.SetAttributes(
		attribute.String("filter", s.filter.Name),
		attribute.Int("page", s.pages+1),
	)
	defer span.End()

	page, err := f.source.Query(ctx, s.filter, s.cursor)
	if err != nil {
		// The remote counts failed requests against its window too.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			f.throttle.RecordUsage(0, nil)
		}
		return s.fail(fmt.Errorf("fetch %s page %d: %w", s.filter.Name, s.pages+1, err))
	}
	s.pages++
	s.cost += page.Cost.Actual
	f.throttle.RecordUsage(page.Cost.Actual, page.Cost.Remaining)

	f.log.Debug("fetcher.page",
		zap.String("filter", s.filter.Name),
		zap.Int("page", s.pages),
		zap.Int("orders", len(page.Orders)),
		zap.Bool("has_more", page.HasMore),
		zap.Float64("cost", page.Cost.Actual),
	)

	if len(page.Orders) == 0 {
		s.done = true
		return false
	}
	if !page.HasMore || page.NextCursor == "" {
		s.done = true
	}
	s.cursor = page.NextCursor
	s.batch = page.Orders
	return true
}

func (s *Stream) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

// Batch returns the orders of the current page.
func (s *Stream) Batch() []domain.Order { return s.batch }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Pages returns how many pages were fetched.
func (s *Stream) Pages() int { return s.pages }

// Cost returns the credits charged for all pages fetched so far.
func (s *Stream) Cost() float64 { return s.cost }
