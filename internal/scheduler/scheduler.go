package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"github.com/smallbiznis/declara/internal/clock"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/lease"
	obscontext "github.com/smallbiznis/declara/internal/observability/context"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

var (
	ErrInvalidConfig = errors.New("scheduler requires rules, runner and locker")
	ErrLeaseHeld     = errors.New("batch lease is held by another worker")
)

// Runner executes a single batch.
type Runner interface {
	RunBatch(ctx context.Context) (batchdomain.Summary, error)
}

type Params struct {
	fx.In

	Rules   *config.RulesHolder
	Runner  Runner
	Locker  lease.Locker
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.BatchMetrics `optional:"true"`
}

type Scheduler struct {
	rules   *config.RulesHolder
	runner  Runner
	locker  lease.Locker
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.BatchMetrics

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
	wg    sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if p.Rules == nil || p.Runner == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		rules:   p.Rules,
		runner:  p.Runner,
		locker:  p.Locker,
		clock:   clk,
		log:     log.Named("scheduler").With(zap.String("component", "scheduler")),
		metrics: p.Metrics,
	}, nil
}

// RunOnce runs one batch under the cursor lease and the configured run
// timeout. It returns ErrLeaseHeld when another worker owns the cursor.
func (s *Scheduler) RunOnce(parent context.Context) (batchdomain.Summary, error) {
	rules := s.rules.Get()
	ctx := obscontext.WithActor(parent, "system", "scheduler")
	ctx, _ = obscontext.EnsureCorrelationID(ctx)

	release, err := s.acquire(ctx, rules)
	if err != nil {
		return batchdomain.Summary{}, err
	}
	defer release()
	return s.run(ctx, rules)
}

// Trigger starts a batch in the background and returns its correlation id.
// The lease is taken before returning so callers learn about overlaps.
func (s *Scheduler) Trigger(parent context.Context) (string, error) {
	rules := s.rules.Get()
	ctx := context.WithoutCancel(parent)
	ctx, cid := obscontext.EnsureCorrelationID(ctx)

	release, err := s.acquire(ctx, rules)
	if err != nil {
		return cid, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		_, _ = s.run(ctx, rules)
	}()
	return cid, nil
}

// Wait blocks until background runs started by Trigger have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(parent context.Context, rules config.Rules) (batchdomain.Summary, error) {
	ctx := parent
	if rules.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, rules.RunTimeout)
		defer cancel()
	}

	start := s.clock.Now()
	summary, err := s.runner.RunBatch(ctx)
	fields := []zap.Field{
		zap.String("batch_id", summary.ID.String()),
		zap.String("status", string(summary.Status)),
		zap.String("stop_reason", summary.StopReason),
		zap.Int("processed", summary.Processed),
		zap.Int64("duration_ms", s.clock.Now().Sub(start).Milliseconds()),
	}
	log := s.logger(ctx)
	if err != nil {
		log.Warn("scheduler.run.failed", append(fields, zap.Error(err))...)
		return summary, err
	}
	log.Info("scheduler.run.finish", fields...)
	return summary, nil
}

func (s *Scheduler) acquire(ctx context.Context, rules config.Rules) (func(), error) {
	key := lease.BatchKey(rules.CursorName)
	token, ok, err := s.locker.TryLock(ctx, key, leaseTTL(rules))
	if err != nil {
		s.logger(ctx).Error("scheduler.lease.error", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.IncLeaseSkipped()
		}
		s.logger(ctx).Info("scheduler.lease.held", zap.String("key", key))
		return nil, ErrLeaseHeld
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lease.release_failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// leaseTTL never lets the lease expire before the run deadline.
func leaseTTL(rules config.Rules) time.Duration {
	ttl := rules.LeaseTTL
	if rules.RunTimeout > ttl {
		ttl = rules.RunTimeout + time.Minute
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return ttl
}

// Start registers the cron entry. An empty schedule disables periodic runs.
func (s *Scheduler) Start() error {
	spec := strings.TrimSpace(s.rules.Get().Schedule)
	if spec == "" {
		s.log.Info("scheduler.disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	id, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil && !errors.Is(err, ErrLeaseHeld) {
			s.log.Warn("scheduler.tick.failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.entry = id
	s.log.Info("scheduler.started",
		zap.String("schedule", spec),
		zap.Time("next_run", c.Entry(id).Next),
	)
	return nil
}

// NextRun reports when the cron entry fires next, or the zero time when
// the scheduler is not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Stop halts the cron and waits for in-flight runs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler.stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
