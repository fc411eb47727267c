package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/lease"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls    atomic.Int32
	block    chan struct{}
	started  chan struct{}
	deadline atomic.Bool
	err      error
}

func (f *fakeRunner) RunBatch(ctx context.Context) (batchdomain.Summary, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); ok {
		f.deadline.Store(true)
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return batchdomain.Summary{ID: 7, Status: batchdomain.StatusCompleted}, f.err
}

type failingLocker struct{}

func (failingLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func (failingLocker) Release(context.Context, string, string) error { return nil }

func newScheduler(t *testing.T, rules config.Rules, runner Runner, locker lease.Locker) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Rules:  config.NewStaticRulesHolder(rules),
		Runner: runner,
		Locker: locker,
	})
	require.NoError(t, err)
	return s
}

func TestRunOnceAppliesRunTimeout(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, config.DefaultRules(), runner, lease.NewLocalLocker(nil))

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
	assert.True(t, runner.deadline.Load())
}

func TestRunOnceReturnsRunnerError(t *testing.T) {
	runner := &fakeRunner{err: batchdomain.ErrRunFailed}
	s := newScheduler(t, config.DefaultRules(), runner, lease.NewLocalLocker(nil))

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, batchdomain.ErrRunFailed)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	rules := config.DefaultRules()
	locker := lease.NewLocalLocker(nil)
	_, ok, err := locker.TryLock(context.Background(), lease.BatchKey(rules.CursorName), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	runner := &fakeRunner{}
	s, err := New(Params{
		Rules:   config.NewStaticRulesHolder(rules),
		Runner:  runner,
		Locker:  locker,
		Metrics: obsmetrics.BatchWithConfig(obsmetrics.Config{ServiceName: "declara", Environment: "test"}),
	})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Zero(t, runner.calls.Load())

	count, err := testutil.GatherAndCount(registry, "declara_batch_lease_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1.0, counterValue(t, registry, "declara_batch_lease_skipped_total"))
}

func TestRunOnceFailsWhenLeaseBackendErrors(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, config.DefaultRules(), runner, failingLocker{})

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLeaseHeld)
	assert.Zero(t, runner.calls.Load())
}

func TestTriggerRunsInBackgroundAndHoldsLease(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newScheduler(t, config.DefaultRules(), runner, lease.NewLocalLocker(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cid, err := s.Trigger(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cid)
	cancel()

	<-runner.started
	_, err = s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrLeaseHeld)

	close(runner.block)
	s.Wait()
	assert.EqualValues(t, 1, runner.calls.Load())

	// lease released after the background run
	runner.block = nil
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestConcurrentRunOnceSingleWinner(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 4)}
	s := newScheduler(t, config.DefaultRules(), runner, lease.NewLocalLocker(nil))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunOnce(context.Background())
			errs <- err
		}()
	}

	<-runner.started
	time.Sleep(20 * time.Millisecond)
	close(runner.block)
	wg.Wait()
	close(errs)

	held := 0
	for err := range errs {
		if errors.Is(err, ErrLeaseHeld) {
			held++
		}
	}
	assert.EqualValues(t, 1, runner.calls.Load())
	assert.Equal(t, 3, held)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	rules := config.DefaultRules()
	rules.Schedule = "not a schedule"
	s := newScheduler(t, rules, &fakeRunner{}, lease.NewLocalLocker(nil))

	require.Error(t, s.Start())
	assert.True(t, s.NextRun().IsZero())
}

func TestStartAndStop(t *testing.T) {
	rules := config.DefaultRules()
	rules.Schedule = "@every 1h"
	s := newScheduler(t, rules, &fakeRunner{}, lease.NewLocalLocker(nil))

	require.NoError(t, s.Start())
	assert.False(t, s.NextRun().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, s.NextRun().IsZero())
}

func TestEmptyScheduleDisablesCron(t *testing.T) {
	rules := config.DefaultRules()
	rules.Schedule = ""
	s := newScheduler(t, rules, &fakeRunner{}, lease.NewLocalLocker(nil))

	require.NoError(t, s.Start())
	assert.True(t, s.NextRun().IsZero())
}

func TestLeaseTTLCoversRunTimeout(t *testing.T) {
	rules := config.DefaultRules()
	rules.LeaseTTL = time.Minute
	rules.RunTimeout = 10 * time.Minute
	assert.Equal(t, 11*time.Minute, leaseTTL(rules))

	rules.LeaseTTL = time.Hour
	assert.Equal(t, time.Hour, leaseTTL(rules))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetBatchMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetBatchMetricsForTest()
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
