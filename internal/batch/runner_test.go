package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"github.com/smallbiznis/declara/internal/batch/repository"
	"github.com/smallbiznis/declara/internal/clock"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/observability/events"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/order/memory"
	"github.com/smallbiznis/declara/internal/processor"
	"github.com/smallbiznis/declara/internal/watermark"
	watermarkdomain "github.com/smallbiznis/declara/internal/watermark/domain"
	watermarkrepo "github.com/smallbiznis/declara/internal/watermark/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	runner    *Runner
	summaries *Summaries
	cursors   *watermark.Service
	clock     *clock.FakeClock
	events    *recordingTelemetry
	db        *gorm.DB
}

type recordingTelemetry struct {
	mu      sync.Mutex
	names   []string
	flushed int
}

func (r *recordingTelemetry) Emit(_ context.Context, name string, _ events.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingTelemetry) Flush(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
}

type panickingTelemetry struct {
	onEmit  bool
	onFlush bool
}

func (p panickingTelemetry) Emit(context.Context, string, events.Fields) {
	if p.onEmit {
		panic("sink down")
	}
}

func (p panickingTelemetry) Flush(context.Context) {
	if p.onFlush {
		panic("flush down")
	}
}

type failingCursors struct {
	*watermark.Service
	getErr error
}

func (f failingCursors) Get(context.Context, string, time.Time) (time.Time, error) {
	return time.Time{}, f.getErr
}

// routedSource fails queries for one filter and delegates the rest.
type routedSource struct {
	domain.Source
	failFilter string
	err        error
	panics     bool
}

func (s routedSource) Query(ctx context.Context, f domain.Filter, cursor string) (domain.Page, error) {
	if s.panics {
		panic("decoder exploded")
	}
	if f.Name == s.failFilter {
		return domain.Page{}, s.err
	}
	return s.Source.Query(ctx, f, cursor)
}

// filterSources serves each filter from its own store.
type filterSources map[string]*memory.Store

func (s filterSources) Query(ctx context.Context, f domain.Filter, cursor string) (domain.Page, error) {
	return s[f.Name].Query(ctx, f, cursor)
}

func (s filterSources) owner(orderID string) *memory.Store {
	for _, store := range s {
		if _, ok := store.Order(orderID); ok {
			return store
		}
	}
	return nil
}

func (s filterSources) ApplyFieldUpdates(ctx context.Context, orderID string, fields []domain.FieldUpdate) (domain.Cost, error) {
	return s.owner(orderID).ApplyFieldUpdates(ctx, orderID, fields)
}

func (s filterSources) ApplyTag(ctx context.Context, orderID, tag string) (domain.Cost, error) {
	return s.owner(orderID).ApplyTag(ctx, orderID, tag)
}

func testRules() config.Rules {
	r := config.DefaultRules()
	r.AllocationSeed = 7
	r.MaxValue = 25
	r.QueryCost = 10
	r.MutationCost = 10
	r.Filters = []config.FilterRule{{Name: "us-open", Destination: "US"}}
	r.Throttle = config.ThrottleRules{MaxCredits: 1000, RestoreRate: 50, Window: time.Minute}
	return r
}

func order(id string, createdAt time.Time, total string, tags ...string) domain.Order {
	return domain.Order{
		ID:          id,
		Total:       decimal.RequireFromString(total),
		Destination: "US",
		Tags:        tags,
		CreatedAt:   createdAt,
		LineItems: []domain.LineItem{
			{ID: id + "-a", UnitPrice: decimal.NewFromInt(50), Quantity: 1},
			{ID: id + "-b", UnitPrice: decimal.NewFromInt(30), Quantity: 1},
			{ID: id + "-c", UnitPrice: decimal.NewFromInt(20), Quantity: 1},
		},
	}
}

func setupHarness(t *testing.T, rules config.Rules, source domain.Source, sink domain.Sink, opts ...func(*Params)) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&watermarkdomain.Cursor{}, &batchdomain.Summary{}))

	clk := clock.NewFakeClock(now)
	cursors, err := watermark.New(watermark.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  watermarkrepo.Provide(),
	})
	require.NoError(t, err)
	summaries := NewSummaries(SummariesParams{DB: db, Repo: repository.Provide()})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	telemetry := &recordingTelemetry{}

	p := Params{
		Rules:     config.NewStaticRulesHolder(rules),
		Source:    source,
		Sink:      sink,
		Cursors:   cursors,
		Summaries: summaries,
		Clock:     clk,
		GenID:     node,
		Log:       zap.NewNop(),
		Telemetry: telemetry,
	}
	for _, opt := range opts {
		opt(&p)
	}
	runner, err := NewRunner(p)
	require.NoError(t, err)
	return &harness{runner: runner, summaries: summaries, cursors: cursors, clock: clk, events: telemetry, db: db}
}

func (h *harness) cursor(t *testing.T, name string) time.Time {
	t.Helper()
	got, err := h.cursors.Get(context.Background(), name, time.Time{})
	require.NoError(t, err)
	return got
}

func TestRunBatchProcessesEligibleOrders(t *testing.T) {
	store := memory.New(memory.Options{QueryCost: 10, MutationCost: 10},
		order("1001", now.Add(-3*time.Hour), "100"),
		order("1002", now.Add(-2*time.Hour), "100", "declared-value-set"),
		order("1003", now.Add(-time.Hour), "0"),
	)
	h := setupHarness(t, testRules(), store, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
	assert.Empty(t, summary.StopReason)
	assert.Equal(t, 3, summary.Queried)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Errored)
	assert.Equal(t, float64(30), summary.CreditsUsed)
	require.NotNil(t, summary.CursorTo)
	assert.True(t, summary.CursorTo.Equal(now.Add(-3*time.Hour)))
	assert.True(t, summary.CursorFrom.Equal(now.Add(-7*24*time.Hour)))

	o, _ := store.Order("1001")
	assert.True(t, o.HasTag("declared-value-set"))
	total := decimal.Zero
	for _, f := range store.Fields("1001") {
		total = total.Add(decimal.RequireFromString(f.Value))
	}
	assert.True(t, total.Equal(decimal.NewFromInt(25)), "declared %s", total)
	assert.Equal(t, 1, store.Calls().FieldUpdates, "only the eligible order is written")

	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-3*time.Hour)))

	stored, err := h.summaries.Get(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Processed)
	assert.Equal(t, 2, stored.Skipped)
	require.NotNil(t, stored.CompletedAt)

	assert.Equal(t, []string{"batch.run.start", "batch.run.finish"}, h.events.names)
	assert.Equal(t, 1, h.events.flushed)
}

func TestRunBatchResumesAfterWatermark(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-3*time.Hour), "100"))
	h := setupHarness(t, testRules(), store, store)

	_, err := h.runner.RunBatch(context.Background())
	require.NoError(t, err)

	store.Add(order("1002", now.Add(-time.Hour), "100"))
	second, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, second.Queried, "already covered orders are not fetched again")
	assert.Equal(t, 1, second.Processed)
	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-time.Hour)))
}

func TestRunBatchSimulationLeavesRemoteAndCursorAlone(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	rules := testRules()
	rules.Simulation = true
	h := setupHarness(t, rules, store, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.True(t, summary.Simulation)
	assert.Equal(t, 1, summary.Processed)
	assert.Nil(t, summary.CursorTo)
	assert.Zero(t, store.Calls().FieldUpdates)
	assert.Zero(t, store.Calls().Tags)
	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-7*24*time.Hour)))
}

func TestRunBatchStopsGracefullyWhenQuotaRunsOut(t *testing.T) {
	budget := float64(50)
	store := memory.New(memory.Options{QueryCost: 10, MutationCost: 10, Budget: &budget},
		order("1001", now.Add(-5*time.Hour), "100"),
		order("1002", now.Add(-4*time.Hour), "100"),
		order("1003", now.Add(-3*time.Hour), "100"),
		order("1004", now.Add(-2*time.Hour), "100"),
	)
	rules := testRules()
	rules.Throttle.RestoreRate = 0
	h := setupHarness(t, rules, store, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
	assert.Equal(t, batchdomain.StopQuotaExhausted, summary.StopReason)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Deferred)
	assert.Zero(t, summary.Errored)
	assert.Equal(t, 4, store.Calls().FieldUpdates+store.Calls().Tags)
	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-4*time.Hour)))

	o, _ := store.Order("1003")
	assert.False(t, o.HasTag("declared-value-set"))
}

func TestRunBatchDeadlineProducesPartialSummary(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	h := setupHarness(t, testRules(), store, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.runner.RunBatch(ctx)

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
	assert.Equal(t, batchdomain.StopDeadlineExceeded, summary.StopReason)
	assert.Zero(t, summary.Processed)

	stored, err := h.summaries.Get(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, stored.Status, "the summary is persisted after the deadline")
}

func TestRunBatchFallsBackWhenCursorUnreadable(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	h := setupHarness(t, testRules(), store, store, func(p *Params) {
		p.Cursors = failingCursors{Service: p.Cursors.(*watermark.Service), getErr: errors.New("connection reset")}
	})

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.True(t, summary.CursorFrom.Equal(now.Add(-7*24*time.Hour)))
	assert.Equal(t, 1, summary.Processed)
	require.NotNil(t, summary.CursorTo)
}

func TestRunBatchContinuesAfterFailedFilter(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	source := routedSource{
		Source:     store,
		failFilter: "broken",
		err:        fmt.Errorf("search: %w", domain.ErrTransport),
	}
	rules := testRules()
	rules.Filters = []config.FilterRule{{Name: "broken"}, {Name: "us-open", Destination: "US"}}
	h := setupHarness(t, rules, source, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "broken", summary.Errors[0].Filter)
	assert.Equal(t, processor.ReasonTransport, summary.Errors[0].Reason)
	assert.Nil(t, summary.CursorTo, "orders of the failed filter are still ahead")
	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-7*24*time.Hour)))
}

func TestRunBatchKeepsDeferredOrdersOfLaterFilters(t *testing.T) {
	budget := float64(40)
	opts := memory.Options{QueryCost: 10, MutationCost: 10, Budget: &budget}
	sources := filterSources{
		"first":  memory.New(opts, order("A1", now.Add(-time.Hour), "100")),
		"second": memory.New(opts, order("B1", now.Add(-3*time.Hour), "100")),
	}
	rules := testRules()
	rules.Throttle.RestoreRate = 0
	rules.Filters = []config.FilterRule{
		{Name: "first", Destination: "US"},
		{Name: "second", Destination: "US"},
	}
	h := setupHarness(t, rules, sources, sources)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StopQuotaExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Deferred)
	require.NotNil(t, summary.CursorTo)
	assert.True(t, summary.CursorTo.Before(now.Add(-3*time.Hour)), "cursor %s", summary.CursorTo)
	b1, _ := sources["second"].Order("B1")
	assert.False(t, b1.HasTag("declared-value-set"))

	budget = 1000
	second, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Empty(t, second.StopReason)
	assert.Equal(t, 1, second.Processed)
	assert.Equal(t, 1, second.Skipped, "the order handled last time is already tagged")
	b1, _ = sources["second"].Order("B1")
	assert.True(t, b1.HasTag("declared-value-set"))
}

func TestRunBatchHoldsCursorWhenLaterFiltersNeverRan(t *testing.T) {
	budget := float64(30)
	opts := memory.Options{QueryCost: 10, MutationCost: 10, Budget: &budget}
	sources := filterSources{
		"first": memory.New(opts,
			order("A1", now.Add(-time.Hour), "100"),
			order("A2", now.Add(-30*time.Minute), "100"),
		),
		"second": memory.New(opts, order("B1", now.Add(-3*time.Hour), "100")),
	}
	rules := testRules()
	rules.Throttle.RestoreRate = 0
	rules.Filters = []config.FilterRule{
		{Name: "first", Destination: "US"},
		{Name: "second", Destination: "US"},
	}
	h := setupHarness(t, rules, sources, sources)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, batchdomain.StopQuotaExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Deferred)
	assert.Zero(t, sources["second"].Calls().Queries)
	assert.Nil(t, summary.CursorTo)
	assert.True(t, h.cursor(t, "orders").Equal(now.Add(-7*24*time.Hour)))
}

func TestRunBatchAuthFailureFailsRun(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	source := routedSource{Source: store, failFilter: "us-open", err: domain.ErrAuth}
	h := setupHarness(t, testRules(), source, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.ErrorIs(t, err, batchdomain.ErrRunFailed)
	assert.Equal(t, batchdomain.StatusFailed, summary.Status)
	assert.Equal(t, batchdomain.StopAuthError, summary.StopReason)
	assert.Nil(t, summary.CursorTo)
}

func TestRunBatchRecoversPanicAsFailed(t *testing.T) {
	store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
	h := setupHarness(t, testRules(), routedSource{Source: store, panics: true}, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.Error(t, err)
	assert.Equal(t, batchdomain.StatusFailed, summary.Status)
	assert.Equal(t, batchdomain.StopInternalError, summary.StopReason)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Message, "decoder exploded")
}

func TestRunBatchBoundsErrorList(t *testing.T) {
	orders := make([]domain.Order, 4)
	for i := range orders {
		orders[i] = order(fmt.Sprintf("20%02d", i), now.Add(-time.Duration(4-i)*time.Hour), "100")
	}
	store := memory.New(memory.Options{}, orders...)
	for _, o := range orders {
		store.RejectMutations(o.ID)
	}
	rules := testRules()
	rules.ErrorLimit = 2
	h := setupHarness(t, rules, store, store)

	summary, err := h.runner.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, summary.Errored)
	assert.Len(t, summary.Errors, 2)
	assert.Equal(t, 2, summary.ErrorsDropped)
	assert.Equal(t, processor.ReasonMutationRejected, summary.Errors[0].Reason)
	assert.Nil(t, summary.CursorTo, "errored orders do not move the watermark")
}

func TestRunBatchIgnoresTelemetryFailures(t *testing.T) {
	tests := []struct {
		name      string
		telemetry panickingTelemetry
	}{
		{name: "emit", telemetry: panickingTelemetry{onEmit: true}},
		{name: "flush", telemetry: panickingTelemetry{onFlush: true}},
		{name: "both", telemetry: panickingTelemetry{onEmit: true, onFlush: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(memory.Options{}, order("1001", now.Add(-time.Hour), "100"))
			h := setupHarness(t, testRules(), store, store, func(p *Params) {
				p.Telemetry = tt.telemetry
			})

			var (
				summary batchdomain.Summary
				err     error
			)
			require.NotPanics(t, func() {
				summary, err = h.runner.RunBatch(context.Background())
			})

			require.NoError(t, err)
			assert.Equal(t, batchdomain.StatusCompleted, summary.Status)
			assert.Equal(t, 1, summary.Processed)
			stored, err := h.summaries.Get(context.Background(), summary.ID)
			require.NoError(t, err)
			assert.Equal(t, batchdomain.StatusCompleted, stored.Status)
		})
	}
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	_, err := NewRunner(Params{})
	assert.Error(t, err)
}
