package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/quota"
	"gorm.io/gorm"
)

func TestClassifyBatchErrorReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: BatchErrorReasonDeadlineExceeded},
		{name: "quota", err: quota.ErrExhausted, want: BatchErrorReasonQuotaExhausted},
		{name: "auth", err: fmt.Errorf("query: %w", domain.ErrAuth), want: BatchErrorReasonAuth},
		{name: "rejected", err: &domain.MutationError{OrderID: "1"}, want: BatchErrorReasonMutationRejected},
		{name: "transport", err: fmt.Errorf("fetch: %w", domain.ErrTransport), want: BatchErrorReasonTransport},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: BatchErrorReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: BatchErrorReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: BatchErrorReasonUniqueViolation},
		{name: "db", err: &pgconn.PgError{Code: "08006"}, want: BatchErrorReasonDB},
		{name: "unknown", err: errors.New("boom"), want: BatchErrorReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyBatchErrorReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newBatchMetrics(registry, Config{ServiceName: "declara", Environment: "test"})

	metrics.ObserveRun("completed", "quota_exhausted", 3*time.Second)
	metrics.ObserveRun("completed", "", time.Second)

	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("completed", "quota_exhausted")); got != 1 {
		t.Fatalf("expected 1 quota-stopped run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.stops.WithLabelValues("quota_exhausted")); got != 1 {
		t.Fatalf("expected 1 early stop, got %v", got)
	}
}

func TestIncStoreErrorClassifies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newBatchMetrics(registry, Config{})

	metrics.IncStoreError(StoreCursor, &pgconn.PgError{Code: "40001"})
	metrics.IncStoreError(StoreCursor, nil)

	got := testutil.ToFloat64(metrics.storeErrors.WithLabelValues(StoreCursor, BatchErrorReasonSerializationFailure))
	if got != 1 {
		t.Fatalf("expected 1 store error, got %v", got)
	}
}

func TestAddCreditsUsedIgnoresNonPositive(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newBatchMetrics(registry, Config{})

	metrics.AddCreditsUsed(12.5)
	metrics.AddCreditsUsed(-3)

	if got := testutil.ToFloat64(metrics.creditsUsed); got != 12.5 {
		t.Fatalf("expected 12.5 credits, got %v", got)
	}
}
