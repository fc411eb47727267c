package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/declara/internal/order/domain"
	"github.com/smallbiznis/declara/internal/quota"
	"gorm.io/gorm"
)

const (
	BatchErrorReasonDeadlineExceeded     = "deadline_exceeded"
	BatchErrorReasonQuotaExhausted       = "quota_exhausted"
	BatchErrorReasonAuth                 = "auth_error"
	BatchErrorReasonTransport            = "transport_error"
	BatchErrorReasonMutationRejected     = "mutation_rejected"
	BatchErrorReasonDBLockTimeout        = "db_lock_timeout"
	BatchErrorReasonSerializationFailure = "serialization_failure"
	BatchErrorReasonUniqueViolation      = "unique_violation"
	BatchErrorReasonDB                   = "db"
	BatchErrorReasonUnknown              = "unknown"
)

const (
	StoreCursor  = "cursor"
	StoreSummary = "summary"
)

// BatchMetrics captures batch run health for alerting on stalled or failing runs.
type BatchMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Observer
	records       *prometheus.CounterVec
	creditsUsed   prometheus.Counter
	quotaWait     prometheus.Observer
	stops         *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	watermarkLag  prometheus.Gauge
	skippedLeases prometheus.Counter
}

var (
	batchMetricsOnce sync.Once
	batchMetrics     *BatchMetrics
)

// Batch returns the singleton batch metrics registry.
func Batch() *BatchMetrics {
	return BatchWithConfig(Config{})
}

// BatchWithConfig returns the singleton batch metrics registry using config labels.
func BatchWithConfig(cfg Config) *BatchMetrics {
	batchMetricsOnce.Do(func() {
		batchMetrics = newBatchMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return batchMetrics
}

// ResetBatchMetricsForTest resets the batch metrics singleton for tests.
func ResetBatchMetricsForTest() {
	batchMetricsOnce = sync.Once{}
	batchMetrics = nil
}

func newBatchMetrics(registerer prometheus.Registerer, cfg Config) *BatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "declara"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "declara_batch_runs_total",
		Help:        "Batch runs by terminal status and stop reason.",
		ConstLabels: constLabels,
	}, []string{"status", "stop_reason"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "declara_batch_run_duration_seconds",
		Help:        "Batch run wall time.",
		Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		ConstLabels: constLabels,
	})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "declara_batch_records_total",
		Help:        "Records handled by outcome and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"status", "reason"})
	creditsUsed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "declara_quota_credits_used_total",
		Help:        "Remote API credits consumed by batch runs.",
		ConstLabels: constLabels,
	})
	quotaWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "declara_quota_wait_seconds",
		Help:        "Time spent waiting for remote API credits.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	})
	stops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "declara_batch_early_stops_total",
		Help:        "Runs that stopped before exhausting their filters.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "declara_batch_store_errors_total",
		Help:        "Swallowed bookkeeping failures by store and reason.",
		ConstLabels: constLabels,
	}, []string{"store", "reason"})
	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "declara_batch_fetch_errors_total",
		Help:        "Aborted fetch streams by filter and reason.",
		ConstLabels: constLabels,
	}, []string{"filter", "reason"})
	watermarkLag := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "declara_watermark_lag_seconds",
		Help:        "Distance between now and the persisted watermark after a run.",
		ConstLabels: constLabels,
	})
	skippedLeases := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "declara_batch_lease_skipped_total",
		Help:        "Scheduled runs skipped because another run held the lease.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		runs,
		runDuration,
		records,
		creditsUsed,
		quotaWait,
		stops,
		storeErrors,
		fetchErrors,
		watermarkLag,
		skippedLeases,
	)

	return &BatchMetrics{
		runs:          runs,
		runDuration:   runDuration,
		records:       records,
		creditsUsed:   creditsUsed,
		quotaWait:     quotaWait,
		stops:         stops,
		storeErrors:   storeErrors,
		fetchErrors:   fetchErrors,
		watermarkLag:  watermarkLag,
		skippedLeases: skippedLeases,
	}
}

// ObserveRun records a finished run.
func (m *BatchMetrics) ObserveRun(status, stopReason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status, stopReason).Inc()
	m.runDuration.Observe(duration.Seconds())
	if stopReason != "" {
		m.stops.WithLabelValues(stopReason).Inc()
	}
}

func (m *BatchMetrics) IncRecord(status, reason string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(status, reason).Inc()
}

func (m *BatchMetrics) AddCreditsUsed(credits float64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsUsed.Add(credits)
}

func (m *BatchMetrics) ObserveQuotaWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.quotaWait.Observe(d.Seconds())
}

// IncStoreError counts a cursor or summary persistence failure.
func (m *BatchMetrics) IncStoreError(store string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(store, ClassifyBatchErrorReason(err)).Inc()
}

func (m *BatchMetrics) IncFetchError(filter string, err error) {
	if m == nil || err == nil {
		return
	}
	m.fetchErrors.WithLabelValues(filter, ClassifyBatchErrorReason(err)).Inc()
}

func (m *BatchMetrics) SetWatermarkLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.watermarkLag.Set(lag.Seconds())
}

func (m *BatchMetrics) IncLeaseSkipped() {
	if m == nil {
		return
	}
	m.skippedLeases.Inc()
}

// ClassifyBatchErrorReason maps batch errors to low-cardinality reasons.
func ClassifyBatchErrorReason(err error) string {
	if err == nil {
		return BatchErrorReasonUnknown
	}
	var mutErr *domain.MutationError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return BatchErrorReasonDeadlineExceeded
	case errors.Is(err, quota.ErrExhausted):
		return BatchErrorReasonQuotaExhausted
	case errors.Is(err, domain.ErrAuth):
		return BatchErrorReasonAuth
	case errors.As(err, &mutErr):
		return BatchErrorReasonMutationRejected
	case errors.Is(err, domain.ErrTransport):
		return BatchErrorReasonTransport
	case hasPGCode(err, "55P03"):
		return BatchErrorReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return BatchErrorReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return BatchErrorReasonUniqueViolation
	case isDBError(err):
		return BatchErrorReasonDB
	}
	return BatchErrorReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrNotImplemented) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
