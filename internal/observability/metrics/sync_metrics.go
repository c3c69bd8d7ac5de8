package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SyncReasonDeadlineExceeded  = "deadline_exceeded"
	SyncReasonLedgerUnavailable = "ledger_unavailable"
	SyncReasonUniqueViolation   = "unique_violation"
	SyncReasonUnknownCredential = "unknown_credential"
	SyncReasonGateway           = "cache_gateway"
	SyncReasonUnknown           = "unknown"
)

const (
	RunOutcomeCompleted = "completed"
	RunOutcomePartial   = "partial"
	RunOutcomeFailed    = "failed"
)

const (
	DiscrepancyFound    = "found"
	DiscrepancyRepaired = "repaired"
	DiscrepancyFailed   = "repair_failed"
)

// SyncMetrics captures batch sync health for alerting on reconciliation lag.
type SyncMetrics struct {
	runs              *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	accountsProcessed prometheus.Counter
	recordsSynced     prometheus.Counter
	errors            *prometheus.CounterVec
	budgetExceeded    prometheus.Counter
	discrepancies     *prometheus.CounterVec
	gatewayRequests   *prometheus.CounterVec
	lastSuccess       prometheus.Gauge
	runLoopLag        prometheus.Observer
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton sync metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton sync metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest resets the singleton so a test can register against a fresh registry.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditsync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SyncMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditsync_sync_runs_total",
			Help:        "Batch sync runs by trigger and outcome.",
			ConstLabels: constLabels,
		}, []string{"trigger", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "creditsync_sync_run_duration_seconds",
			Help:        "Batch sync wall-clock duration against the execution budget.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 55, 60, 120},
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		accountsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditsync_sync_accounts_processed_total",
			Help:        "Accounts whose usage bucket was processed.",
			ConstLabels: constLabels,
		}),
		recordsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditsync_sync_records_synced_total",
			Help:        "Usage events moved from the cache into the ledger.",
			ConstLabels: constLabels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditsync_sync_errors_total",
			Help:        "Sync errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		budgetExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditsync_sync_budget_exceeded_total",
			Help:        "Runs stopped early by the execution budget.",
			ConstLabels: constLabels,
		}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditsync_balance_discrepancies_total",
			Help:        "Ledger versus cache balance mismatches by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditsync_cache_gateway_requests_total",
			Help:        "Cache gateway requests by operation and status class.",
			ConstLabels: constLabels,
		}, []string{"operation", "status_class"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditsync_sync_last_success_timestamp_seconds",
			Help:        "Unix time of the last healthy sync run.",
			ConstLabels: constLabels,
		}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditsync_sync_runloop_lag_seconds",
		Help:        "In-process sync loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	registerer.MustRegister(
		m.runs,
		m.runDuration,
		m.accountsProcessed,
		m.recordsSynced,
		m.errors,
		m.budgetExceeded,
		m.discrepancies,
		m.gatewayRequests,
		m.lastSuccess,
		runLoopLag,
	)
	return m
}

// ObserveRun records one finished run.
func (m *SyncMetrics) ObserveRun(trigger, outcome string, duration time.Duration, healthy bool, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger, outcome).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	if outcome == RunOutcomePartial {
		m.budgetExceeded.Inc()
	}
	if healthy {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

func (m *SyncMetrics) AddAccountProcessed(synced int) {
	if m == nil {
		return
	}
	m.accountsProcessed.Inc()
	if synced > 0 {
		m.recordsSynced.Add(float64(synced))
	}
}

func (m *SyncMetrics) AddErrors(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.errors.WithLabelValues(reason).Add(float64(count))
}

func (m *SyncMetrics) IncDiscrepancy(outcome string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(outcome).Inc()
}

// IncGatewayRequest buckets status codes as 2xx, 4xx, 5xx or not_found.
func (m *SyncMetrics) IncGatewayRequest(operation string, statusCode int) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, statusClass(statusCode)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SyncMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func statusClass(code int) string {
	switch {
	case code == 404:
		return "not_found"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// ClassifySyncReason maps ledger and runtime errors to low-cardinality reasons.
func ClassifySyncReason(err error) string {
	switch {
	case err == nil:
		return SyncReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SyncReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return SyncReasonUniqueViolation
	case errors.Is(err, gorm.ErrRecordNotFound):
		return SyncReasonUnknownCredential
	case IsLedgerUnavailable(err):
		return SyncReasonLedgerUnavailable
	default:
		return SyncReasonUnknown
	}
}

// IsLedgerUnavailable reports connection-class failures against the ledger.
func IsLedgerUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P0x: operator intervention / shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
