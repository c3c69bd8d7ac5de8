package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySyncReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SyncReasonDeadlineExceeded},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SyncReasonUniqueViolation},
		{name: "pg_unique_violation", err: &pgconn.PgError{Code: "23505"}, want: SyncReasonUniqueViolation},
		{name: "not_found", err: gorm.ErrRecordNotFound, want: SyncReasonUnknownCredential},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: SyncReasonLedgerUnavailable},
		{name: "shutdown", err: &pgconn.PgError{Code: "57P01"}, want: SyncReasonLedgerUnavailable},
		{name: "unknown", err: errors.New("boom"), want: SyncReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySyncReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveRunCountsBudgetExceeded(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSyncMetrics(registry, Config{ServiceName: "creditsync", Environment: "test"})

	m.ObserveRun("cron", RunOutcomePartial, 55*time.Second, true, time.Unix(1700000000, 0))
	m.ObserveRun("cron", RunOutcomeCompleted, time.Second, true, time.Unix(1700000100, 0))

	if got := testutil.ToFloat64(m.budgetExceeded); got != 1 {
		t.Fatalf("expected 1 budget exceeded, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("cron", RunOutcomeCompleted)); got != 1 {
		t.Fatalf("expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got != 1700000100 {
		t.Fatalf("expected last success timestamp, got %v", got)
	}
}

func TestGatewayRequestStatusClass(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSyncMetrics(registry, Config{})

	m.IncGatewayRequest("get_usage_log", 404)
	m.IncGatewayRequest("get_usage_log", 504)
	m.IncGatewayRequest("get_usage_log", 200)

	for _, class := range []string{"not_found", "5xx", "2xx"} {
		if got := testutil.ToFloat64(m.gatewayRequests.WithLabelValues("get_usage_log", class)); got != 1 {
			t.Fatalf("expected 1 request for %s, got %v", class, got)
		}
	}
}

func TestAddAccountProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSyncMetrics(registry, Config{})

	m.AddAccountProcessed(3)
	m.AddAccountProcessed(0)

	if got := testutil.ToFloat64(m.accountsProcessed); got != 2 {
		t.Fatalf("expected 2 accounts, got %v", got)
	}
	if got := testutil.ToFloat64(m.recordsSynced); got != 3 {
		t.Fatalf("expected 3 records, got %v", got)
	}
}
