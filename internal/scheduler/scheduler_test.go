package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	auditrepository "github.com/smallbiznis/creditsync/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditsync/internal/audit/service"
	"github.com/smallbiznis/creditsync/internal/cachegateway/gatewaytest"
	"github.com/smallbiznis/creditsync/internal/clock"
	"github.com/smallbiznis/creditsync/internal/config"
	discrepancyservice "github.com/smallbiznis/creditsync/internal/discrepancy/service"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/ledger/ledgertest"
	usagedomain "github.com/smallbiznis/creditsync/internal/usage/domain"
	usageservice "github.com/smallbiznis/creditsync/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = "20240301"

var start = time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC)

type fixture struct {
	ledger *ledgertest.Ledger
	cache  *gatewaytest.Server
	clock  *clock.FakeClock
	audit  auditdomain.Service
	params Params
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := ledgertest.New(t)
	require.NoError(t, l.DB.AutoMigrate(&auditdomain.AuditLog{}))
	cache := gatewaytest.New(t)
	fake := clock.NewFakeClock(start)

	audit := auditservice.NewService(auditservice.Params{
		DB:    l.DB,
		Log:   zap.NewNop(),
		GenID: l.GenID,
		Repo:  auditrepository.Provide(),
		Clock: fake,
	})
	usage := usageservice.NewService(usageservice.Params{
		Log:     zap.NewNop(),
		Ledger:  l.Svc,
		Gateway: cache.Client(),
		Clock:   fake,
	})
	discrepancy := discrepancyservice.NewService(discrepancyservice.Params{
		Log:      zap.NewNop(),
		Ledger:   l.Svc,
		Gateway:  cache.Client(),
		AuditSvc: audit,
	})

	return &fixture{
		ledger: l,
		cache:  cache,
		clock:  fake,
		audit:  audit,
		params: Params{
			Log:            zap.NewNop(),
			Config:         cfg,
			Clock:          fake,
			Gateway:        cache.Holder(),
			LedgerSvc:      l.Svc,
			UsageSvc:       usage,
			DiscrepancySvc: discrepancy,
			AuditSvc:       audit,
		},
	}
}

func (f *fixture) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(f.params)
	require.NoError(t, err)
	return s
}

// seedAccounts creates n accounts with one credential and one usage event each.
func (f *fixture) seedAccounts(t *testing.T, n int, withUsage bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		account := fmt.Sprintf("acct-%02d", i)
		key := fmt.Sprintf("key-%02d", i)
		f.ledger.SeedAccount(t, account, 100)
		f.ledger.SeedCredential(t, account, key, true)
		f.cache.SetCredential(key, account, 100)
		if withUsage {
			f.cache.AddUsage(account, day, gatewaytest.Event{
				APIKey:           key,
				Endpoint:         "/search",
				CreditsUsed:      10,
				RemainingCredits: 90,
				Timestamp:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			})
		}
	}
}

type scriptedUsage struct {
	results map[string]usagedomain.SyncResult
	err     error
}

func (u *scriptedUsage) SyncAccountUsage(_ context.Context, accountID, _ string) (usagedomain.SyncResult, error) {
	return u.results[accountID], u.err
}

func (u *scriptedUsage) HealthCheck(context.Context) usagedomain.HealthReport {
	return usagedomain.HealthReport{Healthy: true}
}

type brokenLedger struct {
	ledgerdomain.Service
}

func (brokenLedger) ListAccountIDs(context.Context) ([]string, error) {
	return nil, ledgerdomain.ErrLedgerUnavailable
}

func TestRunSyncsEveryAccount(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedAccounts(t, 3, true)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.True(t, report.Success)
	assert.Equal(t, day, report.Date)
	assert.Equal(t, 3, report.ProcessedUsers)
	assert.Equal(t, 3, report.TotalUsers)
	assert.Equal(t, 3, report.SyncedRecords)
	assert.Zero(t, report.Errors)
	assert.False(t, report.TimeoutReached)
	assert.False(t, report.IsPartialSync)
	assert.Equal(t, 500, report.BatchSize)
	assert.NotEmpty(t, report.RunID)

	for i := 0; i < 3; i++ {
		assert.Equal(t, int64(90), f.ledger.Credits(t, fmt.Sprintf("acct-%02d", i)))
		assert.Zero(t, f.cache.BucketLen(fmt.Sprintf("acct-%02d", i), day))
	}

	entry, err := f.audit.Latest(context.Background(), auditdomain.ActionSyncRunCompleted)
	require.NoError(t, err)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, report.RunID, *entry.TargetID)
}

func TestRunStopsWithinBudget(t *testing.T) {
	f := newFixture(t, Config{MaxExecution: 12 * time.Second, SafetyMargin: 2 * time.Second})
	f.seedAccounts(t, 10, true)
	f.cache.OnUsageRead(func(string) { f.clock.Advance(3 * time.Second) })

	s := f.scheduler(t)
	report, err := s.Run(context.Background(), RunRequest{Date: day, BatchSize: 4})
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyCompleted, report.State)
	assert.True(t, report.TimeoutReached)
	assert.True(t, report.IsPartialSync)
	assert.Equal(t, 3, report.ProcessedUsers)
	assert.Equal(t, 10, report.TotalUsers)
	assert.Equal(t, 3, report.SyncedRecords)
	assert.LessOrEqual(t, report.DurationMS, int64(10_000))
	assert.True(t, report.Success)
	assert.False(t, report.Accepted())
	assert.Equal(t, 3, f.cache.UsageReads())
}

func TestRunBudgetExactMultiple(t *testing.T) {
	f := newFixture(t, Config{MaxExecution: 12 * time.Second, SafetyMargin: 2 * time.Second})
	f.seedAccounts(t, 8, false)
	f.cache.OnUsageRead(func(string) { f.clock.Advance(2 * time.Second) })

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 5, report.ProcessedUsers)
	assert.True(t, report.TimeoutReached)
}

func TestRunTimeoutWithoutRecordsIsAccepted(t *testing.T) {
	f := newFixture(t, Config{MaxExecution: 12 * time.Second, SafetyMargin: 2 * time.Second})
	f.seedAccounts(t, 5, false)
	f.cache.OnUsageRead(func(string) { f.clock.Advance(6 * time.Second) })

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProcessedUsers)
	assert.Zero(t, report.SyncedRecords)
	assert.True(t, report.Accepted())
	assert.False(t, report.Success)
}

func TestRunErrorTolerance(t *testing.T) {
	cases := []struct {
		name    string
		synced  int
		failed  int
		success bool
	}{
		{name: "few errors", synced: 95, failed: 5, success: true},
		{name: "half errors", synced: 50, failed: 50, success: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			usage := &scriptedUsage{results: map[string]usagedomain.SyncResult{}}
			for i := 0; i < tc.synced+tc.failed; i++ {
				account := fmt.Sprintf("acct-%03d", i)
				f.ledger.SeedAccount(t, account, 0)
				if i < tc.synced {
					usage.results[account] = usagedomain.SyncResult{Synced: 1}
				} else {
					usage.results[account] = usagedomain.SyncResult{Errors: 1}
				}
			}
			f.params.UsageSvc = usage

			report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
			require.NoError(t, err)
			assert.Equal(t, tc.synced, report.SyncedRecords)
			assert.Equal(t, tc.failed, report.Errors)
			assert.Equal(t, tc.synced+tc.failed, report.ProcessedUsers)
			assert.Equal(t, StateCompleted, report.State)
			assert.Equal(t, tc.success, report.Success)
		})
	}
}

func TestHealthyRule(t *testing.T) {
	assert.True(t, healthy(0, 0, 0, false, 0.1))
	assert.True(t, healthy(100, 95, 5, false, 0.1))
	assert.True(t, healthy(100, 95, 5, true, 0.1))
	assert.False(t, healthy(100, 50, 50, false, 0.1))
	assert.True(t, healthy(1000, 0, 1, false, 0.1))
	assert.False(t, healthy(1, 0, 1, false, 0.1))
	assert.False(t, healthy(1, 0, 0, true, 0.1))
	assert.False(t, healthy(10, 8, 2, false, 0.1))
	assert.False(t, healthy(1000, 3, 1, true, 0.1))
}

type listedLedger struct {
	ledgerdomain.Service
	ids []string
}

func (l listedLedger) ListAccountIDs(context.Context) ([]string, error) {
	return l.ids, nil
}

func TestRunSingleFailureAmongManyAccountsIsHealthy(t *testing.T) {
	f := newFixture(t, Config{})
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("acct-%04d", i)
	}
	f.params.LedgerSvc = listedLedger{Service: f.ledger.Svc, ids: ids}
	f.params.UsageSvc = &scriptedUsage{results: map[string]usagedomain.SyncResult{
		"acct-0007": {Errors: 1},
		"acct-0420": {Synced: 3},
	}}

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 1000, report.ProcessedUsers)
	assert.Equal(t, 3, report.SyncedRecords)
	assert.Equal(t, 1, report.Errors)
	assert.True(t, report.Success)
}

func TestRunFailsWhenGatewayNotConfigured(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedAccounts(t, 2, true)
	f.cache.Holder().Set(config.GatewayConfig{})

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, StateFailed, report.State)
	assert.False(t, report.Success)
	assert.Zero(t, report.ProcessedUsers)
	assert.Zero(t, f.cache.UsageReads())
	assert.Equal(t, "cache sync not configured", report.Error)
}

func TestRunFailsWhenAccountListUnavailable(t *testing.T) {
	f := newFixture(t, Config{})
	f.params.LedgerSvc = brokenLedger{Service: f.ledger.Svc}

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerUnavailable)
	assert.Equal(t, StateFailed, report.State)
	assert.False(t, report.Success)
}

func TestRunAbortsWhenLedgerDropsMidRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedAccounts(t, 3, false)
	f.params.UsageSvc = &scriptedUsage{err: ledgerdomain.ErrLedgerUnavailable}

	s := f.scheduler(t)
	report, err := s.Run(context.Background(), RunRequest{Date: day})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, report.ProcessedUsers)
	assert.Equal(t, 3, report.TotalUsers)

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, StateFailed, last.State)
}

func TestRunCountsAccountErrorsWithoutAborting(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedAccounts(t, 2, false)
	f.params.UsageSvc = &scriptedUsage{err: usagedomain.ErrInvalidAccount}

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ProcessedUsers)
	assert.Equal(t, 2, report.Errors)
	assert.Equal(t, StateCompleted, report.State)
	assert.False(t, report.Success)
}

func TestRunForceFullRepairsDiscrepancies(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", true)
	f.cache.SetCredential("key-a", "acct-a", 480)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day, ForceFull: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CreditDiscrepancies)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, int64(20), report.Discrepancies[0].Difference)
	assert.Equal(t, 1, report.Repaired)

	credits, ok := f.cache.Credits("key-a")
	require.True(t, ok)
	assert.Equal(t, int64(500), credits)
}

func TestRunManualReportsDiscrepanciesWithoutRepair(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", true)
	f.cache.SetCredential("key-a", "acct-a", 480)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day, ForceFull: true, Manual: true})
	require.NoError(t, err)
	assert.True(t, report.Manual)
	assert.Equal(t, 100, report.BatchSize)
	assert.Equal(t, 1, report.CreditDiscrepancies)
	assert.Zero(t, report.Repaired)

	credits, _ := f.cache.Credits("key-a")
	assert.Equal(t, int64(480), credits)
}

func TestRunRepairIsCapped(t *testing.T) {
	f := newFixture(t, Config{RepairCap: 2})
	for i := 0; i < 4; i++ {
		account := fmt.Sprintf("acct-%02d", i)
		key := fmt.Sprintf("key-%02d", i)
		f.ledger.SeedAccount(t, account, 100)
		f.ledger.SeedCredential(t, account, key, true)
		f.cache.SetCredential(key, account, 1)
	}

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day, ForceFull: true})
	require.NoError(t, err)
	assert.Equal(t, 4, report.CreditDiscrepancies)
	assert.Equal(t, 2, report.Repaired)
}

func TestRunSkipsDiscrepanciesWhenReserveIsShort(t *testing.T) {
	f := newFixture(t, Config{MaxExecution: 12 * time.Second, SafetyMargin: 2 * time.Second, DiscrepancyReserve: 10 * time.Second})
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", true)
	f.cache.SetCredential("key-a", "acct-a", 480)
	f.cache.OnUsageRead(func(string) { f.clock.Advance(time.Second) })

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: day, ForceFull: true})
	require.NoError(t, err)
	assert.False(t, report.TimeoutReached)
	assert.Zero(t, report.CreditDiscrepancies)
	assert.Zero(t, report.Repaired)
}

func TestRunDefaultsToYesterday(t *testing.T) {
	f := newFixture(t, Config{})

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{Date: "2024-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "20240301", report.Date)
	assert.Equal(t, StateCompleted, report.State)
	assert.True(t, report.Success)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t, Config{CronSecret: "s3cret"})
	s := f.scheduler(t)

	assert.NoError(t, s.Authorize("Bearer s3cret"))
	assert.ErrorIs(t, s.Authorize("Bearer wrong"), ErrUnauthorized)
	assert.ErrorIs(t, s.Authorize("s3cret"), ErrUnauthorized)
	assert.ErrorIs(t, s.Authorize(""), ErrUnauthorized)

	p := f.params
	p.Config = Config{}
	unset, err := New(p)
	require.NoError(t, err)
	assert.ErrorIs(t, unset.Authorize("Bearer "), ErrUnauthorized)
}

func TestEnsureTransition(t *testing.T) {
	assert.NoError(t, ensureTransition(StateIdle, StateRunning))
	assert.NoError(t, ensureTransition(StateRunning, StateCompleted))
	assert.NoError(t, ensureTransition(StateRunning, StatePartiallyCompleted))
	assert.NoError(t, ensureTransition(StateRunning, StateFailed))
	assert.ErrorIs(t, ensureTransition(StateIdle, StateCompleted), ErrInvalidTransition)
	assert.ErrorIs(t, ensureTransition(StateCompleted, StateRunning), ErrInvalidTransition)
	assert.ErrorIs(t, ensureTransition(StateFailed, StateCompleted), ErrInvalidTransition)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := ProvideConfig(config.Config{Environment: "production"})
	assert.Equal(t, 55*time.Second, cfg.Budget())
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 100, cfg.ManualBatchSize)
	assert.Equal(t, 10, cfg.RepairCap)
	assert.Equal(t, "production", cfg.Environment)
}
