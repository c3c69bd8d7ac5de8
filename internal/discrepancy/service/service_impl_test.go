package service_test

import (
	"context"
	"net/http"
	"testing"

	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	auditrepository "github.com/smallbiznis/creditsync/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditsync/internal/audit/service"
	"github.com/smallbiznis/creditsync/internal/cachegateway/gatewaytest"
	discrepancydomain "github.com/smallbiznis/creditsync/internal/discrepancy/domain"
	"github.com/smallbiznis/creditsync/internal/discrepancy/service"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	ledger *ledgertest.Ledger
	cache  *gatewaytest.Server
	audit  auditdomain.Service
	svc    discrepancydomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledgertest.New(t)
	require.NoError(t, l.DB.AutoMigrate(&auditdomain.AuditLog{}))
	audit := auditservice.NewService(auditservice.Params{
		DB:    l.DB,
		Log:   zap.NewNop(),
		GenID: l.GenID,
		Repo:  auditrepository.Provide(),
	})
	cache := gatewaytest.New(t)
	svc := service.NewService(service.Params{
		Log:      zap.NewNop(),
		Ledger:   l.Svc,
		Gateway:  cache.Client(),
		AuditSvc: audit,
	})
	return &fixture{ledger: l, cache: cache, audit: audit, svc: svc}
}

func TestFindDiscrepanciesReportsSignedDifference(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", true)
	f.cache.SetCredential("key-a", "acct-a", 480)

	f.ledger.SeedAccount(t, "acct-b", 100)
	f.ledger.SeedCredential(t, "acct-b", "key-b", true)
	f.cache.SetCredential("key-b", "acct-b", 100)

	found, err := f.svc.FindDiscrepancies(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, discrepancydomain.Discrepancy{
		AccountID:     "acct-a",
		LedgerBalance: 500,
		CacheBalance:  480,
		Difference:    20,
	}, found[0])
}

func TestFindDiscrepanciesReadsEachAccountOnce(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 50)
	f.ledger.SeedCredential(t, "acct-a", "key-1", true)
	f.ledger.SeedCredential(t, "acct-a", "key-2", true)
	f.cache.SetCredential("key-1", "acct-a", 60)
	f.cache.SetCredential("key-2", "acct-a", 60)

	found, err := f.svc.FindDiscrepancies(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(-10), found[0].Difference)
}

func TestFindDiscrepanciesSkipsInactiveAndFailedReads(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", false)
	f.cache.SetCredential("key-a", "acct-a", 1)

	f.ledger.SeedAccount(t, "acct-b", 500)
	f.ledger.SeedCredential(t, "acct-b", "key-b", true)
	f.cache.SetCredential("key-b", "acct-b", 1)
	f.cache.FailCredits("key-b", http.StatusBadGateway)

	f.ledger.SeedAccount(t, "acct-c", 500)
	f.ledger.SeedCredential(t, "acct-c", "key-c", true)

	f.ledger.SeedAccount(t, "acct-d", 10)
	f.ledger.SeedCredential(t, "acct-d", "key-d", true)
	f.cache.SetCredential("key-d", "acct-d", 0)

	found, err := f.svc.FindDiscrepancies(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "acct-d", found[0].AccountID)
}

func TestRepairPushesLedgerBalanceAndAudits(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-1", true)
	f.ledger.SeedCredential(t, "acct-a", "key-2", true)
	f.cache.SetCredential("key-1", "acct-a", 480)
	f.cache.SetCredential("key-2", "acct-a", 470)

	found, err := f.svc.FindDiscrepancies(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, f.svc.Repair(context.Background(), found[0]))
	for _, key := range []string{"key-1", "key-2"} {
		credits, ok := f.cache.Credits(key)
		require.True(t, ok)
		assert.Equal(t, int64(500), credits)
	}

	entry, err := f.audit.Latest(context.Background(), auditdomain.ActionDiscrepancyRepaired)
	require.NoError(t, err)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "acct-a", *entry.TargetID)

	again, err := f.svc.FindDiscrepancies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRepairFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.cache.SetCredential("key-a", "acct-a", 480)
	f.cache.FailCredits("key-a", http.StatusInternalServerError)

	err := f.svc.Repair(context.Background(), discrepancydomain.Discrepancy{AccountID: "acct-a", LedgerBalance: 500})
	assert.ErrorIs(t, err, discrepancydomain.ErrRepairFailed)

	_, err = f.audit.Latest(context.Background(), auditdomain.ActionDiscrepancyRepaired)
	assert.ErrorIs(t, err, auditdomain.ErrNotFound)

	assert.ErrorIs(t, f.svc.Repair(context.Background(), discrepancydomain.Discrepancy{}), discrepancydomain.ErrInvalidAccount)
}

func TestForceSyncAllToCacheCountsPerAccount(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 300)
	f.cache.SetCredential("key-a", "acct-a", 1)
	f.ledger.SeedAccount(t, "acct-b", 200)
	f.cache.SetCredential("key-b", "acct-b", 2)
	f.ledger.SeedAccount(t, "acct-c", 100)

	res, err := f.svc.ForceSyncAllToCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, discrepancydomain.PushResult{Synced: 2, Errors: 1}, res)

	credits, _ := f.cache.Credits("key-a")
	assert.Equal(t, int64(300), credits)
	credits, _ = f.cache.Credits("key-b")
	assert.Equal(t, int64(200), credits)

	pushed, err := f.audit.List(context.Background(), auditdomain.ListFilter{Action: auditdomain.ActionCacheBalancePushed})
	require.NoError(t, err)
	assert.Len(t, pushed, 2)
}

func TestVerifyLedgerFindsDrift(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 100)
	f.ledger.SeedAccount(t, "acct-b", 100)
	require.NoError(t, f.ledger.DB.Model(&ledgerdomain.Account{}).Where("id = ?", "acct-b").Update("credits", 90).Error)

	mismatches, err := f.svc.VerifyLedger(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, discrepancydomain.LedgerMismatch{AccountID: "acct-b", Stored: 90, Replayed: 100}, mismatches[0])
}

func TestRepairPushesCurrentLedgerBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-a", true)
	f.cache.SetCredential("key-a", "acct-a", 480)

	found, err := f.svc.FindDiscrepancies(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = f.ledger.Svc.ApplyEntry(ctx, "acct-a", ledgerdomain.EntryTypePurchase, 100, "purchase")
	require.NoError(t, err)

	require.NoError(t, f.svc.Repair(ctx, found[0]))
	credits, ok := f.cache.Credits("key-a")
	require.True(t, ok)
	assert.Equal(t, int64(600), credits)

	assert.ErrorIs(t, f.svc.Repair(ctx, discrepancydomain.Discrepancy{AccountID: "missing"}), ledgerdomain.ErrAccountNotFound)
}

func TestForceSyncFallsBackToPerKeyWrites(t *testing.T) {
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-x", 300)
	f.ledger.SeedCredential(t, "acct-x", "key-x", true)
	f.ledger.SeedCredential(t, "acct-x", "key-off", false)
	f.cache.SetCredential("key-x", "", 10)

	res, err := f.svc.ForceSyncAllToCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, discrepancydomain.PushResult{Synced: 1}, res)

	credits, ok := f.cache.Credits("key-x")
	require.True(t, ok)
	assert.Equal(t, int64(300), credits)
	_, ok = f.cache.Credits("key-off")
	assert.False(t, ok)
}

func TestReconcileCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.SeedAccount(t, "acct-a", 500)
	f.ledger.SeedCredential(t, "acct-a", "key-1", true)
	f.ledger.SeedCredential(t, "acct-a", "key-2", false)
	f.ledger.SeedCredential(t, "acct-a", "key-3", true)
	f.cache.SetCredential("key-1", "acct-a", 500)
	f.cache.SetCredential("key-2", "acct-a", 500)
	f.cache.SetCredential("key-stale", "acct-a", 500)

	res, err := f.svc.ReconcileCredentials(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, discrepancydomain.CredentialResult{AccountID: "acct-a", Registered: 1, Deleted: 2}, res)

	credits, ok := f.cache.Credits("key-3")
	require.True(t, ok)
	assert.Equal(t, int64(500), credits)
	for _, key := range []string{"key-2", "key-stale"} {
		_, ok := f.cache.Credits(key)
		assert.False(t, ok, key)
	}
	_, ok = f.cache.Credits("key-1")
	assert.True(t, ok)

	entry, err := f.audit.Latest(ctx, auditdomain.ActionCacheCredentialsReconciled)
	require.NoError(t, err)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "acct-a", *entry.TargetID)

	again, err := f.svc.ReconcileCredentials(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, discrepancydomain.CredentialResult{AccountID: "acct-a"}, again)
}

func TestReconcileCredentialsValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ReconcileCredentials(context.Background(), " ")
	assert.ErrorIs(t, err, discrepancydomain.ErrInvalidAccount)

	_, err = f.svc.ReconcileCredentials(context.Background(), "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}
