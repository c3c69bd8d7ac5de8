// Package ledgertest builds an in-memory ledger for package tests.
package ledgertest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/ledger/repository"
	"github.com/smallbiznis/creditsync/internal/ledger/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger bundles the database, id generator and service under test.
type Ledger struct {
	DB    *gorm.DB
	GenID *snowflake.Node
	Svc   ledgerdomain.Service
}

// New opens a private in-memory sqlite database named after the test.
func New(t *testing.T) *Ledger {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.Credential{},
		&ledgerdomain.UsageRecord{},
		&ledgerdomain.LedgerEntry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	svc := service.NewService(service.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return &Ledger{DB: conn, GenID: node, Svc: svc}
}

// SeedAccount creates an account and posts its opening allocation so the
// balance is derivable from entries.
func (l *Ledger) SeedAccount(t *testing.T, accountID string, credits int64) {
	t.Helper()
	now := time.Now().UTC()
	if err := l.DB.Create(&ledgerdomain.Account{
		ID:        accountID,
		Role:      "user",
		CreatedAt: now,
		UpdatedAt: now,
	}).Error; err != nil {
		t.Fatalf("seed account %s: %v", accountID, err)
	}
	if credits == 0 {
		return
	}
	if _, err := l.Svc.ApplyEntry(context.Background(), accountID, ledgerdomain.EntryTypeAllocation, credits, "opening balance"); err != nil {
		t.Fatalf("seed allocation %s: %v", accountID, err)
	}
}

// SeedCredential attaches an API key to an account.
func (l *Ledger) SeedCredential(t *testing.T, accountID, key string, active bool) ledgerdomain.Credential {
	t.Helper()
	credential := ledgerdomain.Credential{
		ID:        l.GenID.Generate(),
		AccountID: accountID,
		Key:       key,
		Name:      "default",
		Active:    active,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.DB.Create(&credential).Error; err != nil {
		t.Fatalf("seed credential %s: %v", key, err)
	}
	return credential
}

// Credits reads the stored balance directly.
func (l *Ledger) Credits(t *testing.T, accountID string) int64 {
	t.Helper()
	var account ledgerdomain.Account
	if err := l.DB.Where("id = ?", accountID).Take(&account).Error; err != nil {
		t.Fatalf("load account %s: %v", accountID, err)
	}
	return account.Credits
}

// CountUsage returns the number of usage rows for an account.
func (l *Ledger) CountUsage(t *testing.T, accountID string) int64 {
	t.Helper()
	var count int64
	if err := l.DB.Model(&ledgerdomain.UsageRecord{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count usage: %v", err)
	}
	return count
}

// CountEntries returns the number of ledger entries for an account.
func (l *Ledger) CountEntries(t *testing.T, accountID string) int64 {
	t.Helper()
	var count int64
	if err := l.DB.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}
