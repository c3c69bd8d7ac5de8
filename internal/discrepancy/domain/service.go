package domain

import (
	"context"
	"errors"
)

// Discrepancy is a ledger balance that disagrees with the cache.
// Difference is ledger minus cache.
type Discrepancy struct {
	AccountID     string `json:"account_id"`
	LedgerBalance int64  `json:"ledger_balance"`
	CacheBalance  int64  `json:"cache_balance"`
	Difference    int64  `json:"difference"`
}

type PushResult struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// LedgerMismatch is an account whose stored balance is not the sum of its
// ledger entries.
type LedgerMismatch struct {
	AccountID string `json:"account_id"`
	Stored    int64  `json:"stored"`
	Replayed  int64  `json:"replayed"`
}

// CredentialResult counts the cache keys changed to match the ledger.
type CredentialResult struct {
	AccountID  string `json:"account_id"`
	Registered int    `json:"registered"`
	Deleted    int    `json:"deleted"`
	Errors     int    `json:"errors"`
}

type Service interface {
	// FindDiscrepancies probes one active credential per account. Accounts
	// whose probe fails are skipped.
	FindDiscrepancies(ctx context.Context) ([]Discrepancy, error)

	// ForceSyncAllToCache pushes every ledger balance to the cache.
	ForceSyncAllToCache(ctx context.Context) (PushResult, error)

	// Repair overwrites the cache balance of every credential the account
	// owns with the current ledger balance.
	Repair(ctx context.Context, d Discrepancy) error

	// ReconcileCredentials registers active ledger credentials missing from
	// the cache and deletes cached keys the ledger no longer holds active.
	ReconcileCredentials(ctx context.Context, accountID string) (CredentialResult, error)

	VerifyLedger(ctx context.Context) ([]LedgerMismatch, error)
}

var (
	ErrRepairFailed   = errors.New("repair_failed")
	ErrInvalidAccount = errors.New("invalid_account")
)
