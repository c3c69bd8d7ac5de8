package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Service is the durable ledger as seen by the reconciliation subsystem.
type Service interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ResolveCredential(ctx context.Context, key string) (*Credential, error)

	// RecordUsageBatch upserts usage rows keyed by credential and timestamp.
	// When at least one row is new it also sets the stored balance, appending
	// an entry for the difference, in the same transaction. A batch whose rows
	// all exist already leaves the balance alone and reports inserted=0.
	RecordUsageBatch(ctx context.Context, accountID string, records []UsageRecord, balance int64, description string) (inserted int, err error)

	// ApplyEntry posts a signed amount (purchase, refund, allocation) and
	// moves the balance with it.
	ApplyEntry(ctx context.Context, accountID string, entryType EntryType, amount int64, description string) (*LedgerEntry, error)

	// ReplayBalance sums the account's ledger entries.
	ReplayBalance(ctx context.Context, accountID string) (int64, error)

	ListActiveCredentialBalances(ctx context.Context) ([]CredentialBalance, error)
	ListAccountBalances(ctx context.Context) ([]AccountBalance, error)
	ListAccountCredentials(ctx context.Context, accountID string) ([]Credential, error)

	Ping(ctx context.Context) error
}

// Repository holds the SQL. Callers pass the handle so one transaction can
// span several calls.
type Repository interface {
	ListAccountIDs(ctx context.Context, db *gorm.DB) ([]string, error)
	FindAccount(ctx context.Context, db *gorm.DB, accountID string, forUpdate bool) (*Account, error)
	UpdateCredits(ctx context.Context, db *gorm.DB, accountID string, credits int64) error
	FindCredentialByKey(ctx context.Context, db *gorm.DB, key string) (*Credential, error)
	ListCredentialsByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]Credential, error)
	InsertUsage(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	SumEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error)
	ListActiveCredentialBalances(ctx context.Context, db *gorm.DB) ([]CredentialBalance, error)
	ListAccountBalances(ctx context.Context, db *gorm.DB) ([]AccountBalance, error)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidCredential  = errors.New("invalid_credential")
	ErrCredentialNotFound = errors.New("credential_not_found")
	ErrInvalidUsage       = errors.New("invalid_usage")
	ErrInvalidEntryType   = errors.New("invalid_entry_type")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrNegativeBalance    = errors.New("negative_balance")
	ErrLedgerUnavailable  = errors.New("ledger_unavailable")
)
