package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryType classifies a balance mutation.
type EntryType string

const (
	EntryTypeAllocation EntryType = "allocation"
	EntryTypePurchase   EntryType = "purchase"
	EntryTypeUsage      EntryType = "usage"
	EntryTypeRefund     EntryType = "refund"
	EntryTypeAdjustment EntryType = "adjustment"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeAllocation, EntryTypePurchase, EntryTypeUsage, EntryTypeRefund, EntryTypeAdjustment:
		return true
	default:
		return false
	}
}

// Account is the authoritative owner of a credit balance.
type Account struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Email     string    `gorm:"type:text"`
	Company   string    `gorm:"type:text"`
	Role      string    `gorm:"type:text;not null;default:'user'"`
	Credits   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Credential is an API key; Key is the cache's lookup key.
type Credential struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID string       `gorm:"type:text;not null;index"`
	Key       string       `gorm:"column:api_key;type:text;not null;uniqueIndex"`
	Name      string       `gorm:"type:text"`
	Active    bool         `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (Credential) TableName() string { return "credentials" }

// UsageRecord is a usage event made durable. (CredentialID, RecordedAt) is
// its natural key.
type UsageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      string            `gorm:"type:text;not null;index"`
	CredentialID   snowflake.ID      `gorm:"not null;uniqueIndex:ux_usage_records_credential_recorded,priority:1"`
	Endpoint       string            `gorm:"type:text;not null"`
	CreditsUsed    int64             `gorm:"not null"`
	ResponseTimeMS int64             `gorm:"column:response_time_ms;not null;default:0"`
	Status         string            `gorm:"type:text;not null"`
	RecordedAt     time.Time         `gorm:"not null;uniqueIndex:ux_usage_records_credential_recorded,priority:2"`
	Metadata       datatypes.JSONMap `gorm:"type:json"`
	CreatedAt      time.Time         `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// LedgerEntry is an append-only record of one balance mutation.
type LedgerEntry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	AccountID    string       `gorm:"type:text;not null;index"`
	Type         EntryType    `gorm:"type:text;not null"`
	Amount       int64        `gorm:"not null"`
	BalanceAfter int64        `gorm:"not null"`
	Description  string       `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;index"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// CredentialBalance joins an active credential to its account balance.
type CredentialBalance struct {
	CredentialID snowflake.ID
	Key          string `gorm:"column:api_key"`
	AccountID    string
	Credits      int64
}

type AccountBalance struct {
	AccountID string
	Credits   int64
}
