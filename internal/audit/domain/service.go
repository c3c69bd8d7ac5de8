package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorSystem = "system"
	ActorCron   = "cron"
	ActorManual = "manual"
	ActorCLI    = "cli"
)

const (
	ActionDiscrepancyRepaired        = "discrepancy.repaired"
	ActionCacheBalancePushed         = "cache.balance_pushed"
	ActionCacheCredentialsReconciled = "cache.credentials_reconciled"
	ActionSyncRunCompleted           = "sync.run_completed"
)

// AuditLog is an append-only record of a balance-affecting decision made
// by the reconciler.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index:idx_audit_logs_action_created,priority:1" json:"action"`
	TargetType string            `gorm:"type:text;not null" json:"target_type"`
	TargetID   *string           `gorm:"type:text" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_audit_logs_action_created,priority:2" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action   string
	TargetID string
	Limit    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

type Service interface {
	AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	Latest(ctx context.Context, action string) (*AuditLog, error)
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrNotFound      = errors.New("audit_log_not_found")
)
