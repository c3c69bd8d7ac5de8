package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/creditsync/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID string, forUpdate bool) (*domain.Account, error) {
	stmt := db.WithContext(ctx).Where("id = ?", accountID)
	if forUpdate && supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account domain.Account
	if err := stmt.Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateCredits(ctx context.Context, db *gorm.DB, accountID string, credits int64) error {
	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"credits":    credits,
			"updated_at": db.NowFunc(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *repo) FindCredentialByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Credential, error) {
	var credential domain.Credential
	err := db.WithContext(ctx).Where("api_key = ?", key).Take(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (r *repo) ListCredentialsByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]domain.Credential, error) {
	var credentials []domain.Credential
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&credentials).Error
	return credentials, err
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "credential_id"}, {Name: "recorded_at"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) SumEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *repo) ListActiveCredentialBalances(ctx context.Context, db *gorm.DB) ([]domain.CredentialBalance, error) {
	var rows []domain.CredentialBalance
	err := db.WithContext(ctx).
		Table("credentials AS c").
		Select("c.id AS credential_id, c.api_key AS api_key, c.account_id AS account_id, a.credits AS credits").
		Joins("JOIN accounts AS a ON a.id = c.account_id").
		Where("c.active = ?", true).
		Order("c.account_id ASC, c.id ASC").
		Scan(&rows).Error
	return rows, err
}

func (r *repo) ListAccountBalances(ctx context.Context, db *gorm.DB) ([]domain.AccountBalance, error) {
	var rows []domain.AccountBalance
	err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Select("id AS account_id, credits").
		Order("id ASC").
		Scan(&rows).Error
	return rows, err
}

func supportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch strings.ToLower(db.Dialector.Name()) {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
