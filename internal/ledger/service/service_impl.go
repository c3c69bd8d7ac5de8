package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditsync/internal/observability/metrics"
	"github.com/smallbiznis/creditsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ListAccountIDs(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListAccountIDs(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID, false)
	if err != nil {
		return nil, classify(err)
	}
	return account, nil
}

func (s *Service) ResolveCredential(ctx context.Context, key string) (*ledgerdomain.Credential, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidCredential
	}
	credential, err := s.repo.FindCredentialByKey(ctx, s.db, key)
	if err != nil {
		return nil, classify(err)
	}
	return credential, nil
}

func (s *Service) RecordUsageBatch(ctx context.Context, accountID string, records []ledgerdomain.UsageRecord, balance int64, description string) (int, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	if balance < 0 {
		return 0, ledgerdomain.ErrNegativeBalance
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]ledgerdomain.UsageRecord, len(records))
	for i, record := range records {
		if record.CredentialID == 0 || record.AccountID != accountID {
			return 0, ledgerdomain.ErrInvalidUsage
		}
		if record.RecordedAt.IsZero() || record.CreditsUsed < 0 {
			return 0, ledgerdomain.ErrInvalidUsage
		}
		record.ID = s.genID.Generate()
		record.RecordedAt = record.RecordedAt.UTC()
		record.CreatedAt = now
		rows[i] = record
	}

	var (
		inserted int
		posted   *ledgerdomain.LedgerEntry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, accountID, true)
		if err != nil {
			return err
		}
		for i := range rows {
			ok, err := s.repo.InsertUsage(ctx, tx, &rows[i])
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		if inserted == 0 {
			return nil
		}

		delta := balance - account.Credits
		if delta == 0 {
			return nil
		}
		entryType := ledgerdomain.EntryTypeUsage
		if delta > 0 {
			entryType = ledgerdomain.EntryTypeAdjustment
		}
		posted, err = s.post(ctx, tx, accountID, entryType, delta, balance, description)
		return err
	})
	if err != nil {
		// A concurrent run committed the same rows, and their balance, first.
		if db.IsDuplicateKeyErr(err) {
			return 0, nil
		}
		return 0, classify(err)
	}

	if posted != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(posted.Type))
	}
	s.log.Debug("ledger.usage.recorded",
		zap.String("account_id", accountID),
		zap.Int("rows", len(rows)),
		zap.Int("inserted", inserted),
		zap.Bool("balance_changed", posted != nil),
	)
	return inserted, nil
}

func (s *Service) ApplyEntry(ctx context.Context, accountID string, entryType ledgerdomain.EntryType, amount int64, description string) (*ledgerdomain.LedgerEntry, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if !entryType.Valid() {
		return nil, ledgerdomain.ErrInvalidEntryType
	}
	if amount == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var posted *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, accountID, true)
		if err != nil {
			return err
		}
		next := account.Credits + amount
		if next < 0 {
			return ledgerdomain.ErrNegativeBalance
		}
		posted, err = s.post(ctx, tx, accountID, entryType, amount, next, description)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(entryType))
	return posted, nil
}

func (s *Service) ReplayBalance(ctx context.Context, accountID string) (int64, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	total, err := s.repo.SumEntries(ctx, s.db, accountID)
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func (s *Service) ListActiveCredentialBalances(ctx context.Context) ([]ledgerdomain.CredentialBalance, error) {
	rows, err := s.repo.ListActiveCredentialBalances(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func (s *Service) ListAccountBalances(ctx context.Context) ([]ledgerdomain.AccountBalance, error) {
	rows, err := s.repo.ListAccountBalances(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func (s *Service) ListAccountCredentials(ctx context.Context, accountID string) ([]ledgerdomain.Credential, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	rows, err := s.repo.ListCredentialsByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := db.Ping(ctx, s.db); err != nil {
		return classify(err)
	}
	return nil
}

// post moves the stored balance and appends the matching entry inside tx.
func (s *Service) post(ctx context.Context, tx *gorm.DB, accountID string, entryType ledgerdomain.EntryType, amount, balanceAfter int64, description string) (*ledgerdomain.LedgerEntry, error) {
	if err := s.repo.UpdateCredits(ctx, tx, accountID, balanceAfter); err != nil {
		return nil, err
	}
	entry := &ledgerdomain.LedgerEntry{
		ID:           s.genID.Generate(),
		AccountID:    accountID,
		Type:         entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  strings.TrimSpace(description),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// classify tags connection-class failures so callers can abort a run.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if db.IsConnectivityErr(err) && !errors.Is(err, ledgerdomain.ErrLedgerUnavailable) {
		return errors.Join(ledgerdomain.ErrLedgerUnavailable, err)
	}
	return err
}
