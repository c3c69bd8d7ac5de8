package service

import (
	"context"
	"fmt"
	"strings"

	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	"github.com/smallbiznis/creditsync/internal/cachegateway"
	discrepancydomain "github.com/smallbiznis/creditsync/internal/discrepancy/domain"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Gateway    cachegateway.Gateway
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledger     ledgerdomain.Service
	gateway    cachegateway.Gateway
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) discrepancydomain.Service {
	return &Service{
		log:        p.Log.Named("discrepancy.service"),
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) FindDiscrepancies(ctx context.Context) ([]discrepancydomain.Discrepancy, error) {
	log := logger.WithContext(ctx, s.log)

	rows, err := s.ledger.ListActiveCredentialBalances(ctx)
	if err != nil {
		return nil, err
	}

	checked := make(map[string]struct{}, len(rows))
	out := make([]discrepancydomain.Discrepancy, 0)
	for _, row := range rows {
		if _, ok := checked[row.AccountID]; ok {
			continue
		}
		checked[row.AccountID] = struct{}{}

		res, err := s.gateway.GetCredentialCredits(ctx, row.Key)
		if err != nil || !res.Success || res.Data == nil {
			fields := []zap.Field{zap.String("account_id", row.AccountID), zap.Int("status_code", res.StatusCode)}
			if err != nil {
				fields = append(fields, zap.Error(err))
			} else {
				fields = append(fields, zap.String("message", res.Message))
			}
			log.Warn("discrepancy.probe_failed", fields...)
			continue
		}

		cacheBalance := res.Data.Credits
		if cacheBalance == row.Credits {
			continue
		}
		d := discrepancydomain.Discrepancy{
			AccountID:     row.AccountID,
			LedgerBalance: row.Credits,
			CacheBalance:  cacheBalance,
			Difference:    row.Credits - cacheBalance,
		}
		out = append(out, d)
		obsmetrics.Sync().IncDiscrepancy(obsmetrics.DiscrepancyFound)
		s.obsMetrics.RecordDiscrepancy(ctx, obsmetrics.DiscrepancyFound)
		log.Info("discrepancy.found",
			zap.String("account_id", d.AccountID),
			zap.Int64("ledger_balance", d.LedgerBalance),
			zap.Int64("cache_balance", d.CacheBalance),
			zap.Int64("difference", d.Difference),
		)
	}

	log.Info("discrepancy.scan.finish",
		zap.Int("accounts_checked", len(checked)),
		zap.Int("discrepancies", len(out)),
	)
	return out, nil
}

func (s *Service) ForceSyncAllToCache(ctx context.Context) (discrepancydomain.PushResult, error) {
	log := logger.WithContext(ctx, s.log)

	balances, err := s.ledger.ListAccountBalances(ctx)
	if err != nil {
		return discrepancydomain.PushResult{}, err
	}

	var result discrepancydomain.PushResult
	for i, balance := range balances {
		if err := s.push(ctx, balance.AccountID, balance.Credits); err != nil {
			result.Errors++
			log.Warn("discrepancy.force_sync.account_failed",
				zap.String("account_id", balance.AccountID),
				zap.Error(err),
			)
			continue
		}
		result.Synced++
		s.audit(ctx, auditdomain.ActionCacheBalancePushed, balance.AccountID, map[string]any{
			"credits": balance.Credits,
		})
		if (i+1)%50 == 0 {
			log.Info("discrepancy.force_sync.progress",
				zap.Int("done", i+1),
				zap.Int("total", len(balances)),
			)
		}
	}

	log.Info("discrepancy.force_sync.finish",
		zap.Int("accounts", len(balances)),
		zap.Int("synced", result.Synced),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// Repair re-reads the ledger so a balance that moved since the scan is the
// one pushed.
func (s *Service) Repair(ctx context.Context, d discrepancydomain.Discrepancy) error {
	if strings.TrimSpace(d.AccountID) == "" {
		return discrepancydomain.ErrInvalidAccount
	}
	account, err := s.ledger.GetAccount(ctx, d.AccountID)
	if err != nil {
		return err
	}
	if err := s.push(ctx, d.AccountID, account.Credits); err != nil {
		obsmetrics.Sync().IncDiscrepancy(obsmetrics.DiscrepancyFailed)
		s.obsMetrics.RecordDiscrepancy(ctx, obsmetrics.DiscrepancyFailed)
		return err
	}

	obsmetrics.Sync().IncDiscrepancy(obsmetrics.DiscrepancyRepaired)
	s.obsMetrics.RecordDiscrepancy(ctx, obsmetrics.DiscrepancyRepaired)
	s.audit(ctx, auditdomain.ActionDiscrepancyRepaired, d.AccountID, map[string]any{
		"ledger_balance": account.Credits,
		"cache_balance":  d.CacheBalance,
		"difference":     account.Credits - d.CacheBalance,
	})
	logger.WithContext(ctx, s.log).Info("discrepancy.repaired",
		zap.String("account_id", d.AccountID),
		zap.Int64("ledger_balance", account.Credits),
	)
	return nil
}

func (s *Service) ReconcileCredentials(ctx context.Context, accountID string) (discrepancydomain.CredentialResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return discrepancydomain.CredentialResult{}, discrepancydomain.ErrInvalidAccount
	}
	result := discrepancydomain.CredentialResult{AccountID: accountID}
	log := logger.WithContext(ctx, s.log).With(zap.String("account_id", accountID))

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return result, err
	}
	credentials, err := s.ledger.ListAccountCredentials(ctx, accountID)
	if err != nil {
		return result, err
	}
	res, err := s.gateway.GetAccountCredentials(ctx, accountID)
	if err != nil {
		return result, err
	}
	if !res.Success && !res.NotFound() {
		return result, fmt.Errorf("%w: status %d: %s", discrepancydomain.ErrRepairFailed, res.StatusCode, res.Message)
	}

	active := make(map[string]ledgerdomain.Credential, len(credentials))
	for _, credential := range credentials {
		if credential.Active {
			active[credential.Key] = credential
		}
	}
	cached := make(map[string]struct{})
	if res.Data != nil {
		for _, record := range res.Data.APIKeys {
			cached[record.APIKey] = struct{}{}
		}
	}

	for key := range cached {
		if _, ok := active[key]; ok {
			continue
		}
		del, err := s.gateway.DeleteCredential(ctx, key)
		if err != nil || (!del.Success && !del.NotFound()) {
			result.Errors++
			log.Warn("discrepancy.credential.delete_failed", zap.Int("status_code", del.StatusCode), zap.String("message", del.Message), zap.Error(err))
			continue
		}
		result.Deleted++
	}

	for key, credential := range active {
		if _, ok := cached[key]; ok {
			continue
		}
		reg, err := s.gateway.RegisterCredential(ctx, cachegateway.RegisterCredentialInput{
			APIKey:    credential.Key,
			AccountID: accountID,
			Credits:   account.Credits,
			Active:    true,
			Name:      credential.Name,
			CreatedAt: credential.CreatedAt,
		})
		if err != nil || !reg.Success {
			result.Errors++
			log.Warn("discrepancy.credential.register_failed", zap.Int("status_code", reg.StatusCode), zap.String("message", reg.Message), zap.Error(err))
			continue
		}
		result.Registered++
	}

	if result.Registered > 0 || result.Deleted > 0 {
		s.audit(ctx, auditdomain.ActionCacheCredentialsReconciled, accountID, map[string]any{
			"registered": result.Registered,
			"deleted":    result.Deleted,
			"credits":    account.Credits,
		})
	}
	log.Info("discrepancy.credentials.reconciled",
		zap.Int("registered", result.Registered),
		zap.Int("deleted", result.Deleted),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

func (s *Service) VerifyLedger(ctx context.Context) ([]discrepancydomain.LedgerMismatch, error) {
	balances, err := s.ledger.ListAccountBalances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]discrepancydomain.LedgerMismatch, 0)
	for _, balance := range balances {
		replayed, err := s.ledger.ReplayBalance(ctx, balance.AccountID)
		if err != nil {
			return out, err
		}
		if replayed != balance.Credits {
			out = append(out, discrepancydomain.LedgerMismatch{
				AccountID: balance.AccountID,
				Stored:    balance.Credits,
				Replayed:  replayed,
			})
		}
	}
	if len(out) > 0 {
		logger.WithContext(ctx, s.log).Warn("ledger.replay_mismatch", zap.Int("accounts", len(out)))
	}
	return out, nil
}

func (s *Service) push(ctx context.Context, accountID string, credits int64) error {
	res, err := s.gateway.SetAccountCredits(ctx, accountID, credits)
	if err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if s.pushPerKey(ctx, accountID, credits) {
		return nil
	}
	return fmt.Errorf("%w: status %d: %s", discrepancydomain.ErrRepairFailed, res.StatusCode, res.Message)
}

// pushPerKey writes each active ledger credential on its own. It covers keys
// the cache holds without an account index. It reports false unless at least
// one key exists and every write succeeds.
func (s *Service) pushPerKey(ctx context.Context, accountID string, credits int64) bool {
	credentials, err := s.ledger.ListAccountCredentials(ctx, accountID)
	if err != nil {
		s.log.Warn("discrepancy.push.list_credentials_failed", zap.String("account_id", accountID), zap.Error(err))
		return false
	}
	written := 0
	for _, credential := range credentials {
		if !credential.Active {
			continue
		}
		res, err := s.gateway.SetCredits(ctx, credential.Key, credits)
		if err != nil || !res.Success {
			return false
		}
		written++
	}
	return written > 0
}

func (s *Service) audit(ctx context.Context, action, accountID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	target := accountID
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "account", &target, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
