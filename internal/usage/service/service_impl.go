package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/creditsync/internal/cachegateway"
	"github.com/smallbiznis/creditsync/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditsync/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditsync/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Gateway    cachegateway.Gateway
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledger     ledgerdomain.Service
	gateway    cachegateway.Gateway
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		log:        p.Log.Named("usage.sync"),
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) SyncAccountUsage(ctx context.Context, accountID, day string) (usagedomain.SyncResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return usagedomain.SyncResult{}, usagedomain.ErrInvalidAccount
	}
	if !usagedomain.ValidDay(day) {
		return usagedomain.SyncResult{}, usagedomain.ErrInvalidDay
	}
	log := logger.WithAccount(logger.WithContext(ctx, s.log), accountID, day)

	res, err := s.gateway.GetUsageLog(ctx, accountID, day)
	if err != nil {
		return usagedomain.SyncResult{}, err
	}
	if res.NotFound() {
		return usagedomain.SyncResult{}, nil
	}
	if !res.Success {
		log.Warn("usage.sync.fetch_failed",
			zap.Int("status_code", res.StatusCode),
			zap.String("message", res.Message),
		)
		obsmetrics.Sync().AddErrors(obsmetrics.SyncReasonGateway, 1)
		return usagedomain.SyncResult{Errors: 1}, nil
	}
	if res.Data == nil || res.Data.Len() == 0 {
		return usagedomain.SyncResult{}, nil
	}
	bucket := *res.Data

	result := usagedomain.SyncResult{Errors: len(bucket.Invalid)}
	for _, invalid := range bucket.Invalid {
		log.Warn("usage.sync.invalid_event",
			zap.Int("index", invalid.Index),
			zap.String("reason", invalid.Reason),
		)
	}
	obsmetrics.Sync().AddErrors(obsmetrics.SyncReasonGateway, len(bucket.Invalid))

	events := orderedEvents(bucket.Events)
	records := make([]ledgerdomain.UsageRecord, 0, len(events))
	credentials := make(map[string]*ledgerdomain.Credential)
	var balance int64
	for _, event := range events {
		record, err := s.usageRecord(ctx, accountID, event, credentials)
		if err != nil {
			if errors.Is(err, ledgerdomain.ErrLedgerUnavailable) {
				s.obsMetrics.RecordUsageSynced(ctx, result.Synced, result.Errors)
				return result, err
			}
			result.Errors++
			obsmetrics.Sync().AddErrors(syncReason(err), 1)
			log.Warn("usage.sync.record_failed",
				zap.String("endpoint", event.Endpoint),
				zap.Time("recorded_at", event.Timestamp),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
		balance = event.RemainingCredits
	}

	inserted := 0
	if len(records) > 0 {
		description := fmt.Sprintf("usage sync %s", day)
		n, err := s.ledger.RecordUsageBatch(ctx, accountID, records, balance, description)
		switch {
		case errors.Is(err, ledgerdomain.ErrLedgerUnavailable):
			s.obsMetrics.RecordUsageSynced(ctx, result.Synced, result.Errors)
			return result, err
		case err != nil:
			result.Errors += len(records)
			obsmetrics.Sync().AddErrors(syncReason(err), len(records))
			log.Warn("usage.sync.persist_failed",
				zap.Int("records", len(records)),
				zap.Int64("remaining_credits", balance),
				zap.Error(err),
			)
		default:
			result.Synced = len(records)
			inserted = n
		}
	}

	// Nothing is cleared unless the batch committed, so the next run re-reads
	// the same records.
	if result.Synced > 0 {
		s.clearBucket(ctx, log, accountID, day)
	}

	s.obsMetrics.RecordUsageSynced(ctx, result.Synced, result.Errors)
	log.Info("usage.sync.account",
		zap.Int("events", bucket.Len()),
		zap.Int("synced", result.Synced),
		zap.Int("inserted", inserted),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// usageRecord resolves the event's credential and builds its ledger row.
func (s *Service) usageRecord(ctx context.Context, accountID string, event cachegateway.UsageEvent, seen map[string]*ledgerdomain.Credential) (ledgerdomain.UsageRecord, error) {
	credential, ok := seen[event.CredentialKey]
	if !ok {
		resolved, err := s.ledger.ResolveCredential(ctx, event.CredentialKey)
		if err != nil {
			return ledgerdomain.UsageRecord{}, err
		}
		credential = resolved
		seen[event.CredentialKey] = credential
	}
	if credential.AccountID != accountID {
		return ledgerdomain.UsageRecord{}, fmt.Errorf("%w: credential %d belongs to another account", ledgerdomain.ErrInvalidCredential, credential.ID)
	}

	var metadata datatypes.JSONMap
	if len(event.Metadata) > 0 {
		metadata = datatypes.JSONMap(event.Metadata)
	}
	return ledgerdomain.UsageRecord{
		AccountID:      accountID,
		CredentialID:   credential.ID,
		Endpoint:       event.Endpoint,
		CreditsUsed:    event.CreditsUsed,
		ResponseTimeMS: event.ResponseTimeMS,
		Status:         event.Status,
		RecordedAt:     event.Timestamp,
		Metadata:       metadata,
	}, nil
}

func (s *Service) clearBucket(ctx context.Context, log *zap.Logger, accountID, day string) {
	res, err := s.gateway.ClearUsageLog(ctx, accountID, day)
	switch {
	case err != nil:
		log.Warn("usage.sync.clear_failed", zap.Error(err))
	case !res.Success:
		log.Warn("usage.sync.clear_failed",
			zap.Int("status_code", res.StatusCode),
			zap.String("message", res.Message),
		)
	default:
		log.Debug("usage.sync.cleared")
	}
}

func (s *Service) HealthCheck(ctx context.Context) usagedomain.HealthReport {
	report := usagedomain.HealthReport{CheckedAt: s.clock.Now()}

	cache := s.gateway.CheckHealth(ctx)
	report.Cache = usagedomain.ComponentHealth{
		Reachable:  cache.Success,
		StatusCode: cache.StatusCode,
		Message:    cache.Message,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ledger.Ping(pingCtx); err != nil {
		report.Database = usagedomain.ComponentHealth{Message: err.Error()}
	} else {
		report.Database = usagedomain.ComponentHealth{Reachable: true}
	}

	report.Healthy = report.Cache.Reachable && report.Database.Reachable
	return report
}

// orderedEvents sorts by timestamp, keeping arrival order for ties, so the
// last element carries the newest remaining balance.
func orderedEvents(events []cachegateway.UsageEvent) []cachegateway.UsageEvent {
	out := make([]cachegateway.UsageEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func syncReason(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrCredentialNotFound), errors.Is(err, ledgerdomain.ErrInvalidCredential):
		return obsmetrics.SyncReasonUnknownCredential
	default:
		return obsmetrics.ClassifySyncReason(err)
	}
}
