package scheduler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	"github.com/smallbiznis/creditsync/internal/clock"
	"github.com/smallbiznis/creditsync/internal/config"
	discrepancydomain "github.com/smallbiznis/creditsync/internal/discrepancy/domain"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/smallbiznis/creditsync/internal/lock"
	obsmetrics "github.com/smallbiznis/creditsync/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditsync/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MetricsPusher ships the process metrics somewhere after each run.
type MetricsPusher interface {
	PushRun(ctx context.Context) error
}

type Params struct {
	fx.In

	Log            *zap.Logger
	Config         Config `optional:"true"`
	Clock          clock.Clock
	Gateway        *config.GatewayConfigHolder
	LedgerSvc      ledgerdomain.Service
	UsageSvc       usagedomain.Service
	DiscrepancySvc discrepancydomain.Service
	AuditSvc       auditdomain.Service    `optional:"true"`
	Locker         *lock.AccountDayLocker `optional:"true"`
	Pusher         MetricsPusher          `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	gateway        *config.GatewayConfigHolder
	ledgerSvc      ledgerdomain.Service
	usageSvc       usagedomain.Service
	discrepancySvc discrepancydomain.Service
	auditSvc       auditdomain.Service
	locker         *lock.AccountDayLocker
	pusher         MetricsPusher

	mu   sync.Mutex
	last *RunReport
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Gateway == nil || p.LedgerSvc == nil || p.UsageSvc == nil || p.DiscrepancySvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		gateway:        p.Gateway,
		ledgerSvc:      p.LedgerSvc,
		usageSvc:       p.UsageSvc,
		discrepancySvc: p.DiscrepancySvc,
		auditSvc:       p.AuditSvc,
		locker:         p.Locker,
		pusher:         p.Pusher,
	}, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// Authorize checks a trigger's Authorization header against the cron secret.
// An unset secret rejects every caller.
func (s *Scheduler) Authorize(header string) error {
	secret := strings.TrimSpace(s.cfg.CronSecret)
	if secret == "" {
		return ErrUnauthorized
	}
	expected := "Bearer " + secret
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header)), []byte(expected)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// LastReport returns the most recent finished run, if any.
func (s *Scheduler) LastReport() (RunReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunReport{}, false
	}
	return *s.last, true
}

// Run executes one budgeted sweep over every ledger account. The returned
// error is non-nil only for fatal aborts; the report is always populated.
func (s *Scheduler) Run(parent context.Context, req RunRequest) (RunReport, error) {
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = TriggerCron
		if req.Manual {
			trigger = TriggerManual
		}
	}
	date := strings.TrimSpace(req.Date)
	if !usagedomain.ValidDay(date) {
		date = usagedomain.Yesterday(s.clock.Now())
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
		if req.Manual {
			batchSize = s.cfg.ManualBatchSize
		}
	}

	ctx, run := s.newJobRun(parent, trigger, date, batchSize)
	ctx, span := otel.Tracer("creditsync/scheduler").Start(ctx, "sync.run")
	span.SetAttributes(
		attribute.String("sync.date", date),
		attribute.String("sync.trigger", trigger),
		attribute.Bool("sync.force_full", req.ForceFull),
	)
	defer span.End()

	state := StateIdle
	report := RunReport{
		RunID:                run.runID,
		State:                state,
		Date:                 date,
		BatchSize:            batchSize,
		Manual:               req.Manual,
		ExecutionEnvironment: s.cfg.Environment,
	}
	advance := func(to State) {
		if err := ensureTransition(state, to); err != nil {
			s.logger(ctx).Error("scheduler.state.invalid", zap.Error(err))
			return
		}
		state = to
		report.State = to
	}
	advance(StateRunning)
	s.logJobStart(ctx, run, req.ForceFull)

	fail := func(err error) (RunReport, error) {
		advance(StateFailed)
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.finish(ctx, run, trigger, &report)
		return report, err
	}

	if !s.gateway.Get().Configured() {
		return fail(ErrNotConfigured)
	}

	accountIDs, err := s.ledgerSvc.ListAccountIDs(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrLedgerUnavailable, err))
	}
	report.TotalUsers = len(accountIDs)

	budget := s.cfg.Budget()
	loopStart := s.clock.Now()
	timeout := false

batches:
	for start := 0; start < len(accountIDs); start += batchSize {
		end := start + batchSize
		if end > len(accountIDs) {
			end = len(accountIDs)
		}
		for _, accountID := range accountIDs[start:end] {
			res, skipped, err := s.syncAccount(ctx, accountID, date)
			if err != nil {
				return fail(fmt.Errorf("%w: %w", ErrLedgerUnavailable, err))
			}
			report.ProcessedUsers++
			run.AddProcessed(1)
			if skipped {
				report.SkippedLocked++
			}
			report.SyncedRecords += res.Synced
			report.Errors += res.Errors
			run.AddErrors(res.Errors)
			obsmetrics.Sync().AddAccountProcessed(res.Synced)

			if report.ProcessedUsers == report.TotalUsers {
				break batches
			}
			if ctx.Err() != nil {
				timeout = true
				break batches
			}
			// Stop before an account that would likely finish past the budget.
			now := s.clock.Now()
			elapsed := now.Sub(run.startedAt)
			perAccount := now.Sub(loopStart) / time.Duration(report.ProcessedUsers)
			if elapsed+perAccount > budget {
				timeout = true
				break batches
			}
		}
	}

	report.TimeoutReached = timeout
	report.IsPartialSync = timeout
	if timeout {
		s.logger(ctx).Warn("scheduler.budget.exceeded",
			zap.Int("processed", report.ProcessedUsers),
			zap.Int("total", report.TotalUsers),
			zap.Duration("budget", budget),
		)
	}

	if req.ForceFull && !timeout && budget-s.elapsed(run) > s.cfg.DiscrepancyReserve {
		s.checkDiscrepancies(ctx, run, budget, req.Manual, &report)
	}

	if timeout {
		advance(StatePartiallyCompleted)
	} else {
		advance(StateCompleted)
	}
	report.Success = healthy(report.ProcessedUsers, report.SyncedRecords, report.Errors, timeout, s.cfg.ErrorTolerance)
	s.finish(ctx, run, trigger, &report)
	return report, nil
}

// syncAccount runs one account under the advisory lock. Only an unavailable
// ledger is returned as an error.
func (s *Scheduler) syncAccount(ctx context.Context, accountID, date string) (usagedomain.SyncResult, bool, error) {
	release, acquired, err := s.locker.Acquire(ctx, accountID, date)
	if err != nil {
		s.logger(ctx).Warn("scheduler.lock.unavailable", zap.String("account_id", accountID), zap.Error(err))
		acquired = true
	}
	if !acquired {
		s.logger(ctx).Debug("scheduler.lock.held", zap.String("account_id", accountID), zap.String("date", date))
		return usagedomain.SyncResult{}, true, nil
	}
	defer release()

	res, err := s.usageSvc.SyncAccountUsage(ctx, accountID, date)
	if err == nil {
		return res, false, nil
	}
	if errors.Is(err, ledgerdomain.ErrLedgerUnavailable) {
		return res, false, err
	}
	s.logger(ctx).Warn("scheduler.account.failed", zap.String("account_id", accountID), zap.Error(err))
	res.Errors++
	obsmetrics.Sync().AddErrors(obsmetrics.ClassifySyncReason(err), 1)
	return res, false, nil
}

func (s *Scheduler) checkDiscrepancies(ctx context.Context, run *jobRun, budget time.Duration, manual bool, report *RunReport) {
	found, err := s.discrepancySvc.FindDiscrepancies(ctx)
	if err != nil {
		s.logger(ctx).Warn("scheduler.discrepancy.scan_failed", zap.Error(err))
		return
	}
	report.CreditDiscrepancies = len(found)
	report.Discrepancies = found
	if manual {
		return
	}

	for i, d := range found {
		if i >= s.cfg.RepairCap {
			break
		}
		if s.elapsed(run) > budget-s.cfg.RepairReserve {
			s.logger(ctx).Warn("scheduler.discrepancy.repair_deferred",
				zap.Int("remaining", len(found)-i),
			)
			break
		}
		if err := s.discrepancySvc.Repair(ctx, d); err != nil {
			s.logger(ctx).Warn("scheduler.discrepancy.repair_failed",
				zap.String("account_id", d.AccountID),
				zap.Error(err),
			)
			continue
		}
		report.Repaired++
	}
}

func (s *Scheduler) finish(ctx context.Context, run *jobRun, trigger string, report *RunReport) {
	finishedAt := s.clock.Now()
	duration := finishedAt.Sub(run.startedAt)
	report.DurationMS = duration.Milliseconds()

	outcome := obsmetrics.RunOutcomeCompleted
	switch report.State {
	case StatePartiallyCompleted:
		outcome = obsmetrics.RunOutcomePartial
	case StateFailed:
		outcome = obsmetrics.RunOutcomeFailed
	}
	obsmetrics.Sync().ObserveRun(trigger, outcome, duration, report.Success, finishedAt)

	s.logJobFinish(ctx, run, *report)
	s.audit(ctx, report)
	s.push(ctx)

	snapshot := *report
	s.mu.Lock()
	s.last = &snapshot
	s.mu.Unlock()
}

func (s *Scheduler) audit(ctx context.Context, report *RunReport) {
	if s.auditSvc == nil {
		return
	}
	runID := report.RunID
	metadata := map[string]any{
		"date":            report.Date,
		"state":           string(report.State),
		"success":         report.Success,
		"synced_records":  report.SyncedRecords,
		"errors":          report.Errors,
		"processed_users": report.ProcessedUsers,
		"total_users":     report.TotalUsers,
		"timeout_reached": report.TimeoutReached,
		"discrepancies":   report.CreditDiscrepancies,
		"repaired":        report.Repaired,
	}
	if report.Error != "" {
		metadata["error"] = report.Error
	}
	if err := s.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionSyncRunCompleted, "sync_run", &runID, metadata); err != nil {
		s.logger(ctx).Warn("audit write failed", zap.String("action", auditdomain.ActionSyncRunCompleted), zap.Error(err))
	}
}

func (s *Scheduler) push(ctx context.Context) {
	if s.pusher == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.pusher.PushRun(pushCtx); err != nil {
		s.logger(ctx).Warn("scheduler.metrics.push_failed", zap.Error(err))
	}
}

func (s *Scheduler) elapsed(run *jobRun) time.Duration {
	return s.clock.Now().Sub(run.startedAt)
}

func (s *Scheduler) newRunID() string {
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy()).String()
}

// RunForever triggers a run every interval until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if _, err := s.Run(ctx, RunRequest{Trigger: TriggerInterval}); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			obsmetrics.Sync().ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}
