package scheduler

import (
	"context"
	"time"

	auditdomain "github.com/smallbiznis/creditsync/internal/audit/domain"
	obscontext "github.com/smallbiznis/creditsync/internal/observability/context"
	obslogger "github.com/smallbiznis/creditsync/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	date           string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) AddErrors(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.errorCount += count
}

func (s *Scheduler) newJobRun(ctx context.Context, job, date string, batchSize int) (context.Context, *jobRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &jobRun{
		job:       job,
		runID:     s.newRunID(),
		date:      date,
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithRunID(ctx, run.runID)
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType == "" {
		ctx = obscontext.WithActor(ctx, actorForTrigger(job), "scheduler")
	}
	return ctx, run
}

func actorForTrigger(trigger string) string {
	switch trigger {
	case TriggerCron:
		return auditdomain.ActorCron
	case TriggerManual:
		return auditdomain.ActorManual
	case TriggerCLI:
		return auditdomain.ActorCLI
	default:
		return auditdomain.ActorSystem
	}
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun, forceFull bool) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("date", run.date),
		zap.Int("batch_size", run.batchSize),
		zap.Bool("force_full", forceFull),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, report RunReport) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("date", run.date),
		zap.String("state", string(report.State)),
		zap.Int64("duration_ms", report.DurationMS),
		zap.Int("processed_count", run.processedCount),
		zap.Int("total_count", report.TotalUsers),
		zap.Int("synced_records", report.SyncedRecords),
		zap.Int("error_count", run.errorCount),
		zap.Bool("timeout_reached", report.TimeoutReached),
		zap.Int("discrepancies", report.CreditDiscrepancies),
		zap.Int("repaired", report.Repaired),
		zap.Bool("success", report.Success),
	}
	log := s.logger(ctx)
	switch {
	case report.State == StateFailed:
		log.Error("scheduler.job.finish", append(fields, zap.String("error", report.Error))...)
	case run.errorCount > 0 || report.TimeoutReached:
		log.Warn("scheduler.job.finish", fields...)
	default:
		log.Info("scheduler.job.finish", fields...)
	}
}
