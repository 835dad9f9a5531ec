package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clinical-fhir-extractor/models"

	"github.com/go-co-op/gocron"
)

const (
	TagAuditVerify = "audit-verify"
	TagAPIKeySweep = "api-key-sweep"

	jobTimeout = 5 * time.Minute
)

type ChainVerifier interface {
	VerifyChain(ctx context.Context) (models.ChainReport, error)
}

type ExpiredKeySweeper interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler runs the maintenance jobs on cron expressions in UTC.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop waits for running jobs and cancels their context.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// ScheduleJob runs job on cronExpr under tag. Each run gets a bounded context.
func (s *Scheduler) ScheduleJob(tag, cronExpr string, job func(ctx context.Context) error) error {
	_, err := s.scheduler.Cron(cronExpr).Tag(tag).Do(func() {
		ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
		defer cancel()
		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", tag, "error", err)
			return
		}
		s.logger.Debug("scheduled job finished", "job", tag, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", tag, err)
	}
	return nil
}

func (s *Scheduler) Tags() []string {
	var tags []string
	for _, j := range s.scheduler.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}

// VerifyAuditChain returns the job that checks the audit hash chain.
func VerifyAuditChain(v ChainVerifier, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		report, err := v.VerifyChain(ctx)
		if err != nil {
			return err
		}
		if !report.Valid {
			logger.Error("audit chain verification failed", "broken_at", report.BrokenAt, "reason", report.Reason, "events", report.Events)
			return fmt.Errorf("audit chain broken at %s: %s", report.BrokenAt, report.Reason)
		}
		logger.Info("audit chain verified", "events", report.Events)
		return nil
	}
}

// SweepExpiredAPIKeys returns the job that deactivates expired API keys.
func SweepExpiredAPIKeys(k ExpiredKeySweeper, logger *slog.Logger, now func() time.Time) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := k.DeactivateExpired(ctx, now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("deactivated expired api keys", "count", n)
		}
		return nil
	}
}
