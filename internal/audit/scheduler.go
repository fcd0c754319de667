package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs VerifyIntegrity on a cron schedule and records a SYSTEM event
// whenever a run finds tampered records.
type Scheduler struct {
	log      *Log
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a scheduler for log using a standard 5-field cron expression.
// An empty schedule disables it.
func NewScheduler(log *Log, schedule string) *Scheduler {
	return &Scheduler{
		log:      log,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "audit.scheduler"),
	}
}

// Start validates the schedule, registers the job and starts the cron runner.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("integrity schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling integrity check: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("audit integrity scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for a running check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("audit integrity scheduler stopped")
}

// RunOnce performs a single integrity check.
func (s *Scheduler) RunOnce(ctx context.Context) *Report {
	start := time.Now()
	report, err := s.log.VerifyIntegrity(ctx)
	if err != nil {
		s.logger.Error("integrity check failed to run", "error", err)
		return nil
	}
	s.logger.Info("integrity check complete",
		"checked", report.Checked,
		"invalid", len(report.InvalidIDs),
		"duration", time.Since(start),
	)
	if !report.Valid {
		s.log.Emit(ctx, Entry{
			Category: CategorySystem,
			Action:   "audit.integrity_check",
			Actor:    ActorSystem,
			Severity: SeverityCritical,
			Result:   ResultFailure,
			Details:  IntegrityDetails{Checked: report.Checked, Invalid: len(report.InvalidIDs)},
		})
	}
	return report
}
