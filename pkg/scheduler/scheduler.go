// Package scheduler runs reconciliation cycles on a cron schedule. Cycles
// are run from a single loop, so at most one is ever in flight; a cycle
// that overruns its slot simply delays the next one.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mhollis/taskhub/pkg/engine"
)

// cronParser accepts standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// CycleRunner is the part of the engine the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (engine.Summary, error)
}

// Scheduler fires reconciliation cycles when a cron schedule comes due.
type Scheduler struct {
	runner   CycleRunner
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses spec and returns a Scheduler driving runner.
func New(runner CycleRunner, spec string, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, schedule: schedule, logger: logger}, nil
}

// Start begins the scheduling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sync scheduler started")
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		summary, err := s.runner.RunCycle(ctx)
		if err != nil {
			s.logger.Error("scheduled sync cycle failed", "error", err)
			continue
		}
		s.logger.Info("scheduled sync cycle finished",
			"run_id", summary.RunID,
			"completed", summary.Completed,
			"ingested", summary.Ingested,
			"failures", summary.TotalFailures())
	}
}
