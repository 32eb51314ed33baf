package rewardsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers recalculation passes on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	engine  *RewardEngine
	logger  *slog.Logger
	timeout time.Duration
}

// ScheduleInterval derives the nominal gap between runs of a cron spec.
func ScheduleInterval(spec string, from time.Time) (time.Duration, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	first := schedule.Next(from)
	second := schedule.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, fmt.Errorf("schedule %q never fires", spec)
	}
	return second.Sub(first), nil
}

// NewScheduler registers the recalculation job. Each pass is bounded by timeout
// when positive.
func NewScheduler(ctx context.Context, engine *RewardEngine, spec string, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cronLogger{logger: logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		engine:  engine,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule recalculation: %w", err)
	}
	return s, nil
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.engine.Recalculate(runCtx); err != nil {
		if errors.Is(err, ErrRecalculationInProgress) {
			s.logger.Info("scheduled recalculation skipped, pass already running")
			return
		}
		s.logger.Error("scheduled recalculation failed", slog.Any("error", err))
	}
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.Any("error", err)}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
