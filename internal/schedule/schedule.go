// Package schedule runs the wake-schedule background worker: a single
// ticking loop that fires due WakeSchedule rows through the command
// router.
package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/router"
	"github.com/wolyhq/cnc/internal/store"
)

// WakeRouter is the subset of the command router the worker needs.
type WakeRouter interface {
	RouteWake(ctx context.Context, fqn, idempotencyKey, correlationID string, verify bool, wolPort *int) router.Result
}

// Config holds the worker's tunables.
type Config struct {
	Enabled        bool
	PollInterval   time.Duration
	BatchSize      int
}

// Worker is the single wake-schedule background loop.
type Worker struct {
	log    zerolog.Logger
	store  store.Store
	router WakeRouter
	cfg    Config

	ticking atomic.Bool
}

// New constructs a Worker. Defaults: PollInterval 30s, BatchSize 50.
func New(log zerolog.Logger, s store.Store, r WakeRouter, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{log: log.With().Str("component", "schedule-worker").Logger(), store: s, router: r, cfg: cfg}
}

// Run blocks, ticking until ctx is canceled. No-op if the worker is
// disabled in Config.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		w.log.Info().Msg("schedule worker disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("schedule worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick fetches and fires due schedules. A reentrancy guard skips the
// tick entirely if a prior one is still running.
func (w *Worker) tick(ctx context.Context) {
	if !w.ticking.CompareAndSwap(false, true) {
		w.log.Warn().Msg("previous schedule tick still running, skipping")
		return
	}
	defer w.ticking.Store(false)

	now := time.Now()
	due, err := w.store.ListDueSchedules(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list due schedules")
		return
	}
	for _, s := range due {
		w.fire(ctx, s, now)
	}
}

func (w *Worker) fire(ctx context.Context, s model.WakeSchedule, attemptedAt time.Time) {
	correlationID := fmt.Sprintf("schedule:%s:%d", s.ID, attemptedAt.UnixMilli())

	res := w.router.RouteWake(ctx, s.HostFQN, "", correlationID, s.NotifyOnWake, nil)
	if res.Err != nil {
		w.log.Warn().Err(res.Err).Str("scheduleId", s.ID).Str("fqn", s.HostFQN).Msg("scheduled wake failed to route")
	} else {
		w.log.Info().Str("scheduleId", s.ID).Str("fqn", s.HostFQN).Bool("success", res.Success).Msg("scheduled wake routed")
	}

	next, enabled := nextOccurrence(s, attemptedAt)
	if err := w.store.RecordExecutionAttempt(ctx, s.ID, attemptedAt, next, enabled); err != nil {
		w.log.Error().Err(err).Str("scheduleId", s.ID).Msg("failed to record schedule execution attempt")
	}
}

// nextOccurrence recomputes nextTrigger after an execution attempt.
// A "once" schedule never recurs.
func nextOccurrence(s model.WakeSchedule, after time.Time) (*time.Time, bool) {
	if s.Frequency == model.FreqOnce {
		return nil, false
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}

	expr, err := cronExpr(s)
	if err != nil {
		return nil, s.Enabled
	}

	g := gronx.New()
	next, err := g.NextTickAfter(expr, after.In(loc), false)
	if err != nil {
		return nil, s.Enabled
	}
	utc := next.UTC()
	return &utc, s.Enabled
}

// cronExpr translates scheduledTime/weekday/frequency into a 5-field
// cron expression gronx can evaluate.
func cronExpr(s model.WakeSchedule) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s.ScheduledTime, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("invalid scheduledTime %q: %w", s.ScheduledTime, err)
	}

	switch s.Frequency {
	case model.FreqDaily:
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	case model.FreqWeekly:
		weekday := time.Sunday
		if s.Weekday != nil {
			weekday = *s.Weekday
		}
		return fmt.Sprintf("%d %d * * %d", mm, hh, int(weekday)), nil
	default:
		return "", fmt.Errorf("unsupported recurring frequency %q", s.Frequency)
	}
}
