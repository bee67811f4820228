package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/router"
	"github.com/wolyhq/cnc/internal/store"
)

type stubRouter struct {
	calls []string
}

func (r *stubRouter) RouteWake(ctx context.Context, fqn, idempotencyKey, correlationID string, verify bool, wolPort *int) router.Result {
	r.calls = append(r.calls, correlationID)
	return router.Result{Success: true}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTickFiresDueScheduleAndRecordsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	sched := model.WakeSchedule{
		ID: "s1", HostFQN: "desktop@home", HostName: "desktop", HostMAC: "AA:BB:CC:DD:EE:FF",
		ScheduledTime: "09:00", Frequency: model.FreqDaily, Enabled: true, Timezone: "UTC",
		NextTrigger: &past, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.UpsertSchedule(ctx, sched); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	rtr := &stubRouter{}
	w := New(zerolog.Nop(), s, rtr, Config{Enabled: true, BatchSize: 10})
	w.tick(ctx)

	if len(rtr.calls) != 1 {
		t.Fatalf("expected exactly one wake to be routed, got %d", len(rtr.calls))
	}

	due, err := s.ListDueSchedules(ctx, time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	var found bool
	for _, d := range due {
		if d.ID == "s1" {
			found = true
			if d.NextTrigger == nil {
				t.Error("expected a recomputed nextTrigger for a daily schedule")
			}
		}
	}
	if !found {
		t.Fatal("expected the daily schedule to still exist with a future nextTrigger")
	}
}

func TestTickSkipsOnceScheduleRecurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	sched := model.WakeSchedule{
		ID: "s2", HostFQN: "laptop@home", HostName: "laptop", HostMAC: "11:22:33:44:55:66",
		ScheduledTime: "09:00", Frequency: model.FreqOnce, Enabled: true, Timezone: "UTC",
		NextTrigger: &past, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.UpsertSchedule(ctx, sched); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	rtr := &stubRouter{}
	w := New(zerolog.Nop(), s, rtr, Config{Enabled: true, BatchSize: 10})
	w.tick(ctx)

	due, err := s.ListDueSchedules(ctx, time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	for _, d := range due {
		if d.ID == "s2" {
			t.Error("expected a 'once' schedule to never recur as due again")
		}
	}
}

func TestReentrancyGuardSkipsOverlappingTick(t *testing.T) {
	s := newTestStore(t)
	rtr := &stubRouter{}
	w := New(zerolog.Nop(), s, rtr, Config{Enabled: true, BatchSize: 10})

	w.ticking.Store(true)
	w.tick(context.Background())

	if len(rtr.calls) != 0 {
		t.Error("expected tick to be skipped while a prior tick is marked running")
	}
}

func TestCronExprDailyAndWeekly(t *testing.T) {
	weekday := time.Tuesday
	daily := model.WakeSchedule{ScheduledTime: "07:30", Frequency: model.FreqDaily}
	if expr, err := cronExpr(daily); err != nil || expr != "30 7 * * *" {
		t.Errorf("expected daily cron expr '30 7 * * *', got %q, %v", expr, err)
	}

	weekly := model.WakeSchedule{ScheduledTime: "07:30", Frequency: model.FreqWeekly, Weekday: &weekday}
	if expr, err := cronExpr(weekly); err != nil || expr != "30 7 * * 2" {
		t.Errorf("expected weekly cron expr '30 7 * * 2', got %q, %v", expr, err)
	}
}
