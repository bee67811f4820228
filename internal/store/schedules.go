package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

func (s *sqliteStore) UpsertSchedule(ctx context.Context, w model.WakeSchedule) error {
	var weekday any
	if w.Weekday != nil {
		weekday = int(*w.Weekday)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_schedules (id, host_fqn, host_name, host_mac, scheduled_time, weekday,
			frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_fqn = excluded.host_fqn,
			host_name = excluded.host_name,
			host_mac = excluded.host_mac,
			scheduled_time = excluded.scheduled_time,
			weekday = excluded.weekday,
			frequency = excluded.frequency,
			enabled = excluded.enabled,
			notify_on_wake = excluded.notify_on_wake,
			timezone = excluded.timezone,
			last_triggered = excluded.last_triggered,
			next_trigger = excluded.next_trigger,
			updated_at = excluded.updated_at
	`, w.ID, w.HostFQN, w.HostName, w.HostMAC, w.ScheduledTime, weekday, w.Frequency,
		boolToInt(w.Enabled), boolToInt(w.NotifyOnWake), w.Timezone, w.LastTriggered,
		w.NextTrigger, w.CreatedAt, w.UpdatedAt)
	return err
}

// ListDueSchedules selects up to batchSize rows that are enabled with
// nextTrigger <= now, ordered deterministically by id so repeated ticks
// under the same due-set see a stable order.
func (s *sqliteStore) ListDueSchedules(ctx context.Context, now time.Time, batchSize int) ([]model.WakeSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_fqn, host_name, host_mac, scheduled_time, weekday, frequency, enabled,
			notify_on_wake, timezone, last_triggered, next_trigger, created_at, updated_at
		FROM host_schedules
		WHERE enabled = 1 AND next_trigger IS NOT NULL AND next_trigger <= ?
		ORDER BY id ASC
		LIMIT ?
	`, now, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WakeSchedule
	for rows.Next() {
		w, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordExecutionAttempt(ctx context.Context, scheduleID string, attemptedAt time.Time, nextTrigger *time.Time, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE host_schedules
		SET last_triggered = ?, next_trigger = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, attemptedAt, nextTrigger, boolToInt(enabled), attemptedAt, scheduleID)
	return err
}

func scanSchedule(row interface{ Scan(dest ...any) error }) (model.WakeSchedule, error) {
	var w model.WakeSchedule
	var weekday sql.NullInt64
	var lastTriggered, nextTrigger sql.NullTime
	var enabled, notify int

	err := row.Scan(&w.ID, &w.HostFQN, &w.HostName, &w.HostMAC, &w.ScheduledTime, &weekday,
		&w.Frequency, &enabled, &notify, &w.Timezone, &lastTriggered, &nextTrigger,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return model.WakeSchedule{}, err
	}
	w.Enabled = enabled != 0
	w.NotifyOnWake = notify != 0
	if weekday.Valid {
		d := time.Weekday(weekday.Int64)
		w.Weekday = &d
	}
	if lastTriggered.Valid {
		t := lastTriggered.Time
		w.LastTriggered = &t
	}
	if nextTrigger.Valid {
		t := nextTrigger.Time
		w.NextTrigger = &t
	}
	return w, nil
}
