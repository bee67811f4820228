package store

import (
	"context"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

func (s *sqliteStore) AppendHostStatusHistory(ctx context.Context, h model.HostStatusHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at)
		VALUES (?, ?, ?, ?)
	`, h.HostFQN, h.OldStatus, h.NewStatus, h.ChangedAt)
	return err
}

func (s *sqliteStore) ListHostStatusHistory(ctx context.Context, hostFQN string, since time.Time) ([]model.HostStatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_fqn, old_status, new_status, changed_at
		FROM host_status_history
		WHERE host_fqn = ? AND changed_at >= ?
		ORDER BY changed_at ASC
	`, hostFQN, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HostStatusHistory
	for rows.Next() {
		var h model.HostStatusHistory
		if err := rows.Scan(&h.ID, &h.HostFQN, &h.OldStatus, &h.NewStatus, &h.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneHostStatusHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host_status_history WHERE changed_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
