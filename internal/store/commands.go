package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

func (s *sqliteStore) InsertCommand(ctx context.Context, c model.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, type, node_id, target_key, payload, state, correlation_id,
			idempotency_key, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Type, c.NodeID, c.TargetKey, c.Payload, c.State, c.CorrelationID,
		nullableIdempotencyKey(c.IdempotencyKey), c.QueuedAt)
	return err
}

func (s *sqliteStore) MarkCommandSent(ctx context.Context, commandID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET state = ?, sent_at = ? WHERE id = ? AND state = ?`,
		model.CommandSent, sentAt, commandID, model.CommandQueued)
	return err
}

// ResolveCommand transitions a command into a terminal state. The state
// column's current value is not checked here — the router is the single
// exclusive owner of transition legality and must not call this twice
// for the same commandId.
func (s *sqliteStore) ResolveCommand(ctx context.Context, commandID string, state model.CommandState, outcome []byte, errMsg *string, resolvedAt time.Time) error {
	var errVal any
	if errMsg != nil {
		errVal = *errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET state = ?, outcome = ?, error = ?, resolved_at = ?
		WHERE id = ?
	`, state, outcome, errVal, resolvedAt, commandID)
	return err
}

func (s *sqliteStore) GetCommand(ctx context.Context, commandID string) (*model.Command, error) {
	c, err := scanCommand(s.db.QueryRowContext(ctx, `
		SELECT id, type, node_id, target_key, payload, state, correlation_id, idempotency_key,
			queued_at, sent_at, resolved_at, outcome, error
		FROM commands WHERE id = ?
	`, commandID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) FindNonTerminalByIdempotencyKey(ctx context.Context, nodeID string, t model.CommandType, target, key string) (*model.Command, error) {
	c, err := scanCommand(s.db.QueryRowContext(ctx, `
		SELECT id, type, node_id, target_key, payload, state, correlation_id, idempotency_key,
			queued_at, sent_at, resolved_at, outcome, error
		FROM commands
		WHERE node_id = ? AND type = ? AND target_key = ? AND idempotency_key = ?
			AND state IN (?, ?)
		ORDER BY queued_at DESC LIMIT 1
	`, nodeID, t, target, key, model.CommandQueued, model.CommandSent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) ListNonTerminalCommands(ctx context.Context) ([]model.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, node_id, target_key, payload, state, correlation_id, idempotency_key,
			queued_at, sent_at, resolved_at, outcome, error
		FROM commands WHERE state IN (?, ?)
	`, model.CommandQueued, model.CommandSent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReconcileOnStartup transitions every row left in {queued, sent} at boot
// to timed_out with a fixed reason, before the server accepts node
// connections.
func (s *sqliteStore) ReconcileOnStartup(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET state = ?, error = ?, resolved_at = ?
		WHERE state IN (?, ?)
	`, model.CommandTimedOut, reason, at, model.CommandQueued, model.CommandSent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PruneCommands(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commands WHERE resolved_at IS NOT NULL AND resolved_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCommand(row interface{ Scan(dest ...any) error }) (model.Command, error) {
	var c model.Command
	var idempotencyKey, errMsg sql.NullString
	var sentAt, resolvedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Type, &c.NodeID, &c.TargetKey, &c.Payload, &c.State,
		&c.CorrelationID, &idempotencyKey, &c.QueuedAt, &sentAt, &resolvedAt, &c.Outcome, &errMsg)
	if err != nil {
		return model.Command{}, err
	}
	if idempotencyKey.Valid {
		k := idempotencyKey.String
		c.IdempotencyKey = &k
	}
	if errMsg.Valid {
		m := errMsg.String
		c.Error = &m
	}
	if sentAt.Valid {
		t := sentAt.Time
		c.SentAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func nullableIdempotencyKey(k *string) any {
	if k == nil {
		return nil
	}
	return *k
}
