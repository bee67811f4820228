package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

func (s *sqliteStore) UpsertNode(ctx context.Context, n model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, status, last_heartbeat, protocol_version, platform, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			protocol_version = excluded.protocol_version,
			platform = excluded.platform
	`, n.ID, n.Status, n.LastHeartbeat, n.ProtocolVersion, n.Platform, n.RegisteredAt)
	return err
}

func (s *sqliteStore) SetNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, last_heartbeat = ? WHERE id = ?`,
		status, time.Now(), nodeID)
	return err
}

func (s *sqliteStore) IncrementInvalidPayload(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET invalid_payload_count = invalid_payload_count + 1 WHERE id = ?`,
		nodeID)
	return err
}

func (s *sqliteStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	var n model.Node
	var lastHeartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, last_heartbeat, protocol_version, platform, invalid_payload_count, registered_at
		FROM nodes WHERE id = ?
	`, nodeID).Scan(&n.ID, &n.Status, &lastHeartbeat, &n.ProtocolVersion, &n.Platform, &n.InvalidPayloadCount, &n.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		n.LastHeartbeat = lastHeartbeat.Time
	}
	return &n, nil
}
