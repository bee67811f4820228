package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolyhq/cnc/internal/model"
)

const hostColumns = `id, node_id, name, location, mac, secondary_macs, ip, status, last_seen,
	discovered, ping_responsive, notes, tags, power_control, open_ports, scanned_at, expire_at`

// scanHost decodes one aggregated_hosts row. Unparseable JSON columns
// degrade to empty values, never failing the read; the decode error is
// discarded and no warning is logged.
func scanHost(row interface {
	Scan(dest ...any) error
}) (model.Host, error) {
	var h model.Host
	var location, ip sql.NullString
	var lastSeen, scannedAt, expireAt sql.NullTime
	var secondaryMACsJSON, tagsJSON, powerControlJSON, openPortsJSON sql.NullString
	var notes sql.NullString
	var discovered int

	err := row.Scan(&h.ID, &h.NodeID, &h.Name, &location, &h.PrimaryMAC, &secondaryMACsJSON,
		&ip, &h.Status, &lastSeen, &discovered, &h.PingResponsive, &notes, &tagsJSON,
		&powerControlJSON, &openPortsJSON, &scannedAt, &expireAt)
	if err != nil {
		return model.Host{}, err
	}

	h.Location = location.String
	h.IP = ip.String
	h.Discovered = discovered != 0
	if lastSeen.Valid {
		h.LastSeen = lastSeen.Time
	}
	if notes.Valid {
		n := notes.String
		h.Notes = &n
	}
	if scannedAt.Valid {
		t := scannedAt.Time
		h.ScannedAt = &t
	}
	if expireAt.Valid {
		t := expireAt.Time
		h.ExpireAt = &t
	}

	if secondaryMACsJSON.Valid && secondaryMACsJSON.String != "" {
		_ = json.Unmarshal([]byte(secondaryMACsJSON.String), &h.SecondaryMACs)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &h.Tags)
	}
	if openPortsJSON.Valid && openPortsJSON.String != "" {
		_ = json.Unmarshal([]byte(openPortsJSON.String), &h.OpenPorts)
	}
	if powerControlJSON.Valid && powerControlJSON.String != "" {
		var pc model.PowerControl
		if json.Unmarshal([]byte(powerControlJSON.String), &pc) == nil {
			h.PowerControl = &pc
		}
	}

	return h, nil
}

func (s *sqliteStore) UpsertHost(ctx context.Context, h model.Host) (model.Host, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	secondaryMACs, _ := json.Marshal(h.SecondaryMACs)
	tags, _ := json.Marshal(h.Tags)
	openPorts, _ := json.Marshal(h.OpenPorts)
	var powerControl []byte
	if h.PowerControl != nil {
		powerControl, _ = json.Marshal(h.PowerControl)
	}
	var notes any
	if h.Notes != nil {
		notes = *h.Notes
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregated_hosts (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			name = excluded.name,
			location = excluded.location,
			mac = excluded.mac,
			secondary_macs = excluded.secondary_macs,
			ip = excluded.ip,
			status = excluded.status,
			last_seen = excluded.last_seen,
			discovered = excluded.discovered,
			ping_responsive = excluded.ping_responsive,
			notes = excluded.notes,
			tags = excluded.tags,
			power_control = excluded.power_control,
			open_ports = excluded.open_ports,
			scanned_at = excluded.scanned_at,
			expire_at = excluded.expire_at
	`, h.ID, h.NodeID, h.Name, h.Location, h.PrimaryMAC, string(secondaryMACs), h.IP, h.Status,
		h.LastSeen, boolToInt(h.Discovered), h.PingResponsive, notes, string(tags),
		nullableString(powerControl), string(openPorts), h.ScannedAt, h.ExpireAt)
	if err != nil {
		return model.Host{}, err
	}
	return h, nil
}

func (s *sqliteStore) DeleteHost(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_hosts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteHostByName(ctx context.Context, nodeID, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac FROM aggregated_hosts WHERE node_id = ? AND name = ?`, nodeID, name)
	if err != nil {
		return nil, err
	}
	var macs []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return nil, err
		}
		macs = append(macs, m)
	}
	rows.Close()

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM aggregated_hosts WHERE node_id = ? AND name = ?`, nodeID, name)
	return macs, err
}

func (s *sqliteStore) GetHostByID(ctx context.Context, id string) (*model.Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *sqliteStore) GetHostByNodeAndName(ctx context.Context, nodeID, name string) (*model.Host, error) {
	h, err := scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND name = ?`, nodeID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHostByNodeAndMAC scans every row for a node and returns the first
// whose primary-or-secondary MAC set intersects macs. The per-node host
// count is small enough that a full scan beats a denormalized MAC index,
// and it sidesteps JSON-array containment queries that don't portray
// identically between an embedded engine and a server engine.
func (s *sqliteStore) GetHostByNodeAndMAC(ctx context.Context, nodeID string, macs []string) (*model.Host, error) {
	want := make(map[string]bool, len(macs))
	for _, m := range macs {
		want[strings.ToUpper(m)] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		if want[strings.ToUpper(h.PrimaryMAC)] {
			return &h, nil
		}
		for _, m := range h.SecondaryMACs {
			if want[strings.ToUpper(m)] {
				return &h, nil
			}
		}
	}
	return nil, rows.Err()
}

func (s *sqliteStore) GetHostByFQN(ctx context.Context, fqn string) (*model.Host, error) {
	name, location, err := model.ParseFQN(fqn)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM aggregated_hosts WHERE name = ? AND location = ?`, name, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		return &h, nil
	}
	return nil, rows.Err()
}

func (s *sqliteStore) ListHosts(ctx context.Context, filter HostFilter) ([]model.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM aggregated_hosts WHERE 1=1`
	var args []any
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// MarkNodeHostsUnreachable flips every awake host of a node to asleep and
// returns the flipped rows so the caller can write history entries and
// emit events.
func (s *sqliteStore) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) ([]model.Host, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND status = ?`,
		nodeID, model.HostAwake)
	if err != nil {
		return nil, err
	}
	var flipped []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		flipped = append(flipped, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(flipped) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE aggregated_hosts SET status = ? WHERE node_id = ? AND status = ?`,
			model.HostAsleep, nodeID, model.HostAwake); err != nil {
			return nil, err
		}
	}

	return flipped, tx.Commit()
}

func (s *sqliteStore) SaveHostPortScanSnapshot(ctx context.Context, fqn string, ports []model.OpenPort, scannedAt, expireAt time.Time) error {
	name, location, err := model.ParseFQN(fqn)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE aggregated_hosts SET open_ports = ?, scanned_at = ?, expire_at = ?
		WHERE name = ? AND location = ?
	`, string(data), scannedAt, expireAt, name, location)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT location, status FROM aggregated_hosts`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := Stats{ByLocation: make(map[string]LocationStats)}
	for rows.Next() {
		var location string
		var status model.HostStatus
		if err := rows.Scan(&location, &status); err != nil {
			return Stats{}, err
		}
		stats.Total++
		ls := stats.ByLocation[location]
		ls.Total++
		if status == model.HostAwake {
			stats.Awake++
			ls.Awake++
		} else {
			stats.Asleep++
		}
		stats.ByLocation[location] = ls
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
