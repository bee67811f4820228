// Package store persists the C&C server's durable state: nodes, the
// aggregated host table, host status history, commands, wake schedules,
// and webhooks/deliveries, keeping every query behind the Store
// interface rather than branching per call site.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/wolyhq/cnc/internal/model"
)

// HostFilter narrows ListHosts by node and/or status.
type HostFilter struct {
	NodeID string
	Status model.HostStatus // "" = any
}

// Stats is the aggregator's derived summary.
type Stats struct {
	Total      int
	Awake      int
	Asleep     int
	ByLocation map[string]LocationStats
}

// LocationStats is the per-location breakdown within Stats.
type LocationStats struct {
	Total int
	Awake int
}

// Store is the persistence boundary. One implementation ships today
// (SQLite via modernc.org/sqlite); the interface is the seam a server
// engine (Postgres-shaped) would implement without touching callers,
// mirroring the devopsclaw store-factory's backend-agnostic contract.
type Store interface {
	// Nodes
	UpsertNode(ctx context.Context, n model.Node) error
	SetNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error
	IncrementInvalidPayload(ctx context.Context, nodeID string) error
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)

	// Hosts
	UpsertHost(ctx context.Context, h model.Host) (model.Host, error)
	DeleteHost(ctx context.Context, id string) error
	DeleteHostByName(ctx context.Context, nodeID, name string) (deletedMACs []string, err error)
	GetHostByID(ctx context.Context, id string) (*model.Host, error)
	GetHostByNodeAndMAC(ctx context.Context, nodeID string, macs []string) (*model.Host, error)
	GetHostByNodeAndName(ctx context.Context, nodeID, name string) (*model.Host, error)
	GetHostByFQN(ctx context.Context, fqn string) (*model.Host, error)
	ListHosts(ctx context.Context, filter HostFilter) ([]model.Host, error)
	MarkNodeHostsUnreachable(ctx context.Context, nodeID string) ([]model.Host, error)
	SaveHostPortScanSnapshot(ctx context.Context, fqn string, ports []model.OpenPort, scannedAt, expireAt time.Time) error
	Stats(ctx context.Context) (Stats, error)

	// Host status history
	AppendHostStatusHistory(ctx context.Context, h model.HostStatusHistory) error
	ListHostStatusHistory(ctx context.Context, hostFQN string, since time.Time) ([]model.HostStatusHistory, error)
	PruneHostStatusHistory(ctx context.Context, olderThan time.Time) (int64, error)

	// Commands
	InsertCommand(ctx context.Context, c model.Command) error
	MarkCommandSent(ctx context.Context, commandID string, sentAt time.Time) error
	ResolveCommand(ctx context.Context, commandID string, state model.CommandState, outcome []byte, errMsg *string, resolvedAt time.Time) error
	GetCommand(ctx context.Context, commandID string) (*model.Command, error)
	FindNonTerminalByIdempotencyKey(ctx context.Context, nodeID string, t model.CommandType, target, key string) (*model.Command, error)
	ListNonTerminalCommands(ctx context.Context) ([]model.Command, error)
	ReconcileOnStartup(ctx context.Context, reason string, at time.Time) (int64, error)
	PruneCommands(ctx context.Context, olderThan time.Time) (int64, error)

	// Wake schedules
	UpsertSchedule(ctx context.Context, s model.WakeSchedule) error
	ListDueSchedules(ctx context.Context, now time.Time, batchSize int) ([]model.WakeSchedule, error)
	RecordExecutionAttempt(ctx context.Context, scheduleID string, attemptedAt time.Time, nextTrigger *time.Time, enabled bool) error

	// Webhooks
	UpsertWebhook(ctx context.Context, w model.Webhook) error
	ListWebhooksForEvent(ctx context.Context, eventType string) ([]model.Webhook, error)
	RecordWebhookDelivery(ctx context.Context, d model.WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]model.WebhookDelivery, error)

	Close() error
}

// Open opens (creating if necessary) a SQLite-backed Store at path,
// applying the schema and enabling WAL mode.
func Open(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Close() error { return s.db.Close() }
