package store

import "database/sql"

// createSchema applies every table in a single batch of
// CREATE-TABLE-IF-NOT-EXISTS statements: nodes, aggregated_hosts,
// host_status_history, commands, webhooks, webhook_deliveries, and
// host_schedules.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat DATETIME,
		protocol_version INTEGER DEFAULT 0,
		platform TEXT,
		invalid_payload_count INTEGER NOT NULL DEFAULT 0,
		registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS aggregated_hosts (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL,
		secondary_macs TEXT NOT NULL DEFAULT '[]',
		ip TEXT,
		status TEXT NOT NULL DEFAULT 'asleep',
		last_seen DATETIME,
		discovered INTEGER NOT NULL DEFAULT 0,
		ping_responsive TEXT NOT NULL DEFAULT 'unknown',
		notes TEXT,
		tags TEXT NOT NULL DEFAULT '[]',
		power_control TEXT,
		open_ports TEXT NOT NULL DEFAULT '[]',
		scanned_at DATETIME,
		expire_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_node ON aggregated_hosts(node_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_node_name ON aggregated_hosts(node_id, name);

	CREATE TABLE IF NOT EXISTS host_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_fqn TEXT NOT NULL,
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		changed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_host ON host_status_history(host_fqn, changed_at);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		node_id TEXT NOT NULL,
		target_key TEXT NOT NULL,
		payload BLOB,
		state TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		idempotency_key TEXT,
		queued_at DATETIME NOT NULL,
		sent_at DATETIME,
		resolved_at DATETIME,
		outcome BLOB,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state);
	CREATE INDEX IF NOT EXISTS idx_commands_idem ON commands(node_id, type, target_key, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_commands_queued ON commands(queued_at);

	CREATE TABLE IF NOT EXISTS host_schedules (
		id TEXT PRIMARY KEY,
		host_fqn TEXT NOT NULL,
		host_name TEXT NOT NULL,
		host_mac TEXT NOT NULL,
		scheduled_time TEXT NOT NULL,
		weekday INTEGER,
		frequency TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		notify_on_wake INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		last_triggered DATETIME,
		next_trigger DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_due ON host_schedules(enabled, next_trigger);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		events TEXT NOT NULL DEFAULT '[]',
		secret TEXT
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		webhook_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		response_status INTEGER,
		requested_at DATETIME NOT NULL,
		FOREIGN KEY (webhook_id) REFERENCES webhooks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, requested_at);
	`
	_, err := db.Exec(schema)
	return err
}
