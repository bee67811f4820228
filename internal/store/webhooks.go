package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/wolyhq/cnc/internal/model"
)

func (s *sqliteStore) UpsertWebhook(ctx context.Context, w model.Webhook) error {
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, events, secret)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			events = excluded.events,
			secret = excluded.secret
	`, w.ID, w.URL, string(eventsJSON), w.Secret)
	return err
}

func (s *sqliteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url, events, secret FROM webhooks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Webhook
	for rows.Next() {
		var w model.Webhook
		var eventsJSON string
		var secret sql.NullString
		if err := rows.Scan(&w.ID, &w.URL, &eventsJSON, &secret); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(eventsJSON), &w.Events)
		w.Secret = secret.String
		if w.Subscribes(eventType) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordWebhookDelivery(ctx context.Context, d model.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (webhook_id, event_type, attempt, status, response_status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.WebhookID, d.EventType, d.Attempt, d.Status, d.ResponseStatus, d.RequestedAt)
	return err
}

func (s *sqliteStore) ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]model.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, attempt, status, response_status, requested_at
		FROM webhook_deliveries
		WHERE webhook_id = ?
		ORDER BY requested_at DESC
		LIMIT ?
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		var responseStatus sql.NullInt64
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Attempt, &d.Status, &responseStatus, &d.RequestedAt); err != nil {
			return nil, err
		}
		d.ResponseStatus = int(responseStatus.Int64)
		out = append(out, d)
	}
	return out, rows.Err()
}
