// Package webhook dispatches signed HTTP deliveries to registered
// sinks when a subscribed aggregator event occurs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/store"
)

// Config holds the dispatcher's retry tunables.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	HTTPTimeout  time.Duration
}

// Dispatcher delivers signed webhook payloads and records every attempt.
type Dispatcher struct {
	log    zerolog.Logger
	store  store.Store
	client *http.Client
	cfg    Config
}

// New constructs a Dispatcher. Defaults: MaxAttempts 5, BaseBackoff 1s,
// HTTPTimeout 10s.
func New(log zerolog.Logger, s store.Store, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Dispatcher{
		log:    log.With().Str("component", "webhook-dispatcher").Logger(),
		store:  s,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:    cfg,
	}
}

// eventEnvelope is the JSON body delivered to every subscribed webhook.
type eventEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// OnAggregatorEvent implements aggregator.Watcher. Each event is mapped
// to a stable, publicly documented event-type string and dispatched
// asynchronously to every webhook subscribed to it.
func (d *Dispatcher) OnAggregatorEvent(e aggregator.Event) {
	eventType, payload := translate(e)
	if eventType == "" {
		return
	}
	go d.dispatch(context.Background(), eventType, payload)
}

func translate(e aggregator.Event) (string, any) {
	switch e.Type {
	case aggregator.EventHostAdded:
		return "host.discovered", e.Host
	case aggregator.EventHostUpdated:
		return "host.updated", e.Host
	case aggregator.EventHostRemoved:
		return "host.removed", e.Host
	case aggregator.EventHostStatusTransition:
		return "host.status-transition", map[string]string{
			"fqn": e.HostFQN, "from": string(e.StatusFrom), "to": string(e.StatusTo),
		}
	case aggregator.EventNodeHostsUnreachable:
		return "node.hosts-unreachable", map[string]any{"nodeId": e.NodeID, "count": e.UnreachableCount}
	default:
		return "", nil
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, eventType string, payload any) {
	hooks, err := d.store.ListWebhooksForEvent(ctx, eventType)
	if err != nil {
		d.log.Error().Err(err).Str("eventType", eventType).Msg("failed to list webhooks for event")
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(eventEnvelope{Type: eventType, Timestamp: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		d.log.Error().Err(err).Str("eventType", eventType).Msg("failed to marshal webhook body")
		return
	}

	for _, hook := range hooks {
		d.deliverWithRetry(ctx, hook, eventType, body)
	}
}

// deliverWithRetry attempts delivery up to cfg.MaxAttempts times with
// exponential backoff, recording every attempt.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook model.Webhook, eventType string, body []byte) {
	backoff := d.cfg.BaseBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		requestedAt := time.Now()
		status, httpErr := d.deliver(ctx, hook, eventType, attempt, body)

		record := model.WebhookDelivery{
			WebhookID:      hook.ID,
			EventType:      eventType,
			Attempt:        attempt,
			ResponseStatus: status,
			RequestedAt:    requestedAt,
		}
		if httpErr == nil && status >= 200 && status < 300 {
			record.Status = "delivered"
			if err := d.store.RecordWebhookDelivery(ctx, record); err != nil {
				d.log.Error().Err(err).Str("webhookId", hook.ID).Msg("failed to record webhook delivery")
			}
			return
		}

		record.Status = "failed"
		if err := d.store.RecordWebhookDelivery(ctx, record); err != nil {
			d.log.Error().Err(err).Str("webhookId", hook.ID).Msg("failed to record webhook delivery")
		}

		if attempt == d.cfg.MaxAttempts {
			d.log.Warn().Str("webhookId", hook.ID).Str("eventType", eventType).Int("attempts", attempt).Msg("webhook delivery exhausted retries")
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook model.Webhook, eventType string, attempt int, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Woly-Event", eventType)
	req.Header.Set("X-Woly-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if hook.Secret != "" {
		req.Header.Set("X-Woly-Signature", "sha256="+sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
