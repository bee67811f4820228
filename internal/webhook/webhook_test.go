package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeliverSignsBodyAndRecordsSuccess(t *testing.T) {
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Woly-Signature")
		gotEvent = r.Header.Get("X-Woly-Event")
		body, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha256.New, []byte("s3cr3t"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if gotSig != want {
			t.Errorf("signature mismatch: got %s want %s", gotSig, want)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	hook := model.Webhook{ID: "w1", URL: srv.URL, Events: []string{"host.discovered"}, Secret: "s3cr3t"}
	if err := s.UpsertWebhook(context.Background(), hook); err != nil {
		t.Fatalf("UpsertWebhook: %v", err)
	}

	d := New(zerolog.Nop(), s, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	d.dispatch(context.Background(), "host.discovered", map[string]string{"name": "desktop"})

	if gotEvent != "host.discovered" {
		t.Errorf("expected X-Woly-Event to be set, got %q", gotEvent)
	}

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "w1", 10)
	if err != nil {
		t.Fatalf("ListWebhookDeliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != "delivered" {
		t.Errorf("expected exactly one delivered attempt, got %+v", deliveries)
	}
}

func TestDeliverRetriesAndRecordsEveryAttempt(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	hook := model.Webhook{ID: "w2", URL: srv.URL, Events: []string{"host.updated"}}
	if err := s.UpsertWebhook(context.Background(), hook); err != nil {
		t.Fatalf("UpsertWebhook: %v", err)
	}

	d := New(zerolog.Nop(), s, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	d.dispatch(context.Background(), "host.updated", map[string]string{"name": "desktop"})

	if attempts.Load() != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", attempts.Load())
	}

	deliveries, err := s.ListWebhookDeliveries(context.Background(), "w2", 10)
	if err != nil {
		t.Fatalf("ListWebhookDeliveries: %v", err)
	}
	if len(deliveries) != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", len(deliveries))
	}
	for _, rec := range deliveries {
		if rec.Status != "failed" {
			t.Errorf("expected all attempts to be recorded failed, got %q", rec.Status)
		}
	}
}

func TestOnAggregatorEventSkipsUnmappedTypes(t *testing.T) {
	s := newTestStore(t)
	d := New(zerolog.Nop(), s, Config{})
	// EventNodeHostsRemoved has no webhook mapping; OnAggregatorEvent must
	// not spawn a delivery goroutine for it.
	d.OnAggregatorEvent(aggregator.Event{Type: aggregator.EventNodeHostsRemoved})
}
