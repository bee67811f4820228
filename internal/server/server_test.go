package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &Config{
		ListenAddr:                     ":0",
		CommandTimeout:                 time.Second,
		HostStatusHistoryRetentionDays: 90,
		PortScanCacheTTL:               time.Hour,
		ScheduleWorkerEnabled:          false,
		SchedulePollInterval:           time.Minute,
		ScheduleBatchSize:              50,
		NodeAuthTokens:                 []string{"node-tok"},
		WebhookMaxAttempts:             5,
		WebhookBaseBackoff:             time.Second,
	}
	return New(cfg, s, zerolog.Nop()), s
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleListHosts_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/hosts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var hosts []model.Host
	if err := json.Unmarshal(w.Body.Bytes(), &hosts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hosts) != 0 {
		t.Errorf("hosts = %v, want empty", hosts)
	}
}

func TestHandleGetHost_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/hosts/missing@home", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleListAndGetHost_Roundtrip(t *testing.T) {
	srv, s := newTestServer(t)

	host := model.Host{
		NodeID:     "n1",
		Name:       "desktop",
		Location:   "home",
		PrimaryMAC: "AA:BB:CC:DD:EE:FF",
		Status:     model.HostAsleep,
		LastSeen:   time.Now(),
	}
	saved, err := s.UpsertHost(context.Background(), host)
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	w := doRequest(t, srv, http.MethodGet, "/api/hosts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	var hosts []model.Host
	if err := json.Unmarshal(w.Body.Bytes(), &hosts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != saved.ID {
		t.Fatalf("hosts = %+v, want one entry matching %q", hosts, saved.ID)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/hosts/"+saved.FQN(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleWake_UnknownHost(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/hosts/missing@home/wake", "{}")
	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-200 status for an unknown host, got 200: %s", w.Body.String())
	}
}

func TestHandleUpsertWebhook_RequiresURLAndEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/webhooks", `{"id":"wh1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleUpsertWebhook_Valid(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"url":"https://example.com/hook","events":["host.awake"],"secret":"s3cr3t"}`
	w := doRequest(t, srv, http.MethodPost, "/api/webhooks", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var hook model.Webhook
	if err := json.Unmarshal(w.Body.Bytes(), &hook); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hook.ID == "" {
		t.Error("expected an auto-assigned webhook id")
	}
}

func TestHandleWebhookDeliveries_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/webhooks/wh1/deliveries", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var deliveries []model.WebhookDelivery
	if err := json.Unmarshal(w.Body.Bytes(), &deliveries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("deliveries = %v, want empty", deliveries)
	}
}

func TestHandleNodeWS_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/ws/nodes", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleStreamWS_DisabledWithoutSessionSecrets(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/ws/stream", nil)
	r.Header.Set("Authorization", "Bearer whatever")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestServerPrune_DeletesOldTerminalCommandsAndHistory(t *testing.T) {
	srv, s := newTestServer(t)
	srv.cfg.CommandRetentionDays = 1

	// Exceeds both CommandRetentionDays (1 day) and newTestServer's
	// HostStatusHistoryRetentionDays (90 days, baked into the aggregator
	// at construction).
	old := time.Now().Add(-200 * 24 * time.Hour)
	if err := s.InsertCommand(context.Background(), model.Command{
		ID: "c-old", Type: model.CmdWake, NodeID: "n1", TargetKey: "desktop@home",
		State: model.CommandQueued, CorrelationID: "corr-old", QueuedAt: old,
	}); err != nil {
		t.Fatalf("InsertCommand: %v", err)
	}
	if err := s.ResolveCommand(context.Background(), "c-old", model.CommandAcknowledged, nil, nil, old); err != nil {
		t.Fatalf("ResolveCommand: %v", err)
	}

	if err := s.AppendHostStatusHistory(context.Background(), model.HostStatusHistory{
		HostFQN: "desktop@home", OldStatus: model.HostAsleep, NewStatus: model.HostAwake, ChangedAt: old,
	}); err != nil {
		t.Fatalf("AppendHostStatusHistory: %v", err)
	}

	srv.prune(context.Background())

	cmd, err := s.GetCommand(context.Background(), "c-old")
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if cmd != nil {
		t.Errorf("expected the old terminal command to be pruned, still found %+v", cmd)
	}

	hist, err := s.ListHostStatusHistory(context.Background(), "desktop@home", time.Time{})
	if err != nil {
		t.Fatalf("ListHostStatusHistory: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("expected old history rows to be pruned, found %d", len(hist))
	}
}

func TestServer_ShutdownIsIdempotentBeforeRun(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown before Run: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown before Run: %v", err)
	}
}
