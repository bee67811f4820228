package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/ccerr"
	"github.com/wolyhq/cnc/internal/model"
	"github.com/wolyhq/cnc/internal/router"
	"github.com/wolyhq/cnc/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	filter := store.HostFilter{
		NodeID: r.URL.Query().Get("nodeId"),
		Status: model.HostStatus(r.URL.Query().Get("status")),
	}
	hosts, err := s.agg.ListHosts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.agg.GetHost(r.Context(), chi.URLParam(r, "fqn"))
	if err != nil {
		writeError(w, err)
		return
	}
	if host == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) handleHostUptime(w http.ResponseWriter, r *http.Request) {
	period, err := aggregator.ParsePeriod(queryOr(r, "period", "24h"))
	if err != nil {
		writeError(w, ccerr.Wrap(ccerr.InvalidRequest, "invalid period", err))
		return
	}
	summary, err := s.agg.Uptime(r.Context(), chi.URLParam(r, "fqn"), period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type wakeRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	CorrelationID  string `json:"correlationId"`
	Verify         bool   `json:"verify"`
	WolPort        *int   `json:"wolPort"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var body wakeRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RouteWake(r.Context(), chi.URLParam(r, "fqn"), body.IdempotencyKey, body.CorrelationID, body.Verify, body.WolPort)
	writeResult(w, res)
}

type mutationRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	CorrelationID  string `json:"correlationId"`
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	var body mutationRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RouteSleep(r.Context(), chi.URLParam(r, "fqn"), body.IdempotencyKey, body.CorrelationID)
	writeResult(w, res)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var body mutationRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RouteShutdown(r.Context(), chi.URLParam(r, "fqn"), body.IdempotencyKey, body.CorrelationID)
	writeResult(w, res)
}

type updateHostRequest struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	CorrelationID  string         `json:"correlationId"`
	Patch          map[string]any `json:"patch"`
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	var body updateHostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ccerr.Wrap(ccerr.InvalidRequest, "decode body", err))
		return
	}
	res := s.rtr.RouteUpdateHost(r.Context(), chi.URLParam(r, "fqn"), body.Patch, body.IdempotencyKey, body.CorrelationID)
	writeResult(w, res)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	var body mutationRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RouteDeleteHost(r.Context(), chi.URLParam(r, "fqn"), body.IdempotencyKey, body.CorrelationID)
	writeResult(w, res)
}

func (s *Server) handlePingHost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrelationID string `json:"correlationId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RoutePingHost(r.Context(), chi.URLParam(r, "fqn"), body.CorrelationID)
	writeResult(w, res)
}

func (s *Server) handleScanHostPorts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrelationID string `json:"correlationId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	res := s.rtr.RouteScanHostPorts(r.Context(), chi.URLParam(r, "fqn"), body.CorrelationID)
	writeResult(w, res)
}

func (s *Server) handleScanHosts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeIDs       []string `json:"nodeIds"`
		CorrelationID string   `json:"correlationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ccerr.Wrap(ccerr.InvalidRequest, "decode body", err))
		return
	}
	res, err := s.rtr.RouteScanHosts(r.Context(), body.NodeIDs, body.CorrelationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agg.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Snapshot())
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleMACVendor(w http.ResponseWriter, r *http.Request) {
	vendor, err := s.vendors.VendorOf(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vendor": vendor})
}

type upsertWebhookRequest struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func (s *Server) handleUpsertWebhook(w http.ResponseWriter, r *http.Request) {
	var body upsertWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ccerr.Wrap(ccerr.InvalidRequest, "decode body", err))
		return
	}
	if body.URL == "" || len(body.Events) == 0 {
		writeError(w, ccerr.New(ccerr.InvalidRequest, "url and events are required"))
		return
	}
	hook := model.Webhook{ID: body.ID, URL: body.URL, Events: body.Events, Secret: body.Secret}
	if hook.ID == "" {
		hook.ID = newWebhookID()
	}
	if err := s.store.UpsertWebhook(r.Context(), hook); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	deliveries, err := s.store.ListWebhookDeliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func writeResult(w http.ResponseWriter, res router.Result) {
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ccerr.KindOf(err) {
	case ccerr.InvalidRequest:
		status = http.StatusBadRequest
	case ccerr.NotFound:
		status = http.StatusNotFound
	case ccerr.Conflict:
		status = http.StatusConflict
	case ccerr.Offline, ccerr.Timeout:
		status = http.StatusGatewayTimeout
	case ccerr.Rejected:
		status = http.StatusUnprocessableEntity
	case ccerr.Unauthorized:
		status = http.StatusUnauthorized
	case ccerr.Forbidden:
		status = http.StatusForbidden
	case ccerr.RateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryOr(r *http.Request, key, defaultValue string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return defaultValue
}

func newWebhookID() string {
	return "wh_" + time.Now().UTC().Format("20060102T150405.000000000")
}
