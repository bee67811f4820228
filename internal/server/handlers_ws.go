package server

import (
	"net/http"

	"github.com/wolyhq/cnc/internal/auth"
)

// handleNodeWS upgrades a node agent's connection to the bidirectional
// node channel : bearer token auth, per-IP
// connection cap, then handoff to the hub.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WSRequireTLS && r.TLS == nil {
		http.Error(w, "TLS required", http.StatusUpgradeRequired)
		return
	}

	token := auth.ExtractBearerToken(r, s.cfg.WSAllowQueryTokenAuth)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	authCtx, err := s.nodeAuth.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ip := s.clientIP(r)
	if !s.hub.AllowUpgrade(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	if err := s.hub.ServeWS(w, r, s.upgrader(), ip, authCtx); err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("node websocket upgrade failed")
	}
}

// handleStreamWS upgrades an operator/admin client's connection to the
// read-only host-state stream channel.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WSRequireTLS && r.TLS == nil {
		http.Error(w, "TLS required", http.StatusUpgradeRequired)
		return
	}
	if len(s.cfg.SessionTokenSecrets) == 0 {
		http.Error(w, "stream channel disabled: no session token secrets configured", http.StatusServiceUnavailable)
		return
	}

	token := auth.ExtractBearerToken(r, s.cfg.WSAllowQueryTokenAuth)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	role, err := s.subscriberAuth.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if role != auth.RoleOperator && role != auth.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if err := s.broker.ServeWS(w, r, s.upgrader(), string(role)+":"+token[:minInt(8, len(token))]); err != nil {
		s.log.Warn().Err(err).Msg("stream websocket upgrade failed")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
