package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader lazily builds a websocket.Upgrader bound to this server's
// origin check.
func (s *Server) upgrader() websocket.Upgrader {
	if s.wsUpgrader == nil {
		s.wsUpgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     s.checkOrigin,
		}
	}
	return *s.wsUpgrader
}

// checkOrigin validates the Origin header for WebSocket upgrades: no
// Origin header is treated as same-origin (non-browser or same-origin
// browser); otherwise the origin must be in the configured allow-list,
// or match the request host under https (localhost exempted for local
// development).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		s.log.Warn().Str("origin", origin).Msg("rejected websocket upgrade: invalid origin url")
		return false
	}

	for _, allowed := range s.cfg.CORSOrigins {
		if origin == allowed {
			return true
		}
	}

	host := r.Host
	if isLocalhost(host) {
		return isLocalhost(originURL.Host)
	}

	expected := fmt.Sprintf("https://%s", host)
	if origin == expected {
		return true
	}

	s.log.Warn().Str("origin", origin).Str("expected", expected).Msg("rejected websocket upgrade: origin mismatch")
	return false
}

func isLocalhost(host string) bool {
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		if bracketIdx := strings.LastIndex(host, "]"); bracketIdx == -1 || colonIdx > bracketIdx {
			host = host[:colonIdx]
		}
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// clientIP returns the request's remote IP, honoring X-Forwarded-For
// when the server is configured to trust a reverse proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if idx := strings.Index(fwd, ","); idx != -1 {
				return strings.TrimSpace(fwd[:idx])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
