// Package server is the thin HTTP/REST adapter that makes the node
// channel, stream channel, and command router reachable over the
// network.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/aggregator"
	"github.com/wolyhq/cnc/internal/auth"
	"github.com/wolyhq/cnc/internal/hub"
	"github.com/wolyhq/cnc/internal/macvendor"
	"github.com/wolyhq/cnc/internal/metrics"
	"github.com/wolyhq/cnc/internal/router"
	"github.com/wolyhq/cnc/internal/schedule"
	"github.com/wolyhq/cnc/internal/store"
	"github.com/wolyhq/cnc/internal/stream"
	"github.com/wolyhq/cnc/internal/webhook"
)

// Server wires the node channel, stream channel, and REST surface over
// a shared set of core components.
type Server struct {
	cfg *Config
	log zerolog.Logger

	store     store.Store
	agg       *aggregator.Aggregator
	hub       *hub.Hub
	rtr       *router.Router
	broker    *stream.Broker
	schedules *schedule.Worker
	webhooks  *webhook.Dispatcher
	vendors   *macvendor.Lookup
	metrics   *metrics.Registry

	nodeAuth       *auth.NodeAuthenticator
	subscriberAuth *auth.SubscriberAuthenticator

	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// New wires every core component and builds the HTTP router. It does
// not start any background loop; Run starts the hub, the schedule
// worker, the pruning loop and the HTTP server.
func New(cfg *Config, s store.Store, log zerolog.Logger) *Server {
	log = log.With().Str("component", "server").Logger()

	reg := metrics.New()
	agg := aggregator.New(log, s, cfg.PortScanCacheTTL, cfg.HostStatusHistoryRetentionDays)

	hubCtx, hubCancel := context.WithCancel(context.Background())

	srv := &Server{
		cfg:       cfg,
		log:       log,
		store:     s,
		agg:       agg,
		metrics:   reg,
		hubCtx:    hubCtx,
		hubCancel: hubCancel,
	}

	// hub and router need each other (hub's dispatcher calls into the
	// router; the router sends outbound frames through the hub), so the
	// router is built with a nil sender and wired to the hub once both
	// exist, via Router.SetSender.
	srv.rtr = router.New(log, s, nil, agg, reg, router.Config{CommandTimeout: cfg.CommandTimeout})
	disp := newDispatcher(log, agg, srv.rtr)
	srv.hub = hub.New(log, s, disp, reg, hub.Config{
		MaxConnectionsPerIP:       cfg.WSMaxConnectionsPerIP,
		InboundRateLimitPerSecond: cfg.WSMessageRateLimitPerSec,
	})
	srv.rtr.SetSender(srv.hub)

	srv.broker = stream.New(log)
	agg.Subscribe(srv.broker)
	srv.rtr.SetWakeVerificationListener(srv.broker)

	srv.webhooks = webhook.New(log, s, webhook.Config{
		MaxAttempts: cfg.WebhookMaxAttempts,
		BaseBackoff: cfg.WebhookBaseBackoff,
	})
	agg.Subscribe(srv.webhooks)

	srv.vendors = macvendor.New(cfg.MACVendorBaseURL, 0, 0)

	srv.schedules = schedule.New(log, s, srv.rtr, schedule.Config{
		Enabled:      cfg.ScheduleWorkerEnabled,
		PollInterval: cfg.SchedulePollInterval,
		BatchSize:    cfg.ScheduleBatchSize,
	})

	var sessions *auth.SessionTokenIssuer
	if len(cfg.SessionTokenSecrets) > 0 {
		sessions = auth.NewSessionTokenIssuer(cfg.SessionTokenIssuer, cfg.SessionTokenAudience, cfg.SessionTokenTTL, cfg.SessionTokenSecrets)
	}
	srv.nodeAuth = auth.NewNodeAuthenticator(cfg.NodeAuthTokens, sessions)
	srv.subscriberAuth = auth.NewSubscriberAuthenticator(sessions)

	srv.setupRouter()
	return srv
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/nodes", s.handleNodeWS)
	r.Get("/ws/stream", s.handleStreamWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/hosts", s.handleListHosts)
		r.Get("/hosts/{fqn}", s.handleGetHost)
		r.Get("/hosts/{fqn}/uptime", s.handleHostUptime)
		r.Post("/hosts/{fqn}/wake", s.handleWake)
		r.Post("/hosts/{fqn}/sleep", s.handleSleep)
		r.Post("/hosts/{fqn}/shutdown", s.handleShutdown)
		r.Patch("/hosts/{fqn}", s.handleUpdateHost)
		r.Delete("/hosts/{fqn}", s.handleDeleteHost)
		r.Post("/hosts/{fqn}/ping", s.handlePingHost)
		r.Post("/hosts/{fqn}/scan-ports", s.handleScanHostPorts)
		r.Post("/scan", s.handleScanHosts)

		r.Get("/stats", s.handleStats)
		r.Get("/stream/stats", s.handleStreamStats)
		r.Get("/metrics", s.handleMetricsSnapshot)
		r.Get("/mac-vendor/{mac}", s.handleMACVendor)

		r.Post("/webhooks", s.handleUpsertWebhook)
		r.Get("/webhooks/{id}/deliveries", s.handleWebhookDeliveries)
	})

	s.router = r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the hub loop, the schedule worker, the retention pruning
// loop, and the HTTP server. It blocks until the HTTP server stops.
func (s *Server) Run() error {
	go s.hub.Run(s.hubCtx)
	go s.schedules.Run(s.hubCtx)
	go s.runPruneLoop(s.hubCtx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the background loops, closes every stream subscriber,
// and shuts down the HTTP server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	s.hubCancel()
	s.broker.Shutdown()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP handler, for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// runPruneLoop deletes terminal command rows and host-status-history
// rows older than their configured retention horizons, every
// cfg.PruneInterval, mirroring the schedule worker's ticker-loop shape.
func (s *Server) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Server) prune(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.CommandRetentionDays) * 24 * time.Hour)
	if n, err := s.store.PruneCommands(ctx, cutoff); err != nil {
		s.log.Error().Err(err).Msg("failed to prune terminal commands")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned terminal commands")
	}

	if n, err := s.agg.PruneHistory(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to prune host status history")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned host status history")
	}
}
