package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-configurable knob for the C&C server.
type Config struct {
	// Server
	ListenAddr  string
	TrustProxy  bool
	CORSOrigins []string
	LogFormat   string // "console" or "json"

	// Database
	DatabasePath string

	// Router
	CommandTimeout       time.Duration
	CommandRetentionDays int
	PruneInterval        time.Duration

	// Aggregator
	HostStatusHistoryRetentionDays int
	PortScanCacheTTL               time.Duration

	// Schedule worker
	ScheduleWorkerEnabled bool
	SchedulePollInterval  time.Duration
	ScheduleBatchSize     int

	// WebSocket (node channel + stream channel)
	WSMaxConnectionsPerIP    int
	WSMessageRateLimitPerSec int
	WSRequireTLS             bool
	WSAllowQueryTokenAuth    bool

	// Auth
	SessionTokenIssuer   string
	SessionTokenAudience string
	SessionTokenTTL      time.Duration
	SessionTokenSecrets  []string
	NodeAuthTokens       []string

	// Webhook dispatcher
	WebhookMaxAttempts int
	WebhookBaseBackoff time.Duration

	// MAC vendor cache
	MACVendorBaseURL string
}

// LoadConfig reads server configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("WOLY_LISTEN_ADDR", ":8080"),
		TrustProxy:  parseBool("WOLY_TRUST_PROXY", false),
		CORSOrigins: parseOrigins("WOLY_CORS_ORIGINS"),
		LogFormat:   getEnv("WOLY_LOG_FORMAT", "console"),

		DatabasePath: getEnv("WOLY_DB_PATH", "woly.db"),

		CommandTimeout:       parseDuration("WOLY_COMMAND_TIMEOUT_MS", 30*time.Second),
		CommandRetentionDays: parseInt("WOLY_COMMAND_RETENTION_DAYS", 30),
		PruneInterval:        parseDuration("WOLY_PRUNE_INTERVAL_MS", time.Hour),

		HostStatusHistoryRetentionDays: parseInt("WOLY_HOST_STATUS_HISTORY_RETENTION_DAYS", 90),
		PortScanCacheTTL:               parseDuration("WOLY_PORT_SCAN_CACHE_TTL_MS", 4*time.Hour),

		ScheduleWorkerEnabled: parseBool("WOLY_SCHEDULE_WORKER_ENABLED", true),
		SchedulePollInterval:  parseDuration("WOLY_SCHEDULE_POLL_INTERVAL_MS", 30*time.Second),
		ScheduleBatchSize:     parseInt("WOLY_SCHEDULE_BATCH_SIZE", 50),

		WSMaxConnectionsPerIP:    parseInt("WOLY_WS_MAX_CONNECTIONS_PER_IP", 4),
		WSMessageRateLimitPerSec: parseInt("WOLY_WS_MESSAGE_RATE_LIMIT_PER_SECOND", 100),
		WSRequireTLS:             parseBool("WOLY_WS_REQUIRE_TLS", false),
		WSAllowQueryTokenAuth:    parseBool("WOLY_WS_ALLOW_QUERY_TOKEN_AUTH", false),

		SessionTokenIssuer:   getEnv("WOLY_SESSION_TOKEN_ISSUER", "woly-cnc"),
		SessionTokenAudience: getEnv("WOLY_SESSION_TOKEN_AUDIENCE", "woly-clients"),
		SessionTokenTTL:      time.Duration(parseInt("WOLY_SESSION_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		SessionTokenSecrets:  parseOrigins("WOLY_SESSION_TOKEN_SECRETS"),
		NodeAuthTokens:       parseOrigins("WOLY_NODE_AUTH_TOKENS"),

		WebhookMaxAttempts: parseInt("WOLY_WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookBaseBackoff: parseDuration("WOLY_WEBHOOK_BASE_BACKOFF_MS", time.Second),

		MACVendorBaseURL: getEnv("WOLY_MACVENDOR_BASE_URL", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string
	if len(c.NodeAuthTokens) == 0 && len(c.SessionTokenSecrets) == 0 {
		errs = append(errs, "at least one of WOLY_NODE_AUTH_TOKENS or WOLY_SESSION_TOKEN_SECRETS is required")
	}
	if c.ScheduleBatchSize <= 0 {
		errs = append(errs, "WOLY_SCHEDULE_BATCH_SIZE must be positive")
	}
	if c.PruneInterval <= 0 {
		errs = append(errs, "WOLY_PRUNE_INTERVAL_MS must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Warnings returns soft-misconfiguration hints, logged at startup but
// never fatal.
func (c *Config) Warnings() []string {
	var warnings []string
	if len(c.SessionTokenSecrets) == 0 {
		warnings = append(warnings, "WOLY_SESSION_TOKEN_SECRETS not set: session-token auth (browsers/operators) is disabled")
	}
	if !c.WSRequireTLS {
		warnings = append(warnings, "WOLY_WS_REQUIRE_TLS is false: WebSocket upgrades are accepted over plaintext")
	}
	if c.WSAllowQueryTokenAuth {
		warnings = append(warnings, "WOLY_WS_ALLOW_QUERY_TOKEN_AUTH is enabled: bearer tokens may appear in access logs")
	}
	if len(c.CORSOrigins) == 0 {
		warnings = append(warnings, "WOLY_CORS_ORIGINS not set: only same-origin/no-Origin requests will be accepted")
	}
	return warnings
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// parseOrigins splits a comma-separated env value, trimming whitespace
// around each entry. Reused for any comma-separated list (origins,
// tokens, secrets).
func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
