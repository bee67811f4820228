package server

import (
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	withEnv(t, map[string]string{"WOLY_NODE_AUTH_TOKENS": "tok1"})

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.ScheduleBatchSize != 50 {
		t.Errorf("ScheduleBatchSize = %d, want 50", cfg.ScheduleBatchSize)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
}

func TestLoadConfig_RequiresAuthSource(t *testing.T) {
	// Neither node tokens nor session secrets set.
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when no auth source is configured")
	}
}

func TestLoadConfig_RejectsNonPositiveBatchSize(t *testing.T) {
	withEnv(t, map[string]string{
		"WOLY_NODE_AUTH_TOKENS":    "tok1",
		"WOLY_SCHEDULE_BATCH_SIZE": "0",
	})
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for non-positive schedule batch size")
	}
}

func TestLoadConfig_ParsesCommaSeparatedLists(t *testing.T) {
	withEnv(t, map[string]string{
		"WOLY_NODE_AUTH_TOKENS": "tok1,tok2, tok3",
		"WOLY_CORS_ORIGINS":     "https://a.example, https://b.example",
	})
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.NodeAuthTokens) != 3 {
		t.Errorf("NodeAuthTokens = %v, want 3 entries", cfg.NodeAuthTokens)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v, want 2 entries", cfg.CORSOrigins)
	}
}

func TestConfig_Warnings(t *testing.T) {
	cfg := &Config{
		NodeAuthTokens: []string{"tok1"},
	}
	warnings := cfg.Warnings()
	if len(warnings) == 0 {
		t.Fatal("expected warnings for a minimally-configured setup")
	}

	cfg.SessionTokenSecrets = []string{"s3cr3t"}
	cfg.WSRequireTLS = true
	cfg.CORSOrigins = []string{"https://example.com"}
	fewer := cfg.Warnings()
	if len(fewer) >= len(warnings) {
		t.Errorf("expected fewer warnings once TLS/secrets/origins are set, got %v", fewer)
	}
}
