package auth

import (
	"net/http"
	"testing"
	"time"
)

func TestNodeAuthenticatorStaticToken(t *testing.T) {
	a := NewNodeAuthenticator([]string{"secret-token"}, nil)

	ctx, err := a.Authenticate("secret-token")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ctx.Kind != KindStaticToken {
		t.Errorf("expected KindStaticToken, got %v", ctx.Kind)
	}

	if _, err := a.Authenticate("wrong-token"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSessionTokenIssueAndVerify(t *testing.T) {
	issuer := NewSessionTokenIssuer("woly", "nodes", time.Hour, []string{"k1"})

	tok, err := issuer.Issue("node-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "node-42" {
		t.Errorf("expected subject node-42, got %s", claims.Subject)
	}
}

func TestSessionTokenExpired(t *testing.T) {
	issuer := NewSessionTokenIssuer("woly", "nodes", -time.Second, []string{"k1"})
	tok, err := issuer.Issue("node-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuer.Verify(tok); err == nil {
		t.Error("expected expired token to fail verification")
	}
}

func TestSessionTokenRotatedSecret(t *testing.T) {
	issuer := NewSessionTokenIssuer("woly", "nodes", time.Hour, []string{"old-key"})
	tok, err := issuer.Issue("node-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rotated := NewSessionTokenIssuer("woly", "nodes", time.Hour, []string{"new-key", "old-key"})
	if _, err := rotated.Verify(tok); err != nil {
		t.Errorf("expected token signed with old-key to verify against rotated secret set: %v", err)
	}
}

func TestExtractBearerTokenPrecedence(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "wss://example/node?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.Header.Set("Sec-WebSocket-Protocol", "bearer.protocol-token")

	if got := ExtractBearerToken(r, true); got != "header-token" {
		t.Errorf("expected Authorization header to win, got %q", got)
	}

	r.Header.Del("Authorization")
	if got := ExtractBearerToken(r, true); got != "protocol-token" {
		t.Errorf("expected Sec-WebSocket-Protocol to win over query, got %q", got)
	}

	r.Header.Del("Sec-WebSocket-Protocol")
	if got := ExtractBearerToken(r, true); got != "query-token" {
		t.Errorf("expected query token when others absent, got %q", got)
	}

	if got := ExtractBearerToken(r, false); got != "" {
		t.Errorf("expected empty when query-token auth disabled, got %q", got)
	}
}

func TestExtractBearerTokenProtocolCommaForm(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "wss://example/node", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, comma-form-token")
	if got := ExtractBearerToken(r, false); got != "comma-form-token" {
		t.Errorf("expected comma form token, got %q", got)
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("expected first two attempts to be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("expected third attempt to be blocked")
	}
	rl.Reset("1.2.3.4")
	if !rl.Allow("1.2.3.4") {
		t.Error("expected attempt to be allowed after reset")
	}
}

func TestSubscriberAuthenticatorRole(t *testing.T) {
	issuer := NewSessionTokenIssuer("woly", "subscribers", time.Hour, []string{"k1"})
	sub := NewSubscriberAuthenticator(issuer)

	tok, err := issuer.Issue("admin:alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	role, err := sub.Authenticate(tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if role != RoleAdmin {
		t.Errorf("expected RoleAdmin, got %v", role)
	}
}
