// Package auth implements the control-plane's authentication primitives:
// constant-time static token checks, bcrypt + TOTP operator login, session
// cookies with CSRF, and signed, bounded-lifetime node session tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Kind distinguishes how a node channel authenticated.
type Kind string

const (
	KindStaticToken  Kind = "static-token"
	KindSessionToken Kind = "session-token"
)

// Role is an operator/admin subscriber's authorization level.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Context is the result of a successful channel upgrade authentication.
type Context struct {
	Kind      Kind
	Token     string
	NodeID    string
	Role      Role
	ExpiresAt *time.Time
}

// ErrInvalidToken is returned by Authenticate when no credential matches.
var ErrInvalidToken = errors.New("auth: invalid token")

// NodeAuthenticator validates node-channel upgrade credentials: either a
// constant-time match against a configured static token set, or a signed
// session token bound to a node subject.
type NodeAuthenticator struct {
	staticTokens [][]byte
	sessions     *SessionTokenIssuer
}

// NewNodeAuthenticator builds a NodeAuthenticator. sessions may be nil if
// session-token auth is disabled.
func NewNodeAuthenticator(staticTokens []string, sessions *SessionTokenIssuer) *NodeAuthenticator {
	tokens := make([][]byte, len(staticTokens))
	for i, t := range staticTokens {
		tokens[i] = []byte(t)
	}
	return &NodeAuthenticator{staticTokens: tokens, sessions: sessions}
}

// Authenticate checks token against the static set first, then (if
// configured) as a signed session token.
func (a *NodeAuthenticator) Authenticate(token string) (Context, error) {
	raw := []byte(token)
	for _, want := range a.staticTokens {
		if len(want) == len(raw) && subtle.ConstantTimeCompare(want, raw) == 1 {
			return Context{Kind: KindStaticToken, Token: token}, nil
		}
	}

	if a.sessions != nil {
		claims, err := a.sessions.Verify(token)
		if err == nil {
			exp := claims.ExpiresAt
			return Context{Kind: KindSessionToken, Token: token, NodeID: claims.Subject, ExpiresAt: &exp}, nil
		}
	}

	return Context{}, ErrInvalidToken
}

// ExtractBearerToken implements the upgrade-gate token precedence:
// Authorization header, then Sec-WebSocket-Protocol bearer form, then
// (only if allowQueryToken) the query string.
func ExtractBearerToken(r *http.Request, allowQueryToken bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}

	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if rest, ok := strings.CutPrefix(part, "bearer."); ok {
				return rest
			}
		}
		parts := strings.Split(proto, ",")
		for i, part := range parts {
			if strings.TrimSpace(part) == "bearer" && i+1 < len(parts) {
				return strings.TrimSpace(parts[i+1])
			}
		}
	}

	if allowQueryToken {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok
		}
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok
		}
	}

	return ""
}

// SessionClaims is the payload of a signed session token.
type SessionClaims struct {
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss"`
	Audience  string    `json:"aud"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// SessionTokenIssuer mints and verifies HMAC-signed session tokens bound
// to a node subject with a bounded lifetime (wsSessionTokenIssuer /
// Audience / TtlSeconds / Secrets[]). There is no JWT library in the
// dependency pack this module draws from, so the token format is a
// minimal base64url(payload).hex(hmac) construction rather than adopting
// the full JOSE stack for one field.
type SessionTokenIssuer struct {
	issuer   string
	audience string
	ttl      time.Duration
	secrets  [][]byte // secrets[0] signs; all are tried on verify (rotation)
}

// NewSessionTokenIssuer builds an issuer. secrets must be non-empty;
// secrets[0] is used to sign new tokens.
func NewSessionTokenIssuer(issuer, audience string, ttl time.Duration, secrets []string) *SessionTokenIssuer {
	keys := make([][]byte, len(secrets))
	for i, s := range secrets {
		keys[i] = []byte(s)
	}
	return &SessionTokenIssuer{issuer: issuer, audience: audience, ttl: ttl, secrets: keys}
}

// Issue mints a token bound to subject (the node id).
func (s *SessionTokenIssuer) Issue(subject string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  s.audience,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.sign(encoded, s.secrets[0])
	return encoded + "." + sig, nil
}

// Verify checks signature, issuer, audience, and expiry, returning the
// embedded claims on success.
func (s *SessionTokenIssuer) Verify(token string) (SessionClaims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return SessionClaims{}, errors.New("auth: malformed session token")
	}
	encoded, sig := parts[0], parts[1]

	var matched bool
	for _, secret := range s.secrets {
		want := s.sign(encoded, secret)
		if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1 {
			matched = true
			break
		}
	}
	if !matched {
		return SessionClaims{}, errors.New("auth: session token signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return SessionClaims{}, fmt.Errorf("auth: decode session token: %w", err)
	}
	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return SessionClaims{}, fmt.Errorf("auth: parse session claims: %w", err)
	}

	if claims.Issuer != s.issuer || claims.Audience != s.audience {
		return SessionClaims{}, errors.New("auth: session token issuer/audience mismatch")
	}
	if time.Now().After(claims.ExpiresAt) {
		return SessionClaims{}, errors.New("auth: session token expired")
	}

	return claims, nil
}

func (s *SessionTokenIssuer) sign(encoded string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// SubscriberAuthenticator verifies operator/admin bearer tokens for the
// stream broker's upgrade gate.
type SubscriberAuthenticator struct {
	sessions *SessionTokenIssuer
}

// NewSubscriberAuthenticator builds a SubscriberAuthenticator over the
// same signed-token scheme as node sessions, with role embedded in the
// subject namespace ("operator:<id>" / "admin:<id>").
func NewSubscriberAuthenticator(sessions *SessionTokenIssuer) *SubscriberAuthenticator {
	return &SubscriberAuthenticator{sessions: sessions}
}

// Authenticate validates token and returns the subscriber's role.
func (s *SubscriberAuthenticator) Authenticate(token string) (Role, error) {
	claims, err := s.sessions.Verify(token)
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(claims.Subject, "admin:"):
		return RoleAdmin, nil
	case strings.HasPrefix(claims.Subject, "operator:"):
		return RoleOperator, nil
	default:
		return "", errors.New("auth: session token missing recognized role prefix")
	}
}

// RateLimiter tracks repeated attempts per key (IP, typically) within a
// sliding window, for operator login throttling.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a RateLimiter allowing at most limit attempts per
// window, per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{attempts: make(map[string][]time.Time), limit: limit, window: window}
}

// Allow reports whether key is currently under its limit, recording this
// attempt if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.attempts[key] = recent
		return false
	}

	r.attempts[key] = append(recent, now)
	return true
}

// Reset clears attempts for key, e.g. on successful login.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

// PasswordAuth verifies operator login credentials: bcrypt password plus
// an optional TOTP second factor.
type PasswordAuth struct {
	passwordHash string
	totpSecret   string
}

// NewPasswordAuth builds a PasswordAuth from a bcrypt hash and an
// optional base32 TOTP secret (empty disables the second factor).
func NewPasswordAuth(passwordHash, totpSecret string) *PasswordAuth {
	return &PasswordAuth{passwordHash: passwordHash, totpSecret: totpSecret}
}

// CheckPassword verifies password against the stored bcrypt hash.
func (p *PasswordAuth) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(p.passwordHash), []byte(password)) == nil
}

// HasTOTP reports whether a second factor is configured.
func (p *PasswordAuth) HasTOTP() bool {
	return p.totpSecret != ""
}

// CheckTOTP verifies code against the configured secret; it is vacuously
// true when no secret is configured.
func (p *PasswordAuth) CheckTOTP(code string) bool {
	if !p.HasTOTP() {
		return true
	}
	return totp.Validate(code, p.totpSecret)
}

func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Session is an operator browser session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore persists operator sessions; implemented by internal/store
// or an in-memory stub in tests.
type SessionStore interface {
	SaveSession(s Session) error
	LoadSession(id string) (*Session, error)
	DeleteSession(id string) error
}

// SessionManager issues and validates operator browser sessions plus
// their CSRF tokens.
type SessionManager struct {
	store    SessionStore
	duration time.Duration
}

// NewSessionManager builds a SessionManager with the given session
// lifetime.
func NewSessionManager(store SessionStore, duration time.Duration) *SessionManager {
	return &SessionManager{store: store, duration: duration}
}

// Create mints and persists a new session.
func (m *SessionManager) Create() (*Session, error) {
	id, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrf, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	s := &Session{ID: id, CSRFToken: csrf, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(m.duration)}
	if err := m.store.SaveSession(*s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads a session by id, evicting and rejecting it if expired.
func (m *SessionManager) Get(id string) (*Session, error) {
	s, err := m.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if time.Now().After(s.ExpiresAt) {
		_ = m.store.DeleteSession(id)
		return nil, nil
	}
	return s, nil
}

// Delete removes a session (logout).
func (m *SessionManager) Delete(id string) error {
	return m.store.DeleteSession(id)
}

// ValidateCSRF constant-time compares token against the session's CSRF token.
func ValidateCSRF(s *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(token)) == 1
}

const sessionCookieName = "woly_session"

// SetSessionCookie sets the session cookie on the response.
func SetSessionCookie(w http.ResponseWriter, s *Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  s.ExpiresAt,
	})
}

// ClearSessionCookie expires the session cookie immediately.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// SessionFromRequest extracts the session cookie's id from r.
func SessionFromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}
