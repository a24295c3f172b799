package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens are refreshed this long before the IdToken expires.
const refreshLeeway = 2 * time.Minute

// TokenSource yields a bearer token valid for at least the leeway window.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Manager holds the current token pair and refreshes the IdToken through
// the refresh token when it nears expiry. Safe for concurrent use.
type Manager struct {
	client *Client
	log    *slog.Logger

	mu       sync.Mutex
	tokens   Tokens
	expires  time.Time
	onUpdate func(Tokens)

	now func() time.Time
}

// NewManager wraps stored tokens. onUpdate, when non-nil, is called with the
// new pair after every successful refresh so the caller can persist it.
func NewManager(client *Client, tokens Tokens, onUpdate func(Tokens), log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		client:   client,
		log:      log,
		tokens:   tokens,
		onUpdate: onUpdate,
		now:      time.Now,
	}
	m.expires = idTokenExpiry(tokens.IDToken)
	return m
}

// Token returns a usable IdToken, refreshing first when it expires within
// the leeway window.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens.IDToken != "" && m.now().Add(refreshLeeway).Before(m.expires) {
		return m.tokens.IDToken, nil
	}
	if m.tokens.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token, run login first", ErrAuth)
	}

	tokens, err := m.client.Refresh(ctx, m.tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh id token: %w", err)
	}
	m.tokens = tokens
	m.expires = idTokenExpiry(tokens.IDToken)
	m.log.Debug("refreshed id token", "expires", m.expires)

	if m.onUpdate != nil {
		m.onUpdate(tokens)
	}
	return m.tokens.IDToken, nil
}

// idTokenExpiry pulls the exp claim without verifying the signature. The
// token is only inspected to schedule refreshes, never trusted.
func idTokenExpiry(idToken string) time.Time {
	if idToken == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
