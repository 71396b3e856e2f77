// Package session issues and resolves short-lived capability tokens.
//
// A capability lets a secondary key (the signer) act for a primary authority
// without the authority signing every action. The token's subject is the
// authority and its signer claim binds it to the presenting identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

const issuer = "arena-server"

// Caller is the identity presenting a request plus an optional capability.
type Caller struct {
	Identity string
	Token    string
}

// Resolver maps a caller to the authority it acts for.
type Resolver interface {
	Resolve(ctx context.Context, caller Caller) (string, error)
}

type claims struct {
	jwt.RegisteredClaims
	Signer string `json:"signer"`
}

// Manager issues, verifies and revokes capability tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	revoked map[string]time.Time // token id -> expiry
}

// NewManager creates a session manager signing with secret.
func NewManager(secret []byte, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		revoked: make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Issue creates a token letting signer act for authority.
func (m *Manager) Issue(authority, signer string) (string, time.Time, error) {
	authority = strings.TrimSpace(authority)
	signer = strings.TrimSpace(signer)
	if authority == "" || signer == "" {
		return "", time.Time{}, fmt.Errorf("authority and signer are required")
	}

	now := m.now()
	expires := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   authority,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Signer: signer,
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	m.logger.Debug("session issued",
		zap.String("player", authority),
		zap.String("signer", signer),
		zap.Time("expires_at", expires),
	)
	return signed, expires, nil
}

// Resolve returns the authority a caller acts for. Without a token the caller
// acts for itself.
func (m *Manager) Resolve(_ context.Context, caller Caller) (string, error) {
	if caller.Identity == "" {
		return "", battle.ErrUnauthorized
	}
	if caller.Token == "" {
		return caller.Identity, nil
	}

	c, err := m.parse(caller.Token)
	if err != nil {
		return "", err
	}
	if c.Signer != caller.Identity {
		return "", fmt.Errorf("%w: token not issued to %s", battle.ErrInvalidAuth, caller.Identity)
	}
	return c.Subject, nil
}

// Revoke invalidates a token before its expiry.
func (m *Manager) Revoke(token string) error {
	c, err := m.parse(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.revoked[c.ID] = c.ExpiresAt.Time
	m.mu.Unlock()

	m.logger.Info("session revoked", zap.String("player", c.Subject), zap.String("token_id", c.ID))
	return nil
}

func (m *Manager) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: bad signature", battle.ErrInvalidAuth)
		}
		return nil, fmt.Errorf("%w: %v", battle.ErrInvalidAuth, err)
	}

	if c.Issuer != issuer || c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: incomplete token", battle.ErrInvalidAuth)
	}
	if !c.ExpiresAt.Time.After(m.now()) {
		return nil, fmt.Errorf("%w: token expired", battle.ErrInvalidAuth)
	}

	m.mu.RLock()
	_, revoked := m.revoked[c.ID]
	m.mu.RUnlock()
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", battle.ErrInvalidAuth)
	}
	return &c, nil
}

// CleanupExpired drops revocation entries whose tokens have expired anyway.
func (m *Manager) CleanupExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, expires := range m.revoked {
		if !expires.After(now) {
			delete(m.revoked, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("cleaned up revoked sessions", zap.Int("count", removed))
	}
	return removed
}

// Run calls CleanupExpired every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}
