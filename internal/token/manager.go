// Package token manages access-token freshness and deduplicated refresh.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/session"
)

// Refresher exchanges a refresh credential for a new access token.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (string, error)
}

// Manager decides when a token needs refreshing and collapses concurrent
// refreshes of the same credential into one network exchange.
type Manager struct {
	ledger    Refresher
	sessions  *session.Store
	threshold time.Duration
	group     singleflight.Group

	now func() time.Time
}

// NewManager constructs a Manager with the standard 5-minute freshness
// threshold.
func NewManager(ledger Refresher, sessions *session.Store) *Manager {
	return &Manager{
		ledger:    ledger,
		sessions:  sessions,
		threshold: 5 * time.Minute,
		now:       time.Now,
	}
}

// ExpiringSoon reports whether the token's exp claim is within the
// threshold. A token that cannot be decoded is treated as already
// expiring, forcing re-authentication instead of silently proceeding.
func (m *Manager) ExpiringSoon(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Time.Sub(m.now()) < m.threshold
}

// Refresh exchanges the refresh credential for a new access token and
// stores it on the session. Concurrent calls for the same credential share
// one in-flight exchange; every caller receives that exchange's result.
// On failure the session token is cleared and ErrSessionExpired returned.
func (m *Manager) Refresh(ctx context.Context, userID int64, refreshToken string) (string, error) {
	if refreshToken == "" {
		m.sessions.Remove(userID)
		return "", errs.ErrSessionExpired
	}

	v, err, _ := m.group.Do(refreshToken, func() (any, error) {
		return m.ledger.RefreshToken(ctx, refreshToken)
	})
	if err != nil {
		empty := ""
		m.sessions.Update(userID, session.Patch{Token: &empty, RefreshToken: &empty})
		return "", fmt.Errorf("%w: %v", errs.ErrSessionExpired, err)
	}

	access := v.(string)
	m.sessions.Update(userID, session.Patch{Token: &access})
	return access, nil
}
