package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer mints opaque access and refresh tokens for the simulated API.
type TokenIssuer struct {
	clock     Clock
	accessTTL time.Duration

	mu      sync.Mutex
	access  map[string]time.Time // token -> expiry
	refresh map[string]bool
}

func NewTokenIssuer(clock Clock, accessTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		clock:     clock,
		accessTTL: accessTTL,
		access:    make(map[string]time.Time),
		refresh:   make(map[string]bool),
	}
}

// Issue returns a fresh access/refresh pair, as a login would.
func (t *TokenIssuer) Issue() (access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	access = "at-" + uuid.NewString()
	refresh = "rt-" + uuid.NewString()
	t.access[access] = t.clock.Now().Add(t.accessTTL)
	t.refresh[refresh] = true
	return access, refresh
}

// Accept registers externally configured tokens. Empty values are ignored.
func (t *TokenIssuer) Accept(access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if access != "" {
		t.access[access] = t.clock.Now().Add(t.accessTTL)
	}
	if refresh != "" {
		t.refresh[refresh] = true
	}
}

// Refresh mints a new access token for a known refresh token.
func (t *TokenIssuer) Refresh(refresh string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.refresh[refresh] {
		return "", false
	}
	access := "at-" + uuid.NewString()
	t.access[access] = t.clock.Now().Add(t.accessTTL)
	return access, true
}

func (t *TokenIssuer) ValidAccess(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.access[token]
	if !ok {
		return false
	}
	if !t.clock.Now().Before(expiry) {
		delete(t.access, token)
		return false
	}
	return true
}

// Revoke invalidates an access token immediately.
func (t *TokenIssuer) Revoke(access string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.access, access)
}
