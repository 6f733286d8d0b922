package auth

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Credentials holds the current access and refresh tokens and writes every change
// through to a TokenStore.
type Credentials struct {
	store  TokenStore
	logger *zap.Logger

	mu     sync.RWMutex
	tokens Tokens
}

func NewCredentials(store TokenStore, logger *zap.Logger) *Credentials {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	return &Credentials{store: store, logger: logger}
}

// Hydrate loads persisted tokens. Tokens already set in memory win over the store.
func (c *Credentials) Hydrate(ctx context.Context) error {
	stored, err := c.store.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens.AccessToken == "" {
		c.tokens.AccessToken = stored.AccessToken
	}
	if c.tokens.RefreshToken == "" {
		c.tokens.RefreshToken = stored.RefreshToken
	}
	c.logger.Info("Credentials hydrated",
		zap.Bool("access_token", c.tokens.AccessToken != ""),
		zap.Bool("refresh_token", c.tokens.RefreshToken != ""))
	return nil
}

func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

func (c *Credentials) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.RefreshToken
}

func (c *Credentials) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// SetTokens replaces both tokens, as after a login.
func (c *Credentials) SetTokens(ctx context.Context, t Tokens) error {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
	return c.store.Save(ctx, t)
}

// UpdateAccessToken swaps in a refreshed access token and keeps the refresh token.
func (c *Credentials) UpdateAccessToken(ctx context.Context, token string) error {
	c.mu.Lock()
	c.tokens.AccessToken = token
	t := c.tokens
	c.mu.Unlock()
	return c.store.Save(ctx, t)
}

// Clear forgets both tokens, as on logout.
func (c *Credentials) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.tokens = Tokens{}
	c.mu.Unlock()
	return c.store.Clear(ctx)
}
