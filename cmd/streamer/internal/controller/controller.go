package controller

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/stream"
)

// Named contributors to the desired symbol set.
const (
	SourceDashboard = "dashboard"
	SourceWatchlist = "watchlist"
	SourcePositions = "positions"
	SourceClients   = "clients"
)

type Session interface {
	Start(symbols []string, credential string)
	Stop()
}

type TokenSource interface {
	AccessToken() string
}

// Controller derives the desired symbol set from its sources and restarts the session
// only when that set actually changes.
type Controller struct {
	session Session
	tokens  TokenSource
	logger  *zap.Logger

	mu      sync.Mutex
	sources map[string][]string
	current []string
	applied bool
}

func New(session Session, tokens TokenSource, logger *zap.Logger) *Controller {
	return &Controller{
		session: session,
		tokens:  tokens,
		logger:  logger,
		sources: make(map[string][]string),
	}
}

// SetSource replaces the symbols contributed by name. An empty list removes the source.
func (c *Controller) SetSource(name string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	normalized := stream.NormalizeSymbols(symbols)
	if len(normalized) == 0 {
		delete(c.sources, name)
	} else {
		c.sources[name] = normalized
	}

	desired := c.unionLocked()
	if c.applied && slices.Equal(desired, c.current) {
		return
	}
	c.current = desired
	c.applied = true

	c.logger.Info("Desired symbol set changed",
		zap.String("source", name),
		zap.Strings("symbols", desired))
	c.restartLocked()
}

// Resume restarts the session with the current set and credential, as after a login.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.unionLocked()
	c.applied = true
	c.restartLocked()
}

// Halt stops the session without forgetting the desired set.
func (c *Controller) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Stop()
}

// Desired returns the current union, sorted.
func (c *Controller) Desired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.current)
}

// Source returns the symbols contributed by name.
func (c *Controller) Source(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sources[name])
}

func (c *Controller) unionLocked() []string {
	var all []string
	for _, syms := range c.sources {
		all = append(all, syms...)
	}
	return stream.NormalizeSymbols(all)
}

func (c *Controller) restartLocked() {
	c.session.Stop()

	if len(c.current) == 0 {
		c.logger.Info("No symbols desired, stream stopped")
		return
	}
	token := c.tokens.AccessToken()
	if token == "" {
		// the session idles in ClosedPendingRetry until Resume brings a token
		c.logger.Warn("No access token, stream waiting for credentials")
	}
	c.session.Start(slices.Clone(c.current), token)
}
