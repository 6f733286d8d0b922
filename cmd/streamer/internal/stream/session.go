package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/backoff"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/transport"
	"github.com/jeffkershner/pulse/pkg/models"
)

const (
	EventSnapshot = "snapshot"
	EventQuote    = "quote"
)

var errMalformed = errors.New("malformed event payload")

// Dialer opens a physical push connection. It must return without invoking the handler.
type Dialer interface {
	Dial(rawURL string, h transport.Handler) transport.Conn
}

// QuoteSink receives parsed payloads. Implemented by the quote cache.
type QuoteSink interface {
	ApplySnapshot(entries []models.QuoteEntry)
	ApplyUpdates(entries []models.QuoteEntry)
}

// Credentials is the auth collaborator the session borrows tokens from.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	UpdateAccessToken(ctx context.Context, token string) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

type Option func(*Session)

func WithClock(c Clock) Option { return func(s *Session) { s.clock = c } }

func WithPolicy(p backoff.Policy) Option { return func(s *Session) { s.policy = p } }

// Session owns at most one physical stream connection and reconnects it with backoff.
//
// Every connection and retry timer is tagged with the generation current when it was
// created. Start and Stop bump the generation, so callbacks from a superseded connection
// and timers that fire late are discarded.
type Session struct {
	baseURL   string
	dialer    Dialer
	quotes    QuoteSink
	creds     Credentials
	refresher Refresher
	clock     Clock
	policy    backoff.Policy
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    int
	symbols     []string
	conn        transport.Conn
	timer       Timer
	cancelRetry context.CancelFunc

	connections int
	reconnects  int
	lastErr     error
}

func NewSession(
	baseURL string,
	dialer Dialer,
	quotes QuoteSink,
	creds Credentials,
	refresher Refresher,
	logger *zap.Logger,
	opts ...Option,
) *Session {
	s := &Session{
		baseURL:   baseURL,
		dialer:    dialer,
		quotes:    quotes,
		creds:     creds,
		refresher: refresher,
		clock:     RealClock{},
		policy:    backoff.Default,
		logger:    logger,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start tears down any existing connection and opens a new one for symbols using
// credential. It never blocks on the network.
func (s *Session) Start(symbols []string, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.symbols = NormalizeSymbols(symbols)
	s.failures = 0
	s.lastErr = nil
	s.connectLocked(credential)
}

// Stop cancels any pending retry and closes the connection. Safe to call repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	s.generation++
	if s.state != StateStopped {
		s.logger.Info("Stream session stopped", zap.Uint64("generation", s.generation))
	}
	s.state = StateStopped
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:       s.state,
		Generation:  s.generation,
		Failures:    s.failures,
		Symbols:     append([]string(nil), s.symbols...),
		Connections: s.connections,
		Reconnects:  s.reconnects,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) connectLocked(credential string) {
	s.teardownLocked()
	s.generation++
	gen := s.generation

	if len(s.symbols) == 0 {
		s.state = StateIdle
		s.logger.Debug("No symbols to stream", zap.Uint64("generation", gen))
		return
	}
	if credential == "" {
		s.state = StateClosedPendingRetry
		s.logger.Warn("No access credential, waiting for an external start", zap.Uint64("generation", gen))
		return
	}

	s.state = StateConnecting
	s.connections++
	s.conn = s.dialer.Dial(StreamURL(s.baseURL, s.symbols, credential), &connHandler{s: s, gen: gen})

	s.logger.Info("Stream connecting",
		zap.Uint64("generation", gen),
		zap.Strings("symbols", s.symbols),
		zap.Int("failures", s.failures))
}

func (s *Session) teardownLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.closeConnLocked()
}

func (s *Session) closeConnLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Error closing stream connection", zap.Error(err))
	}
	s.conn = nil
}

func (s *Session) onOpen(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.state != StateConnecting {
		return
	}
	// open alone does not prove health; backoff resets on the first parsed event
	s.state = StateOpen
	s.logger.Info("Stream open", zap.Uint64("generation", gen))
}

func (s *Session) onEvent(gen uint64, ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || (s.state != StateOpen && s.state != StateConnecting) {
		return
	}

	var apply func([]models.QuoteEntry)
	switch ev.Name {
	case EventSnapshot:
		apply = s.quotes.ApplySnapshot
	case EventQuote:
		apply = s.quotes.ApplyUpdates
	default:
		return
	}

	entries, err := decodeEntries(ev.Data)
	if err != nil {
		s.logger.Debug("Dropping malformed event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	apply(entries)
	s.failures = 0
	s.state = StateOpen
}

func (s *Session) onError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || (s.state != StateOpen && s.state != StateConnecting) {
		return
	}

	s.closeConnLocked()
	delay := s.policy.Next(s.failures)
	s.failures++
	s.lastErr = err
	s.state = StateClosedPendingRetry
	s.timer = s.clock.AfterFunc(delay, func() { s.retry(gen) })

	fields := []zap.Field{
		zap.Uint64("generation", gen),
		zap.Duration("delay", delay),
		zap.Int("failures", s.failures),
		zap.Error(err),
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && statusErr.Unauthorized() {
		fields = append(fields, zap.Bool("unauthorized", true))
	}
	s.logger.Warn("Stream disconnected, retrying", fields...)
}

// retry runs when a retry timer fires. The refresh exchange happens without the lock so
// Stop and Start stay responsive; the generation is re-checked before reconnecting.
func (s *Session) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateClosedPendingRetry {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRetry = cancel
	s.mu.Unlock()
	defer cancel()

	token := s.refreshedToken(ctx)
	if token == "" {
		token = s.creds.AccessToken()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.state != StateClosedPendingRetry {
		return
	}
	s.cancelRetry = nil
	if token == "" {
		s.logger.Warn("No access credential available, stream idle until restarted", zap.Uint64("generation", gen))
		return
	}
	s.reconnects++
	s.connectLocked(token)
}

// refreshedToken returns a freshly minted access token, or "" when refresh is unavailable.
func (s *Session) refreshedToken(ctx context.Context) string {
	if s.refresher == nil {
		return ""
	}
	refreshToken := s.creds.RefreshToken()
	if refreshToken == "" {
		return ""
	}

	token, err := s.refresher.Refresh(ctx, refreshToken)
	if ctx.Err() != nil {
		// superseded by Start or Stop while the exchange was in flight
		return ""
	}
	if err != nil || token == "" {
		s.logger.Warn("Token refresh unavailable, using current credential", zap.Error(err))
		return ""
	}

	if err := s.creds.UpdateAccessToken(ctx, token); err != nil {
		s.logger.Warn("Failed to store refreshed token", zap.Error(err))
	}
	return token
}

func decodeEntries(data []byte) ([]models.QuoteEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected JSON array", errMalformed)
	}

	var entries []models.QuoteEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	for i, e := range entries {
		sym := models.NormalizeSymbol(e.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("%w: entry %d has no symbol", errMalformed, i)
		}
		entries[i].Symbol = sym
	}
	return entries, nil
}

// connHandler binds transport callbacks to the generation that opened the connection.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) OnOpen()                    { h.s.onOpen(h.gen) }
func (h *connHandler) OnEvent(ev transport.Event) { h.s.onEvent(h.gen, ev) }
func (h *connHandler) OnError(err error)          { h.s.onError(h.gen, err) }
