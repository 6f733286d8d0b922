package feed

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/pkg/models"
)

const (
	defaultPoll           = 500 * time.Millisecond
	defaultHeartbeatTicks = 30
)

// Server exposes the simulated market API: an event stream of quotes and token refresh.
type Server struct {
	gen    *Generator
	tokens *TokenIssuer
	logger *zap.Logger

	poll           time.Duration
	heartbeatTicks int

	mu   sync.Mutex
	kick chan struct{}
	open int
}

type Option func(*Server)

// WithPoll sets how often open streams look for price changes.
func WithPoll(d time.Duration) Option { return func(s *Server) { s.poll = d } }

// WithHeartbeat sets how many idle polls pass before a heartbeat event.
func WithHeartbeat(ticks int) Option { return func(s *Server) { s.heartbeatTicks = ticks } }

func NewServer(gen *Generator, tokens *TokenIssuer, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		gen:            gen,
		tokens:         tokens,
		logger:         logger,
		poll:           defaultPoll,
		heartbeatTicks: defaultHeartbeatTicks,
		kick:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Register mounts the API under prefix, e.g. "/api".
func (s *Server) Register(r gin.IRouter, prefix string) {
	g := r.Group(prefix)
	g.GET("/stream", s.Stream)
	g.POST("/auth/refresh", s.Refresh)
}

// Handler returns a standalone engine serving the API under /api.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r, "/api")
	return r
}

// DropStreams ends every open stream, as a server restart would.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.kick)
	s.kick = make(chan struct{})
}

// OpenStreams is the number of streams currently being served.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Server) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	access, ok := s.tokens.Refresh(req.RefreshToken)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access, "token_type": "bearer"})
}

// Stream sends a snapshot, then a quote event whenever prices change and a heartbeat
// when nothing has changed for a while.
func (s *Server) Stream(c *gin.Context) {
	if !s.tokens.ValidAccess(c.Query("token")) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
		return
	}

	var symbols []string
	for _, raw := range strings.Split(c.Query("symbols"), ",") {
		if sym := models.NormalizeSymbol(raw); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "symbols is required"})
		return
	}
	s.gen.Track(symbols...)

	s.mu.Lock()
	kick := s.kick
	s.open++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.open--
		s.mu.Unlock()
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	snapshot := s.gen.Quotes(symbols)
	last := make(map[string]float64, len(snapshot))
	for _, q := range snapshot {
		last[q.Symbol] = q.Price
	}
	if !s.send(c, "snapshot", snapshot) {
		return
	}
	s.logger.Debug("Stream opened", zap.Strings("symbols", symbols))

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	idle := 0

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-kick:
			s.logger.Debug("Stream dropped", zap.Strings("symbols", symbols))
			return
		case <-ticker.C:
		}

		var updates []models.QuoteEntry
		for _, q := range s.gen.Quotes(symbols) {
			if prev, ok := last[q.Symbol]; !ok || prev != q.Price {
				last[q.Symbol] = q.Price
				updates = append(updates, q)
			}
		}

		if len(updates) > 0 {
			idle = 0
			if !s.send(c, "quote", updates) {
				return
			}
			continue
		}

		idle++
		if idle >= s.heartbeatTicks {
			idle = 0
			c.SSEvent("heartbeat", "")
			c.Writer.Flush()
		}
	}
}

func (s *Server) send(c *gin.Context, event string, entries []models.QuoteEntry) bool {
	payload, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	c.SSEvent(event, string(payload))
	c.Writer.Flush()
	return true
}
