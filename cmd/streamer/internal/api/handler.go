package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/auth"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/controller"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/stream"
	"github.com/jeffkershner/pulse/pkg/models"
)

type QuoteReader interface {
	Read(symbol string) (models.Quote, bool)
	ReadMany(symbols []string) []models.Quote
}

type StatusReporter interface {
	Status() stream.Status
}

// Subscriptions is the controller surface the API drives.
type Subscriptions interface {
	SetSource(name string, symbols []string)
	Source(name string) []string
	Desired() []string
	Resume()
	Halt()
}

type CredentialStore interface {
	SetTokens(ctx context.Context, t auth.Tokens) error
	Clear(ctx context.Context) error
}

// Handler serves the local read and control API.
type Handler struct {
	quotes QuoteReader
	status StatusReporter
	subs   Subscriptions
	creds  CredentialStore
	logger *zap.Logger
}

type SymbolsRequest struct {
	Symbols []string `json:"symbols"`
}

type CredentialsRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
}

func NewHandler(quotes QuoteReader, status StatusReporter, subs Subscriptions, creds CredentialStore, logger *zap.Logger) *Handler {
	return &Handler{
		quotes: quotes,
		status: status,
		subs:   subs,
		creds:  creds,
		logger: logger,
	}
}

// Register mounts every route. ws is the websocket upgrade handler and may be nil.
func (h *Handler) Register(r *gin.Engine, ws http.HandlerFunc) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	api.GET("/quotes", h.GetQuotes)
	api.GET("/quotes/:symbol", h.GetQuote)
	api.GET("/stream", h.GetStream)
	api.PUT("/watchlist", h.putSource(controller.SourceWatchlist))
	api.PUT("/positions", h.putSource(controller.SourcePositions))
	api.POST("/credentials", h.PostCredentials)
	api.DELETE("/credentials", h.DeleteCredentials)

	if ws != nil {
		r.GET("/ws", gin.WrapF(ws))
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

// GetQuotes returns cached quotes for ?symbols=A,B, or for the whole desired set.
func (h *Handler) GetQuotes(c *gin.Context) {
	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		symbols = stream.NormalizeSymbols(strings.Split(raw, ","))
	} else {
		symbols = h.subs.Desired()
	}
	c.JSON(http.StatusOK, gin.H{"quotes": h.quotes.ReadMany(symbols)})
}

func (h *Handler) GetQuote(c *gin.Context) {
	symbol := models.NormalizeSymbol(c.Param("symbol"))
	q, ok := h.quotes.Read(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no quote for " + symbol})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) GetStream(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": h.status.Status(),
		"desired": h.subs.Desired(),
	})
}

func (h *Handler) putSource(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SymbolsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, s := range req.Symbols {
			if !models.ValidSymbol(models.NormalizeSymbol(s)) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol " + s})
				return
			}
		}

		h.subs.SetSource(name, req.Symbols)
		h.logger.Info("Source updated", zap.String("source", name), zap.Int("symbols", len(req.Symbols)))
		c.JSON(http.StatusOK, gin.H{
			"source":  name,
			"symbols": h.subs.Source(name),
			"desired": h.subs.Desired(),
		})
	}
}

// PostCredentials stores tokens from a login and restarts the stream with them.
func (h *Handler) PostCredentials(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.creds.SetTokens(c.Request.Context(), auth.Tokens{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken})
	if err != nil {
		// the tokens are live in memory even if persisting them failed
		h.logger.Error("Failed to persist credentials", zap.Error(err))
	}
	h.subs.Resume()
	c.Status(http.StatusNoContent)
}

// DeleteCredentials logs out: tokens are forgotten and the stream stops.
func (h *Handler) DeleteCredentials(c *gin.Context) {
	if err := h.creds.Clear(c.Request.Context()); err != nil {
		h.logger.Error("Failed to clear credentials", zap.Error(err))
	}
	h.subs.Halt()
	c.Status(http.StatusNoContent)
}
