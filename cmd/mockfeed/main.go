package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/pkg/config"
	"github.com/jeffkershner/pulse/pkg/feed"
)

// mockfeed serves a simulated market API for local development.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := feed.NewGenerator(logger.Named("generator"), feed.BasePrices, rand.New(rand.NewSource(time.Now().UnixNano())), feed.RealClock{})
	gen.Track(cfg.Dashboard.Symbols...)
	go gen.Run(ctx, cfg.Feed.TickInterval)

	tokens := feed.NewTokenIssuer(feed.RealClock{}, cfg.Feed.AccessTTL)
	tokens.Accept(cfg.Auth.AccessToken, cfg.Auth.RefreshToken)
	access, refresh := tokens.Issue()
	logger.Info("Development credentials issued",
		zap.String("access_token", access),
		zap.String("refresh_token", refresh),
		zap.Duration("access_ttl", cfg.Feed.AccessTTL))

	feedServer := feed.NewServer(gen, tokens, logger.Named("server"))
	srv := &http.Server{Addr: cfg.Feed.Port, Handler: feedServer.Handler()}

	go func() {
		logger.Info("Mock feed started", zap.String("port", cfg.Feed.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	// open streams never finish on their own
	feedServer.DropStreams()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("Shutdown Complete")
}
