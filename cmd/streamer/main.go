package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/api"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/auth"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/backoff"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/cache"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/controller"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/gateway"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/hub"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/sink"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/stream"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/transport"
	"github.com/jeffkershner/pulse/pkg/config"
)

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

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
	}

	// Credentials
	var store auth.TokenStore = auth.NewMemoryTokenStore()
	if cfg.Auth.Store == "redis" {
		store = auth.NewRedisTokenStore(rdb, auth.DefaultTokenKey)
	}
	creds := auth.NewCredentials(store, logger)
	if err := creds.Hydrate(ctx); err != nil {
		logger.Warn("Failed to hydrate credentials", zap.Error(err))
	}
	if cfg.Auth.AccessToken != "" {
		seed := auth.Tokens{AccessToken: cfg.Auth.AccessToken, RefreshToken: cfg.Auth.RefreshToken}
		if err := creds.SetTokens(ctx, seed); err != nil {
			logger.Warn("Failed to persist configured credentials", zap.Error(err))
		}
	}

	// Stream core
	quotes := cache.New()
	httpClient := &http.Client{}
	session := stream.NewSession(
		cfg.API.BaseURL,
		transport.NewSSEDialer(httpClient, logger.Named("sse")),
		quotes,
		creds,
		auth.NewHTTPRefresher(&http.Client{Timeout: 10 * time.Second}, cfg.API.BaseURL),
		logger.Named("session"),
		stream.WithPolicy(backoff.Policy{Base: cfg.Stream.BaseDelay, Max: cfg.Stream.MaxDelay}),
	)
	ctrl := controller.New(session, creds, logger.Named("controller"))

	// Local consumers
	wsHub := hub.NewHub(quotes, ctrl, logger.Named("hub"))

	var publishers sink.Multi
	if cfg.Kafka.Enabled {
		topics := sink.NewTopicCreator(logger, &sink.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}, sink.RealClock{})
		topic := sink.TopicSettings{Name: cfg.Kafka.Topic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor}
		if err := topics.Ensure(ctx, cfg.Kafka.Brokers, topic); err != nil {
			logger.Warn("Kafka topic not confirmed, relying on broker auto-create", zap.Error(err))
		}
		publishers = append(publishers, sink.NewKafkaPublisher(sink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)))
	}
	if cfg.Redis.Enabled {
		publishers = append(publishers, sink.NewRedisPublisher(rdb, cfg.Sink.MirrorTTL))
	}
	sinkDone := make(chan struct{})
	if len(publishers) > 0 {
		fwd := sink.NewForwarder(quotes, publishers, cfg.Sink.Buffer, logger.Named("sink"))
		go func() {
			defer close(sinkDone)
			if err := fwd.Run(ctx); err != nil {
				logger.Error("Forwarder close error", zap.Error(err))
			}
		}()
	} else {
		close(sinkDone)
	}

	router := api.NewRouter(logger)
	api.NewHandler(quotes, session, ctrl, creds, logger.Named("api")).Register(router, func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		gateway.NewClient(conn, wsHub, logger.Named("gateway")).Start()
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: router}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.String("api", cfg.API.BaseURL))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	// Dashboard symbols are always streamed; the first SetSource starts the session.
	ctrl.SetSource(controller.SourceDashboard, cfg.Dashboard.Symbols)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")
	session.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	wsHub.Shutdown()

	cancel()
	<-sinkDone
	logger.Info("Shutdown Complete")
}
