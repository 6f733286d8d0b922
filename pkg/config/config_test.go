package config_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/jeffkershner/pulse/pkg/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Stream.BaseDelay != time.Second {
		t.Errorf("Expected base delay 1s, got %s", cfg.Stream.BaseDelay)
	}
	if cfg.Stream.MaxDelay != 30*time.Second {
		t.Errorf("Expected max delay 30s, got %s", cfg.Stream.MaxDelay)
	}
	if len(cfg.Dashboard.Symbols) != 19 {
		t.Errorf("Expected 19 dashboard symbols, got %d", len(cfg.Dashboard.Symbols))
	}
	if cfg.Auth.Store != "memory" {
		t.Errorf("Expected memory auth store, got %s", cfg.Auth.Store)
	}
	if cfg.Kafka.Partitions != 4 || cfg.Kafka.ReplicationFactor != 1 {
		t.Errorf("Unexpected topic defaults %d/%d", cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://feed:9000/api")
	t.Setenv("STREAM_BASE_DELAY", "250ms")
	t.Setenv("DASHBOARD_SYMBOLS", "aapl, msft")
	t.Setenv("AUTH_REFRESH_TOKEN", "rt-1")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.API.BaseURL != "http://feed:9000/api" {
		t.Errorf("Expected overridden base url, got %s", cfg.API.BaseURL)
	}
	if cfg.Stream.BaseDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %s", cfg.Stream.BaseDelay)
	}
	if cfg.Auth.RefreshToken != "rt-1" {
		t.Errorf("Expected refresh token from env, got %q", cfg.Auth.RefreshToken)
	}
	want := []string{"AAPL", "MSFT"}
	if len(cfg.Dashboard.Symbols) != len(want) {
		t.Fatalf("Expected %v, got %v", want, cfg.Dashboard.Symbols)
	}
	for i := range want {
		if cfg.Dashboard.Symbols[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, cfg.Dashboard.Symbols)
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			API:    config.APIConfig{BaseURL: "http://localhost:8000/api"},
			Stream: config.StreamConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		}
	}

	cfg := base()
	cfg.API.BaseURL = " "
	if err := cfg.Validate(); !errors.Is(err, config.ErrMissingBaseURL) {
		t.Errorf("Expected ErrMissingBaseURL, got %v", err)
	}

	cfg = base()
	cfg.Stream.MaxDelay = 500 * time.Millisecond
	if err := cfg.Validate(); !errors.Is(err, config.ErrInvalidBackoff) {
		t.Errorf("Expected ErrInvalidBackoff, got %v", err)
	}

	cfg = base()
	cfg.Kafka.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, config.ErrNoBrokers) {
		t.Errorf("Expected ErrNoBrokers, got %v", err)
	}

	cfg = base()
	cfg.Kafka = config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "quotes", ReplicationFactor: 1}
	if err := cfg.Validate(); !errors.Is(err, config.ErrInvalidTopic) {
		t.Errorf("Expected ErrInvalidTopic, got %v", err)
	}

	cfg = base()
	cfg.Auth.Store = "redis"
	if err := cfg.Validate(); !errors.Is(err, config.ErrUnknownStore) {
		t.Errorf("Expected redis store without redis to fail, got %v", err)
	}

	cfg = base()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := config.NewLogger(config.LoggerConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
	logger, err := config.NewLogger(config.LoggerConfig{Level: "debug", Encoding: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected debug level to be enabled")
	}
}
