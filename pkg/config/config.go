package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jeffkershner/pulse/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	API       APIConfig       `mapstructure:"api"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

// APIConfig points at the upstream market API serving /stream and /auth/refresh.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type StreamConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

type AuthConfig struct {
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
	Store        string `mapstructure:"store"` // "memory" or "redis"
}

type DashboardConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
}

type SinkConfig struct {
	Buffer    int           `mapstructure:"buffer"`
	MirrorTTL time.Duration `mapstructure:"mirror_ttl"`
}

// FeedConfig is only read by the mock feed.
type FeedConfig struct {
	Port         string        `mapstructure:"port"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	AccessTTL    time.Duration `mapstructure:"access_ttl"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

var (
	ErrMissingBaseURL = errors.New("api base url cannot be empty")
	ErrInvalidBackoff = errors.New("stream backoff delays are invalid")
	ErrNoBrokers      = errors.New("kafka brokers cannot be empty")
	ErrInvalidTopic   = errors.New("kafka topic needs at least one partition and replica")
	ErrUnknownStore   = errors.New("unknown auth store")
)

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment when present
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "stream.base_delay" -> "STREAM_BASE_DELAY"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not populate nested structs on Unmarshal
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "api.base_url")
	bindEnv(v, "stream.base_delay", "stream.max_delay")
	bindEnv(v, "auth.access_token", "auth.refresh_token", "auth.store")
	bindEnv(v, "dashboard.symbols")
	bindEnv(v, "redis.enabled", "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic", "kafka.partitions", "kafka.replication_factor")
	bindEnv(v, "sink.buffer", "sink.mirror_ttl")
	bindEnv(v, "feed.port", "feed.tick_interval", "feed.access_ttl")
	bindEnv(v, "logger.level", "logger.encoding")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	for i, s := range cfg.Dashboard.Symbols {
		cfg.Dashboard.Symbols[i] = models.NormalizeSymbol(s)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8090")
	v.SetDefault("app.env", "local")

	v.SetDefault("api.base_url", "http://localhost:8000/api")

	v.SetDefault("stream.base_delay", time.Second)
	v.SetDefault("stream.max_delay", 30*time.Second)

	v.SetDefault("auth.store", "memory")

	v.SetDefault("dashboard.symbols", models.DefaultDashboardSymbols)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "quotes")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("sink.buffer", 256)
	v.SetDefault("sink.mirror_ttl", time.Hour)

	v.SetDefault("feed.port", ":8000")
	v.SetDefault("feed.tick_interval", 1500*time.Millisecond)
	v.SetDefault("feed.access_ttl", 30*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
}

// Validate checks the cross-field rules LoadConfig cannot express as defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if c.Stream.BaseDelay <= 0 || c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("%w: base=%s max=%s", ErrInvalidBackoff, c.Stream.BaseDelay, c.Stream.MaxDelay)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return ErrNoBrokers
	}
	if c.Kafka.Enabled && (c.Kafka.Partitions < 1 || c.Kafka.ReplicationFactor < 1) {
		return fmt.Errorf("%w: partitions=%d replication_factor=%d", ErrInvalidTopic, c.Kafka.Partitions, c.Kafka.ReplicationFactor)
	}
	switch c.Auth.Store {
	case "", "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("%w: redis store requires redis.enabled", ErrUnknownStore)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Auth.Store)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
