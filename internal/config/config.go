package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Connector ConnectorConfig `koanf:"connector"`
	Steam     SteamConfig     `koanf:"steam"`
	Ranking   RankingConfig   `koanf:"ranking"`
	Poller    PollerConfig    `koanf:"poller"`
	Admin     AdminConfig     `koanf:"admin"`
}

type ServerConfig struct {
	Port           string        `koanf:"port" validate:"required"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	RateLimit      int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow     time.Duration `koanf:"rate_window" validate:"gt=0"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite3 pgx"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type RedisConfig struct {
	URL          string        `koanf:"url" validate:"required"`
	LockTTL      time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	LockTimeout  time.Duration `koanf:"lock_timeout" validate:"gt=0"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
}

type PipelineConfig struct {
	Transport            string        `koanf:"transport" validate:"oneof=memory nats"`
	NATSURL              string        `koanf:"nats_url" validate:"required_if=Transport nats"`
	QueueGroup           string        `koanf:"queue_group"`
	SubscribersCount     int           `koanf:"subscribers_count" validate:"gte=1"`
	DemoDir              string        `koanf:"demo_dir" validate:"required"`
	MaxRetries           int           `koanf:"max_retries" validate:"gte=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval" validate:"gt=0"`
	ReleaseLockOnSuccess bool          `koanf:"release_lock_on_success"`
	StaleInProgressAfter time.Duration `koanf:"stale_in_progress_after" validate:"gt=0"`
}

type ConnectorConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	APISecret string        `koanf:"api_secret"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
}

type SteamConfig struct {
	APIKey           string        `koanf:"api_key"`
	BaseURL          string        `koanf:"base_url" validate:"required,url"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxParallel      int           `koanf:"max_parallel" validate:"gte=1"`
	SemaphoreTTL     time.Duration `koanf:"semaphore_ttl" validate:"gt=0"`
	SemaphoreTimeout time.Duration `koanf:"semaphore_timeout" validate:"gt=0"`
	HistoryRPS       float64       `koanf:"history_rps" validate:"gt=0"`
	Jitter           time.Duration `koanf:"jitter" validate:"gte=0"`
}

type RankingConfig struct {
	InitialRank int `koanf:"initial_rank"`
	MinRank     int `koanf:"min_rank"`
	MaxRank     int `koanf:"max_rank" validate:"gtefield=MinRank"`
}

type PollerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

type AdminConfig struct {
	APIKey string `koanf:"api_key"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			AllowedOrigins: []string{"*"},
			RateLimit:      120,
			RateWindow:     time.Minute,
		},
		Log:    LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "pvb.db?_busy_timeout=5000&_foreign_keys=on",
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			LockTTL:      900 * time.Second,
			LockTimeout:  300 * time.Second,
			PollInterval: time.Second,
		},
		Pipeline: PipelineConfig{
			Transport:            "memory",
			NATSURL:              "nats://127.0.0.1:4222",
			QueueGroup:           "pipeline-workers",
			SubscribersCount:     2,
			DemoDir:              "demos",
			MaxRetries:           5,
			RetryInitialInterval: 5 * time.Second,
			RetryMaxInterval:     time.Minute,
			ReleaseLockOnSuccess: false,
			StaleInProgressAfter: 900 * time.Second,
		},
		Connector: ConnectorConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Steam: SteamConfig{
			BaseURL:          "https://api.steampowered.com",
			Timeout:          10 * time.Second,
			MaxParallel:      2,
			SemaphoreTTL:     30 * time.Second,
			SemaphoreTimeout: 60 * time.Second,
			HistoryRPS:       1,
			Jitter:           500 * time.Millisecond,
		},
		Ranking: RankingConfig{
			InitialRank: 5,
			MinRank:     0,
			MaxRank:     10,
		},
		Poller: PollerConfig{
			Enabled:  false,
			Interval: 10 * time.Minute,
		},
	}
}

var sections = []string{
	"server", "log", "database", "redis", "pipeline",
	"connector", "steam", "ranking", "poller", "admin",
}

// REDIS_LOCK_TTL -> redis.lock_ttl
func envTransformFunc(s string) string {
	key := strings.ToLower(s)
	for _, section := range sections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func LogLoaded(cfg *Config, logger zerolog.Logger) {
	logger.Info().
		Str("db_driver", cfg.Database.Driver).
		Str("server_port", cfg.Server.Port).
		Str("log_level", cfg.Log.Level).
		Str("transport", cfg.Pipeline.Transport).
		Dur("lock_ttl", cfg.Redis.LockTTL).
		Dur("lock_timeout", cfg.Redis.LockTimeout).
		Int("steam_max_parallel", cfg.Steam.MaxParallel).
		Bool("poller_enabled", cfg.Poller.Enabled).
		Bool("steam_api_key_set", cfg.Steam.APIKey != "").
		Msg("configuration loaded")
}

var Module = fx.Options(
	fx.Provide(Load),
	fx.Invoke(LogLoaded),
)
