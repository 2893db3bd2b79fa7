package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	LogLevelRaw string        `env:"LOG_LEVEL" envDefault:"info"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"` // memory | sqlite | postgres
	StoreDSN    string `env:"STORE_DSN"`

	LookbackDays    int     `env:"LOOKBACK_DAYS" envDefault:"30"`
	MaxLookbackDays int     `env:"MAX_LOOKBACK_DAYS" envDefault:"180"`
	MaxRangeDays    int     `env:"MAX_RANGE_DAYS" envDefault:"366"`
	HalfLifeDays    float64 `env:"HALF_LIFE_DAYS" envDefault:"7"`
	DefaultModel    string  `env:"DEFAULT_MODEL" envDefault:"linear"`
	ProfitMargin    float64 `env:"PROFIT_MARGIN" envDefault:"0.3"`
	TopPaths        int     `env:"TOP_PATHS" envDefault:"3"`

	QueryTimeout   time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	Workers        int           `env:"WORKERS" envDefault:"0"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"256"`
	MaxConversions int           `env:"MAX_CONVERSIONS" envDefault:"0"`
	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase      time.Duration `env:"RETRY_BASE" envDefault:"100ms"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	RefreshCron    string        `env:"REFRESH_CRON"`

	CollectorTouchpointsURL string `env:"COLLECTOR_TOUCHPOINTS_URL"`
	CollectorConversionsURL string `env:"COLLECTOR_CONVERSIONS_URL"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	LogLevel slog.Level
}

// FromEnv loads an optional .env file and then parses the process environment.
func FromEnv() (Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromMap parses configuration from an explicit variable set, ignoring the
// process environment.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.LogLevel = level(cfg.LogLevelRaw)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN required for driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LookbackDays <= 0 || c.LookbackDays > c.MaxLookbackDays {
		return fmt.Errorf("LOOKBACK_DAYS must be in 1..%d", c.MaxLookbackDays)
	}
	if c.HalfLifeDays <= 0 {
		return fmt.Errorf("HALF_LIFE_DAYS must be positive")
	}
	if c.ProfitMargin < 0 || c.ProfitMargin > 1 {
		return fmt.Errorf("PROFIT_MARGIN must be in 0..1")
	}
	if c.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			return fmt.Errorf("REFRESH_CRON: %w", err)
		}
	}
	return nil
}

// CollectorsConfigured reports whether both collector endpoints are set.
func (c Config) CollectorsConfigured() bool {
	return c.CollectorTouchpointsURL != "" && c.CollectorConversionsURL != ""
}

func level(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
