// Package config loads the ledgerflow service configuration.
//
// Values come from three layers, later ones winning: built-in defaults, a
// YAML or JSON file, and LEDGERFLOW_* environment variables.
//
//	cfg, err := config.Load("ledgerflow.yaml")
//	if err != nil {
//	    return err
//	}
//	db, err := store.Open(cfg.Database.Path)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/idempotency"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LEDGERFLOW_"

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config is the full service configuration.
type Config struct {
	Database    Database    `yaml:"database" json:"database" envPrefix:"DATABASE_"`
	Bus         Bus         `yaml:"bus" json:"bus" envPrefix:"BUS_"`
	Idempotency Idempotency `yaml:"idempotency" json:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Prices      Prices      `yaml:"prices" json:"prices" envPrefix:"PRICES_"`
	Sampler     Sampler     `yaml:"sampler" json:"sampler" envPrefix:"SAMPLER_"`
	Reconciler  Reconciler  `yaml:"reconciler" json:"reconciler" envPrefix:"RECONCILER_"`
	Workflows   Workflows   `yaml:"workflows" json:"workflows" envPrefix:"WORKFLOWS_"`
	HTTP        HTTP        `yaml:"http" json:"http" envPrefix:"HTTP_"`
	Metrics     Metrics     `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Log         Log         `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// Database configures the SQLite file holding the ledger and all records.
type Database struct {
	Path string `yaml:"path" json:"path" env:"PATH"`
}

// Bus configures the event exchange and the dispatcher consuming it.
type Bus struct {
	Driver    string `yaml:"driver" json:"driver" env:"DRIVER"`
	Exchange  string `yaml:"exchange" json:"exchange" env:"EXCHANGE"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr" env:"REDIS_ADDR"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	Consumers      int           `yaml:"consumers" json:"consumers" env:"CONSUMERS"`
	Prefetch       int           `yaml:"prefetch" json:"prefetch" env:"PREFETCH"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" json:"handler_timeout" env:"HANDLER_TIMEOUT"`

	// MaxRedeliveryAge is the longest the bus may hold a message and still
	// redeliver it. Idempotency retention is derived from it.
	MaxRedeliveryAge time.Duration `yaml:"max_redelivery_age" json:"max_redelivery_age" env:"MAX_REDELIVERY_AGE"`

	OutboxInterval time.Duration `yaml:"outbox_interval" json:"outbox_interval" env:"OUTBOX_INTERVAL"`
}

// Idempotency configures record retention.
type Idempotency struct {
	// Retention zero derives the window from Bus.MaxRedeliveryAge.
	Retention     time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`
	PurgeInterval time.Duration `yaml:"purge_interval" json:"purge_interval" env:"PURGE_INTERVAL"`
}

// PriceSource is one HTTP price feed in waterfall order.
type PriceSource struct {
	Name    string        `yaml:"name" json:"name"`
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Prices configures the settlement price waterfall.
type Prices struct {
	Sources       []PriceSource      `yaml:"sources" json:"sources"`
	Static        map[string]float64 `yaml:"static" json:"static" env:"STATIC"`
	MaxAge        time.Duration      `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	MinConfidence float64            `yaml:"min_confidence" json:"min_confidence" env:"MIN_CONFIDENCE"`
}

// Sampler configures the stream sampler.
type Sampler struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Tick           time.Duration `yaml:"tick" json:"tick" env:"TICK"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	MissThreshold  int           `yaml:"miss_threshold" json:"miss_threshold" env:"MISS_THRESHOLD"`
	BalanceURL     string        `yaml:"balance_url" json:"balance_url" env:"BALANCE_URL"`
	BalanceTimeout time.Duration `yaml:"balance_timeout" json:"balance_timeout" env:"BALANCE_TIMEOUT"`
}

// Reconciler configures the reconciler and its gap pass.
type Reconciler struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Interval    time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
	GapInterval time.Duration `yaml:"gap_interval" json:"gap_interval" env:"GAP_INTERVAL"`
	Epsilon     float64       `yaml:"epsilon" json:"epsilon" env:"EPSILON"`
	AutoCorrect bool          `yaml:"auto_correct" json:"auto_correct" env:"AUTO_CORRECT"`
	GapFactor   float64       `yaml:"gap_factor" json:"gap_factor" env:"GAP_FACTOR"`
}

// Workflows configures the business workflows.
type Workflows struct {
	CreditsPerUSD float64            `yaml:"credits_per_usd" json:"credits_per_usd" env:"CREDITS_PER_USD"`
	Catalog       map[string]float64 `yaml:"catalog" json:"catalog" env:"CATALOG"`
	UsagePrices   map[string]float64 `yaml:"usage_prices" json:"usage_prices" env:"USAGE_PRICES"`
	MaxInFlight   int64              `yaml:"max_in_flight" json:"max_in_flight" env:"MAX_IN_FLIGHT"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `yaml:"addr" json:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{Path: "ledgerflow.db"},
		Bus: Bus{
			Driver:           BusMemory,
			Exchange:         "ledger",
			KeyPrefix:        "ledgerflow",
			Consumers:        2,
			Prefetch:         1,
			MaxAttempts:      5,
			HandlerTimeout:   30 * time.Second,
			MaxRedeliveryAge: 14 * 24 * time.Hour,
			OutboxInterval:   5 * time.Second,
		},
		Idempotency: Idempotency{PurgeInterval: time.Hour},
		Prices: Prices{
			MaxAge:        5 * time.Minute,
			MinConfidence: 0.8,
		},
		Sampler: Sampler{
			Enabled:        true,
			Tick:           time.Second,
			Concurrency:    4,
			MissThreshold:  3,
			BalanceTimeout: 10 * time.Second,
		},
		Reconciler: Reconciler{
			Enabled:     true,
			Interval:    time.Hour,
			GapInterval: 24 * time.Hour,
			Epsilon:     1e-4,
			GapFactor:   1.5,
		},
		Workflows: Workflows{
			CreditsPerUSD: 0.1,
			MaxInFlight:   64,
		},
		HTTP:    HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Metrics: Metrics{Enabled: true, Path: "/metrics"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// Load reads defaults, then path (if non-empty), then the environment, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromYAML overlays YAML data on the defaults.
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// FromJSON overlays JSON data on the defaults.
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

// decodeFile overlays a file on cfg, picking the format by extension.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}
	return nil
}

// ApplyEnv overlays LEDGERFLOW_* environment variables on cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// IdempotencyRetention is the effective retention window.
func (c Config) IdempotencyRetention() time.Duration {
	if c.Idempotency.Retention > 0 {
		return c.Idempotency.Retention
	}
	return idempotency.RetentionFor(c.Bus.MaxRedeliveryAge)
}

// Validate checks the configuration for values the service cannot run
// with. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	switch c.Bus.Driver {
	case BusMemory:
	case BusRedis:
		if c.Bus.RedisAddr == "" {
			errs = append(errs, errors.New("bus.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not one of memory, redis", c.Bus.Driver))
	}
	if c.Bus.Exchange == "" {
		errs = append(errs, errors.New("bus.exchange is required"))
	}
	if c.Bus.MaxAttempts < 1 {
		errs = append(errs, errors.New("bus.max_attempts must be at least 1"))
	}

	// A record purged before the bus gives up on a message turns the
	// duplicate check into a miss.
	if c.Idempotency.Retention > 0 && c.Idempotency.Retention < c.Bus.MaxRedeliveryAge {
		errs = append(errs, fmt.Errorf("idempotency.retention %s is shorter than bus.max_redelivery_age %s",
			c.Idempotency.Retention, c.Bus.MaxRedeliveryAge))
	}

	if c.Prices.MinConfidence < 0 || c.Prices.MinConfidence > 1 {
		errs = append(errs, errors.New("prices.min_confidence must be within [0, 1]"))
	}
	for i, src := range c.Prices.Sources {
		if src.Name == "" || src.URL == "" {
			errs = append(errs, fmt.Errorf("prices.sources[%d] needs a name and url", i))
		}
	}

	if c.Sampler.Enabled && c.Sampler.Tick <= 0 {
		errs = append(errs, errors.New("sampler.tick must be positive"))
	}
	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Reconciler.Epsilon < 0 {
		errs = append(errs, errors.New("reconciler.epsilon must not be negative"))
	}
	if c.Reconciler.AutoCorrect && len(c.Prices.Sources) == 0 && len(c.Prices.Static) == 0 {
		errs = append(errs, errors.New("reconciler.auto_correct needs at least one price source"))
	}
	if c.Workflows.CreditsPerUSD <= 0 {
		errs = append(errs, errors.New("workflows.credits_per_usd must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}
	return errors.Join(errs...)
}
