// Package config loads the orchestrator's configuration from a single
// source: a YAML file overlaid with environment variables. The option
// set is closed — it mirrors exactly the table in the specification's
// external interfaces section; there is no escape hatch for arbitrary
// keys.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

// Config is the fully validated, immutable configuration for one
// process. It is constructed once at start-up by Load and passed by
// value (or pointer) to every component's constructor — no component
// re-reads the environment after start-up.
type Config struct {
	App       AppConfig
	Providers []ProviderConfig `mapstructure:"providers"`
	Routing   RoutingConfig    `mapstructure:"routing"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Index     IndexConfig      `mapstructure:"index"`
	Memory    MemoryConfig     `mapstructure:"memory"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type AppConfig struct {
	WorkerCount int    `mapstructure:"worker_count"`
	LogLevel    string `mapstructure:"log_level"`
}

// ProviderConfig describes one configured upstream OpenAI-compatible
// endpoint, created once at start-up and held for the process
// lifetime.
type ProviderConfig struct {
	Name                string   `mapstructure:"name"`
	BaseURL             string   `mapstructure:"base_url"`
	Credential          string   `mapstructure:"credential"`
	ConcurrencyCap      int      `mapstructure:"concurrency_cap"`
	TokenBudgetPerMinute int     `mapstructure:"token_budget_per_minute"`
	Models              []string `mapstructure:"models"`
	// SlotShare is the fraction (0..1) of total worker_count slots
	// bound to this provider at start-up. Validation only requires the
	// shares to sum to more than zero; the fleet rounds each share
	// down and gives the last provider every slot left over.
	SlotShare float64 `mapstructure:"slot_share"`
}

type RoutingConfig struct {
	FastModel     string `mapstructure:"fast_model"`
	StandardModel string `mapstructure:"standard_model"`
	DeepModel     string `mapstructure:"deep_model"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTLSeconds int           `mapstructure:"ttl_seconds"`
	Backend    string        `mapstructure:"backend"` // memory, redis
	RedisAddr  string        `mapstructure:"redis_addr"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type IndexConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type MemoryConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LedgerConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	GenesisID string `mapstructure:"genesis_id"`
	Backend   string `mapstructure:"backend"` // disk, postgres
	Postgres  PostgresConfig `mapstructure:"postgres"`
	KafkaTopic  string `mapstructure:"kafka_topic"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type ObservabilityConfig struct {
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	TracingEnabled  bool   `mapstructure:"tracing_enabled"`
	TracingExporter string `mapstructure:"tracing_exporter"` // jaeger, otlp, stdout
	JaegerURL       string `mapstructure:"jaeger_url"`       // e.g. http://localhost:14268/api/traces
	OTLPEndpoint    string `mapstructure:"otlp_endpoint"`     // e.g. localhost:4317
}

// Load reads configuration from ./config.yaml (if present), a .env
// file (if present), and environment variables, in that overlay
// order, then validates the closed option set.
func Load(configPaths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		for _, p := range configPaths {
			v.AddConfigPath(p)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, ferrors.Wrap("config", "Load", fmt.Errorf("%w: %v", ferrors.ErrFatal, err))
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ferrors.Wrap("config", "Load", fmt.Errorf("%w: %v", ferrors.ErrFatal, err))
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.worker_count", 128)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("routing.fast_model", "gpt-4o-mini")
	v.SetDefault("routing.standard_model", "gpt-4o")
	v.SetDefault("routing.deep_model", "gpt-4o")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.backend", "memory")

	v.SetDefault("index.data_dir", "./data/index")
	v.SetDefault("memory.data_dir", "./data/memory")

	v.SetDefault("ledger.data_dir", "./data/ledger")
	v.SetDefault("ledger.genesis_id", "genesis")
	v.SetDefault("ledger.backend", "disk")

	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.tracing_exporter", "stdout")
}

// validate enforces the closed option set's constraints: worker_count
// bounds, non-empty providers, and a recognized log level.
func validate(cfg *Config) error {
	if cfg.App.WorkerCount <= 0 || cfg.App.WorkerCount > 512 {
		return ferrors.Wrap("config", "validate", fmt.Errorf("%w: worker_count must be in [1, 512], got %d", ferrors.ErrFatal, cfg.App.WorkerCount))
	}
	switch cfg.App.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return ferrors.Wrap("config", "validate", fmt.Errorf("%w: unrecognized log_level %q", ferrors.ErrFatal, cfg.App.LogLevel))
	}
	if len(cfg.Providers) == 0 {
		return ferrors.Wrap("config", "validate", fmt.Errorf("%w: at least one provider must be configured", ferrors.ErrFatal))
	}
	sumShare := 0.0
	for i, p := range cfg.Providers {
		if p.BaseURL == "" {
			return ferrors.Wrap("config", "validate", fmt.Errorf("%w: providers[%d].base_url is required", ferrors.ErrFatal, i))
		}
		if p.ConcurrencyCap <= 0 {
			return ferrors.Wrap("config", "validate", fmt.Errorf("%w: providers[%d].concurrency_cap must be positive", ferrors.ErrFatal, i))
		}
		if len(p.Models) == 0 {
			return ferrors.Wrap("config", "validate", fmt.Errorf("%w: providers[%d].models must not be empty", ferrors.ErrFatal, i))
		}
		sumShare += p.SlotShare
	}
	if sumShare <= 0 {
		return ferrors.Wrap("config", "validate", fmt.Errorf("%w: providers[*].slot_share must sum to a positive value", ferrors.ErrFatal))
	}
	return nil
}
