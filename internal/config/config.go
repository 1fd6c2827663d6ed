// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Results      ResultsConfig      `mapstructure:"results"`
	DB           DBConfig           `mapstructure:"db"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Spiders      []SpiderConfig     `mapstructure:"spiders"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// OrchestratorConfig governs slot capacity for concurrent crawls.
type OrchestratorConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// RetryConfig controls per-unit retry behavior in the runner.
type RetryConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	BaseBackoffMs  int `mapstructure:"base_backoff_ms"`
	MaxBackoffMs   int `mapstructure:"max_backoff_ms"`
}

// FetchConfig configures the HTTP fetch layer.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// RegistryConfig selects the job registry backend.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
}

// ResultsConfig selects the result store backend.
type ResultsConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig controls the Redis result store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SpiderConfig declares one catalog entry loaded from configuration.
type SpiderConfig struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	URLs        []string `mapstructure:"urls"`
}

// Backend names accepted by registry.backend and results.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("orchestrator.max_concurrency", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("fetch.user_agent", "crawld/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.per_host_rps", 2.0)
	v.SetDefault("fetch.per_host_burst", 1)
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("results.backend", BackendMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "crawl:results:")
	v.SetDefault("redis.ttl_minutes", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.MaxConcurrency <= 0 {
		return fmt.Errorf("orchestrator.max_concurrency must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when registry.backend is postgres")
		}
	default:
		return fmt.Errorf("registry.backend must be %q or %q", BackendMemory, BackendPostgres)
	}
	switch c.Results.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when results.backend is redis")
		}
	default:
		return fmt.Errorf("results.backend must be %q or %q", BackendMemory, BackendRedis)
	}
	for _, sp := range c.Spiders {
		if sp.Name == "" {
			return fmt.Errorf("spiders[].name must be set")
		}
		if len(sp.URLs) == 0 {
			return fmt.Errorf("spider %q must list at least one url", sp.Name)
		}
	}
	return nil
}

// FetchTimeout converts the fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the base and max backoff as durations.
func (c Config) RetryBackoff() (base, max time.Duration) {
	return time.Duration(c.Retry.BaseBackoffMs) * time.Millisecond,
		time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
}

// ResultTTL returns the Redis result expiry as a duration.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.Redis.TTLMinutes) * time.Minute
}
