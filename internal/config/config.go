// Package config loads service configuration from YAML files and
// environment variables, with defaults suitable for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AdminToken      string        `mapstructure:"admin_token" yaml:"admin_token" json:"admin_token"`
	AdminRateLimit  string        `mapstructure:"admin_rate_limit" yaml:"admin_rate_limit" json:"admin_rate_limit"` // ulule format, e.g. "100-M"
}

// RedisConfig holds shared-store connection settings. Timeouts are
// deliberately short: a slow store call degrades to fail-open, so there is
// no point waiting longer than the decision path can afford.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password     string        `mapstructure:"password" yaml:"password" json:"password"`
	DB           int           `mapstructure:"db" yaml:"db" json:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	OpTimeout    time.Duration `mapstructure:"op_timeout" yaml:"op_timeout" json:"op_timeout"`
}

// QuotaConfig holds quota service settings.
type QuotaConfig struct {
	DefaultLimit  int64         `mapstructure:"default_limit" yaml:"default_limit" json:"default_limit"`
	DefaultWindow time.Duration `mapstructure:"default_window" yaml:"default_window" json:"default_window"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	TiersFile     string        `mapstructure:"tiers_file" yaml:"tiers_file" json:"tiers_file"`
	TopN          int           `mapstructure:"top_n" yaml:"top_n" json:"top_n"`
	StatsFanout   int           `mapstructure:"stats_fanout" yaml:"stats_fanout" json:"stats_fanout"`
}

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
}

// DatabaseConfig holds the optional tier-database connection. When DSN is
// empty the service runs without the database-backed tier source.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
}

// Config is the root service configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis" json:"redis"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota" json:"quota"`
	Webhook  WebhookConfig  `mapstructure:"webhook" yaml:"webhook" json:"webhook"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`
}

// Load reads configuration from the given file (optional) and from
// QUOTAGATE_* environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUOTAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.admin_rate_limit", "300-M")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 100*time.Millisecond)
	v.SetDefault("redis.read_timeout", 100*time.Millisecond)
	v.SetDefault("redis.write_timeout", 100*time.Millisecond)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.op_timeout", 250*time.Millisecond)

	v.SetDefault("quota.default_limit", 60)
	v.SetDefault("quota.default_window", time.Minute)
	v.SetDefault("quota.cache_ttl", 5*time.Minute)
	v.SetDefault("quota.top_n", 10)
	v.SetDefault("quota.stats_fanout", 8)

	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("webhook.max_retries", 2)
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Quota.DefaultLimit <= 0 {
		return fmt.Errorf("quota default_limit must be positive, got %d", c.Quota.DefaultLimit)
	}
	if c.Quota.DefaultWindow < time.Second {
		return fmt.Errorf("quota default_window must be at least 1s, got %s", c.Quota.DefaultWindow)
	}
	if c.Quota.TopN <= 0 {
		return fmt.Errorf("quota top_n must be positive, got %d", c.Quota.TopN)
	}
	if c.Quota.StatsFanout <= 0 {
		return fmt.Errorf("quota stats_fanout must be positive, got %d", c.Quota.StatsFanout)
	}
	return nil
}
