// Package config loads process-wide, immutable-after-startup
// configuration via github.com/spf13/viper, layered from defaults,
// a config file, and environment variables. The schema mirrors the
// configuration table this system's settings module defines.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, immutable process configuration.
type Config struct {
	ListenAddr                   string
	DatabaseURL                  string
	RequireApproval              bool
	CORSOrigins                  []string
	RateLimitPerMinute           int
	SecretKey                    string
	SchedulerBackgroundInterval  time.Duration
	MaxRetries                   int
	BackoffBaseSeconds           int
	BackoffJitterSeconds         int
	DefaultClaimTTL              time.Duration
	OTLPEndpoint                 string
	MetricsEnabled               bool
}

// Load builds a Config from defaults, an optional config file at
// path (skipped silently if empty or missing) and ORCH_-prefixed
// environment variables, following the teacher's viper setup in its
// CLI config loader.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("require_approval", true)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("rate_limit_per_min", 120)
	v.SetDefault("secret_key", "")
	v.SetDefault("scheduler_background_interval_seconds", 0)
	v.SetDefault("max_retries", 3)
	v.SetDefault("backoff_base_seconds", 1)
	v.SetDefault("backoff_jitter_seconds", 0)
	v.SetDefault("default_claim_ttl_seconds", 300)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("metrics_enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		ListenAddr:                  v.GetString("listen_addr"),
		DatabaseURL:                 v.GetString("database_url"),
		RequireApproval:             v.GetBool("require_approval"),
		CORSOrigins:                 v.GetStringSlice("cors_origins"),
		RateLimitPerMinute:          v.GetInt("rate_limit_per_min"),
		SecretKey:                   v.GetString("secret_key"),
		SchedulerBackgroundInterval: time.Duration(v.GetInt("scheduler_background_interval_seconds")) * time.Second,
		MaxRetries:                  v.GetInt("max_retries"),
		BackoffBaseSeconds:          v.GetInt("backoff_base_seconds"),
		BackoffJitterSeconds:        v.GetInt("backoff_jitter_seconds"),
		DefaultClaimTTL:             time.Duration(v.GetInt("default_claim_ttl_seconds")) * time.Second,
		OTLPEndpoint:                v.GetString("otlp_endpoint"),
		MetricsEnabled:              v.GetBool("metrics_enabled"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: rate_limit_per_min must be non-negative")
	}
	if c.DefaultClaimTTL <= 0 {
		return fmt.Errorf("config: default_claim_ttl_seconds must be positive")
	}
	return nil
}
