package config

import (
	"fmt"
	"time"
)

// Validate checks cross-field constraints on a loaded configuration.
func Validate(cfg *Config) error {
	if cfg.State.DBPath == "" {
		return fmt.Errorf("state.db_path must not be empty")
	}

	if cfg.Definitions.Path == "" {
		return fmt.Errorf("definitions.path must not be empty")
	}

	for _, d := range []struct {
		key   string
		value string
	}{
		{"definitions.cache_ttl", cfg.Definitions.CacheTTL},
		{"engine.push_interval", cfg.Engine.PushInterval},
		{"engine.ingress_interval", cfg.Engine.IngressInterval},
		{"engine.shutdown_timeout", cfg.Engine.ShutdownTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.key, d.value)
		}
	}

	switch cfg.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.backend must be \"redis\" or \"memory\", got %q", cfg.Queue.Backend)
	}

	if cfg.Queue.Backend == "redis" && cfg.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr must be set for the redis backend")
	}

	if cfg.Queue.HighWater <= 0 {
		return fmt.Errorf("queue.high_water must be positive, got %d", cfg.Queue.HighWater)
	}

	if cfg.Source.FetchLimit <= 0 {
		return fmt.Errorf("source.fetch_limit must be positive, got %d", cfg.Source.FetchLimit)
	}

	if cfg.Engine.RateLimitPerSec < 0 {
		return fmt.Errorf("engine.rate_limit_per_sec must not be negative, got %d", cfg.Engine.RateLimitPerSec)
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.log_level must be debug, info, warn, or error, got %q", cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.log_format must be auto, text, or json, got %q", cfg.Logging.LogFormat)
	}

	return nil
}

// CacheTTL returns the parsed definition cache TTL. Validate guarantees it
// parses.
func (c *Config) CacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Definitions.CacheTTL)
	return d
}

// PushInterval returns the parsed push scheduling interval.
func (c *Config) PushInterval() time.Duration {
	d, _ := time.ParseDuration(c.Engine.PushInterval)
	return d
}

// IngressInterval returns the parsed ingress scheduling interval.
func (c *Config) IngressInterval() time.Duration {
	d, _ := time.ParseDuration(c.Engine.IngressInterval)
	return d
}

// ShutdownTimeout returns the parsed graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Engine.ShutdownTimeout)
	return d
}
