// Package config implements TOML configuration loading, validation, and
// environment overrides for arcore. The override chain is
// defaults -> config file -> environment -> CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	State       StateConfig       `toml:"state"`
	Definitions DefinitionsConfig `toml:"definitions"`
	Source      SourceConfig      `toml:"source"`
	Queue       QueueConfig       `toml:"queue"`
	Graph       GraphConfig       `toml:"graph"`
	Engine      EngineConfig      `toml:"engine"`
	Logging     LoggingConfig     `toml:"logging"`
}

// StateConfig locates the embedded state database.
type StateConfig struct {
	DBPath string `toml:"db_path"`
}

// DefinitionsConfig locates the sync definition snapshot and controls how
// long loaded definitions are cached.
type DefinitionsConfig struct {
	Path     string `toml:"path"`
	CacheTTL string `toml:"cache_ttl"`
}

// SourceConfig controls how source databases are read.
type SourceConfig struct {
	FetchLimit  int    `toml:"fetch_limit"`
	Publication string `toml:"publication"`
}

// QueueConfig selects and tunes the durable CDC event queue. Backend is
// "redis" for production or "memory" for single-process setups and tests.
// HighWater is the queue depth at which the capture side pauses reading
// from the replication stream.
type QueueConfig struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	Stream    string `toml:"stream"`
	Group     string `toml:"group"`
	Consumer  string `toml:"consumer"`
	HighWater int    `toml:"high_water"`
}

// GraphConfig holds the app-only credentials for the target list API.
// The client secret is never stored in the file; ClientSecretEnv names the
// environment variable that carries it.
type GraphConfig struct {
	BaseURL         string `toml:"base_url"`
	TenantID        string `toml:"tenant_id"`
	ClientID        string `toml:"client_id"`
	ClientSecretEnv string `toml:"client_secret_env"`
	SiteID          string `toml:"site_id"`
}

// EngineConfig controls scheduling and shutdown behavior.
type EngineConfig struct {
	PushInterval    string `toml:"push_interval"`
	IngressInterval string `toml:"ingress_interval"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	RateLimitPerSec int    `toml:"rate_limit_per_sec"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	LogLevel   string  // --log-level flag
	StateDB    *string // --state-db flag
}
