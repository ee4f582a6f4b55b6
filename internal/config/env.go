package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "ARCORE_CONFIG"
	EnvStateDB     = "ARCORE_STATE_DB"
	EnvDefinitions = "ARCORE_DEFINITIONS"
	EnvRedisAddr   = "ARCORE_REDIS_ADDR"
	EnvLogLevel    = "ARCORE_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // ARCORE_CONFIG: override config file path
	StateDB     string // ARCORE_STATE_DB: state database path
	Definitions string // ARCORE_DEFINITIONS: definition snapshot path
	RedisAddr   string // ARCORE_REDIS_ADDR: queue address
	LogLevel    string // ARCORE_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		StateDB:     os.Getenv(EnvStateDB),
		Definitions: os.Getenv(EnvDefinitions),
		RedisAddr:   os.Getenv(EnvRedisAddr),
		LogLevel:    os.Getenv(EnvLogLevel),
	}
}

// ClientSecret reads the Graph client secret from the environment variable
// named in the config. Returns the empty string when unset.
func (c *Config) ClientSecret() string {
	if c.Graph.ClientSecretEnv == "" {
		return ""
	}

	return os.Getenv(c.Graph.ClientSecretEnv)
}
