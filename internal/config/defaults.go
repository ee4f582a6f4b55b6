package config

// Default values for configuration options. Layer 0 of the override chain;
// chosen so a single-node setup works with only credentials configured.
const (
	defaultDBPath          = "arcore.db"
	defaultDefinitionsPath = "definitions.toml"
	defaultCacheTTL        = "60s"
	defaultFetchLimit      = 500
	defaultPublication     = "arcore_cdc_pub"
	defaultQueueBackend    = "redis"
	defaultRedisAddr       = "localhost:6379"
	defaultStream          = "arcore:cdc:events"
	defaultGroup           = "arcore_cdc_group"
	defaultHighWater       = 10000
	defaultGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	defaultSecretEnv       = "ARCORE_GRAPH_CLIENT_SECRET"
	defaultPushInterval    = "1m"
	defaultIngressInterval = "5m"
	defaultShutdownTimeout = "30s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// Used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		State: StateConfig{
			DBPath: defaultDBPath,
		},
		Definitions: DefinitionsConfig{
			Path:     defaultDefinitionsPath,
			CacheTTL: defaultCacheTTL,
		},
		Source: SourceConfig{
			FetchLimit:  defaultFetchLimit,
			Publication: defaultPublication,
		},
		Queue: QueueConfig{
			Backend:   defaultQueueBackend,
			RedisAddr: defaultRedisAddr,
			Stream:    defaultStream,
			Group:     defaultGroup,
			HighWater: defaultHighWater,
		},
		Graph: GraphConfig{
			BaseURL:         defaultGraphBaseURL,
			ClientSecretEnv: defaultSecretEnv,
		},
		Engine: EngineConfig{
			PushInterval:    defaultPushInterval,
			IngressInterval: defaultIngressInterval,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
