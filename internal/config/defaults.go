package config

import "path/filepath"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultServerURL       = "http://localhost:8080"
	defaultResolverMode    = ResolverServer
	defaultLanes           = 4
	defaultPollInterval    = "30s"
	defaultHealthInterval  = "10s"
	defaultRequestTimeout  = "15s"
	defaultFailureCooldown = "5m"
	defaultListen          = ":8080"
	defaultBackend         = BackendSQLite
	defaultShutdownTimeout = "10s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	clientDBName           = "queue.db"
	serverDBName           = "server.db"
	tokenFileName          = "token.json"
)

// Resolver modes.
const (
	ResolverServer = "server" // conflicts go to the coordination server's resolver
	ResolverLocal  = "local"  // conflicts are resolved on the device
)

// Server storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Client:    defaultClientConfig(),
		Server:    defaultServerConfig(),
		Conflicts: ConflictsConfig{},
		Logging:   defaultLoggingConfig(),
	}
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		DBPath:          filepath.Join(DefaultDataDir(), clientDBName),
		TokenFile:       filepath.Join(DefaultDataDir(), tokenFileName),
		ServerURL:       defaultServerURL,
		ResolverMode:    defaultResolverMode,
		Lanes:           defaultLanes,
		PollInterval:    defaultPollInterval,
		HealthInterval:  defaultHealthInterval,
		RequestTimeout:  defaultRequestTimeout,
		FailureCooldown: defaultFailureCooldown,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          defaultListen,
		DBPath:          filepath.Join(DefaultDataDir(), serverDBName),
		Backend:         defaultBackend,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
