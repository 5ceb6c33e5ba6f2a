// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fieldsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// hot reload through a shared Holder.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Client    ClientConfig    `toml:"client"`
	Server    ServerConfig    `toml:"server"`
	Conflicts ConflictsConfig `toml:"conflicts"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ClientConfig controls the device side: the local operation queue and the
// dispatcher that drains it.
type ClientConfig struct {
	Actor           string            `toml:"actor"`
	DBPath          string            `toml:"db_path"`
	ServerURL       string            `toml:"server_url"`
	Token           string            `toml:"token"`
	TokenFile       string            `toml:"token_file"`
	ResolverMode    string            `toml:"resolver_mode"`
	Lanes           int               `toml:"lanes"`
	MaxOpsPerSecond float64           `toml:"max_ops_per_second"`
	PollInterval    string            `toml:"poll_interval"`
	HealthInterval  string            `toml:"health_interval"`
	RequestTimeout  string            `toml:"request_timeout"`
	FailureCooldown string            `toml:"failure_cooldown"`
	Compress        bool              `toml:"compress"`
	Collections     map[string]string `toml:"collections"`
}

// ServerConfig controls the coordination server.
type ServerConfig struct {
	Listen          string          `toml:"listen"`
	DBPath          string          `toml:"db_path"`
	Backend         string          `toml:"backend"`
	PostgresDSN     string          `toml:"postgres_dsn"`
	ShutdownTimeout string          `toml:"shutdown_timeout"`
	Webhooks        []WebhookConfig `toml:"webhooks"`
}

// WebhookConfig describes an outbound webhook for conflict events.
type WebhookConfig struct {
	URL     string   `toml:"url"`
	Secret  string   `toml:"secret"`
	Events  []string `toml:"events"`
	Timeout string   `toml:"timeout"`
}

// ConflictsConfig tunes the conflict resolver.
//
//	[conflicts.policy]        conflict type -> strategy
//	[conflicts.entity_types]  entity type -> conflict type
//	[conflicts.commanders]    actor -> rank
//	[conflicts.merge.<type>]  field path -> merge rule
type ConflictsConfig struct {
	Policy      map[string]string            `toml:"policy"`
	EntityTypes map[string]string            `toml:"entity_types"`
	Commanders  map[string]int               `toml:"commanders"`
	Merge       map[string]map[string]string `toml:"merge"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	DBPath     *string // --db flag
	Actor      *string // --actor flag
}
