package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "FIELDSYNC_CONFIG"
	EnvServerURL   = "FIELDSYNC_SERVER_URL"
	EnvDBPath      = "FIELDSYNC_DB"
	EnvActor       = "FIELDSYNC_ACTOR"
	EnvToken       = "FIELDSYNC_TOKEN"
	EnvLogLevel    = "FIELDSYNC_LOG_LEVEL"
	EnvPostgresDSN = "FIELDSYNC_POSTGRES_DSN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string
	ServerURL   string
	DBPath      string
	Actor       string
	Token       string
	LogLevel    string
	PostgresDSN string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		ServerURL:   os.Getenv(EnvServerURL),
		DBPath:      os.Getenv(EnvDBPath),
		Actor:       os.Getenv(EnvActor),
		Token:       os.Getenv(EnvToken),
		LogLevel:    os.Getenv(EnvLogLevel),
		PostgresDSN: os.Getenv(EnvPostgresDSN),
	}
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment. Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("loading %s: %w", path, err)
	}

	return nil
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.ServerURL != "" {
		cfg.Client.ServerURL = e.ServerURL
	}

	if e.DBPath != "" {
		cfg.Client.DBPath = e.DBPath
	}

	if e.Actor != "" {
		cfg.Client.Actor = e.Actor
	}

	if e.Token != "" {
		cfg.Client.Token = e.Token
	}

	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}

	if e.PostgresDSN != "" {
		cfg.Server.PostgresDSN = e.PostgresDSN
	}
}
