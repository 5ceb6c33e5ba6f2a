package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvServerURL, "http://hq:8080")
	t.Setenv(EnvDBPath, "/tmp/q.db")
	t.Setenv(EnvActor, "medic-1")
	t.Setenv(EnvToken, "secret")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvPostgresDSN, "postgres://x")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "http://hq:8080", overrides.ServerURL)
	assert.Equal(t, "/tmp/q.db", overrides.DBPath)
	assert.Equal(t, "medic-1", overrides.Actor)
	assert.Equal(t, "secret", overrides.Token)
	assert.Equal(t, "debug", overrides.LogLevel)
	assert.Equal(t, "postgres://x", overrides.PostgresDSN)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvActor, "")

	overrides := ReadEnvOverrides()
	assert.Empty(t, overrides.ConfigPath)
	assert.Empty(t, overrides.Actor)
}

func TestEnvOverrides_ApplySkipsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg

	EnvOverrides{}.apply(cfg)
	assert.Equal(t, before, *cfg)

	EnvOverrides{PostgresDSN: "postgres://y"}.apply(cfg)
	assert.Equal(t, "postgres://y", cfg.Server.PostgresDSN)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FIELDSYNC_ACTOR=from-dotenv\n"), 0o600))

	t.Setenv(EnvActor, "")
	require.NoError(t, os.Unsetenv(EnvActor))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv(EnvActor))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestLockPath(t *testing.T) {
	assert.Equal(t, "/data/queue.db.lock", LockPath("/data/queue.db"))
}

func TestDefaultDataDir_RespectsXDG(t *testing.T) {
	if DefaultConfigDir() == "" {
		t.Skip("no home directory")
	}

	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")

	if filepath.Base(filepath.Dir(DefaultDataDir())) != "data" {
		t.Skip("platform does not use XDG directories")
	}

	assert.Equal(t, "/xdg/data/fieldsync", DefaultDataDir())
	assert.Equal(t, "/xdg/config/fieldsync/config.toml", DefaultConfigPath())
}
