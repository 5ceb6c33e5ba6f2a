package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/fieldsync/config.toml")

	require.NotNil(t, h)
	assert.Same(t, cfg, h.Config())
	assert.Zero(t, h.Revision())
	assert.Equal(t, "/etc/fieldsync/config.toml", h.Path())
}

func TestHolder_Update(t *testing.T) {
	cfg1 := DefaultConfig()
	h := NewHolder(cfg1, "/tmp/config.toml")

	cfg2 := DefaultConfig()
	cfg2.Client.PollInterval = "10m"

	assert.Equal(t, uint64(1), h.Update(cfg2))

	got := h.Config()
	assert.Same(t, cfg2, got)
	assert.Equal(t, "10m", got.Client.PollInterval)
	assert.Equal(t, uint64(1), h.Revision())
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeTestConfig(t, "[client]\nlanes = 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	changed := make(chan *Config, 4)
	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, h, nil, func(c *Config) { changed <- c }, testLogger(t))
	}()

	// Rewrite until the watcher, which registers asynchronously, sees it.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for waiting := true; waiting; {
		select {
		case got := <-changed:
			assert.Equal(t, 6, got.Client.Lanes)
			waiting = false
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("[client]\nlanes = 6\n"), 0o600))
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}

	assert.Equal(t, 6, h.Config().Client.Lanes)

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeTestConfig(t, "[client]\nlanes = 3\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	attempts := make(chan error, 16)
	reload := func(p string) (*Config, error) {
		c, err := Load(p)
		attempts <- err

		return c, err
	}

	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, h, reload, nil, testLogger(t))
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for waiting := true; waiting; {
		select {
		case err := <-attempts:
			require.Error(t, err)
			waiting = false
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("[client]\nlanes = 0\n"), 0o600))
		case <-deadline:
			t.Fatal("reload was never attempted")
		}
	}

	assert.Equal(t, 3, h.Config().Client.Lanes)

	cancel()
	require.NoError(t, <-done)
}
