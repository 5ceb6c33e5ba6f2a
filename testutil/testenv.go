// Package testutil provides helpers for tests that run the fieldsync binary
// as separate processes. It depends only on the standard library so that
// E2E tests, which cannot import internal/, can use it.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FreeAddr returns a loopback address with a port that was free a moment ago.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("finding free port: %w", err)
	}

	addr := ln.Addr().String()

	if err := ln.Close(); err != nil {
		return "", fmt.Errorf("releasing port: %w", err)
	}

	return addr, nil
}

// WaitHealthy polls baseURL/healthz until it answers 200 or timeout passes.
func WaitHealthy(ctx context.Context, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			return err
		}

		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not healthy after %s", baseURL, timeout)
		case <-ticker.C:
		}
	}
}

// WriteConfig writes a fieldsync config file into dir and returns its path.
// The device keeps its queue and token in dir; the server, when started
// with this config, keeps its SQLite database there too.
func WriteConfig(dir, actor, listen string, extra string) (string, error) {
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`[client]
actor = %q
db_path = %q
token_file = %q
server_url = %q
poll_interval = "1s"
health_interval = "1s"

[server]
listen = %q
db_path = %q

[logging]
log_level = "debug"
%s`,
		actor,
		filepath.Join(dir, "queue.db"),
		filepath.Join(dir, "token.json"),
		"http://"+listen,
		listen,
		filepath.Join(dir, "server.db"),
		extra,
	)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}

	return path, nil
}
