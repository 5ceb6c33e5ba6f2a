package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/store"
	"github.com/tonimelisma/fieldsync/internal/tokenfile"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

// dataDirPermissions is owner-only: the queue holds unsent field data.
const dataDirPermissions = 0o700

// openDB opens the SQLite database at path, creating its directory.
func openDB(ctx context.Context, path string, logger *slog.Logger) (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return store.Open(ctx, path, logger)
}

// newTransportClient builds the coordination server client from the client
// section of cfg. A token in the config wins over one saved by 'login'.
func newTransportClient(cfg *config.Config, logger *slog.Logger) (*transport.Client, error) {
	opts := transport.Options{
		Actor:       actorName(cfg),
		Compress:    cfg.Client.Compress,
		Collections: cfg.Client.Collections,
	}

	ts, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}

	opts.Token = ts

	httpClient := &http.Client{Timeout: cfg.Client.Timings().Request}

	return transport.NewClient(cfg.Client.ServerURL, httpClient, opts, logger)
}

// tokenSource returns the bearer token source for the configured server,
// or nil when no token is configured or saved.
func tokenSource(cfg *config.Config) (oauth2.TokenSource, error) {
	if cfg.Client.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Client.Token}), nil
	}

	if cfg.Client.TokenFile == "" {
		return nil, nil //nolint:nilnil // no token configured
	}

	return tokenfile.TokenSource(cfg.Client.TokenFile, cfg.Client.ServerURL)
}

// actorName returns the configured actor, falling back to the host name.
func actorName(cfg *config.Config) string {
	if cfg.Client.Actor != "" {
		return cfg.Client.Actor
	}

	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return host
}
