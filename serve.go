package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/entity"
	"github.com/tonimelisma/fieldsync/internal/notify"
	"github.com/tonimelisma/fieldsync/internal/server"
	"github.com/tonimelisma/fieldsync/internal/store/pgstore"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		Long: `Serve the authoritative entity store, the conflict resolver, the manual
review queue and the resolution history over HTTP, and stream conflict
events to websocket subscribers and configured webhooks.

Changes to the [conflicts] section of the config file take effect without
a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				resolvedCfg.Server.Listen = listen
			}

			return runServe(cmd)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

// serverBackend is the persistence the coordination server runs on.
type serverBackend struct {
	ledger   conflict.Ledger
	entities entity.Repository
	close    func() error
}

func openBackend(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (*serverBackend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := pgstore.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}

		return &serverBackend{ledger: pg.Ledger(), entities: pg.Entities(), close: pg.Close}, nil
	case config.BackendSQLite:
		db, err := openDB(ctx, cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}

		return &serverBackend{ledger: db.Ledger(), entities: db.Entities(), close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown server backend %q", cfg.Backend)
	}
}

// webhookConfigs converts the configured webhooks for the notifier.
func webhookConfigs(hooks []config.WebhookConfig) []notify.WebhookConfig {
	out := make([]notify.WebhookConfig, 0, len(hooks))

	for _, h := range hooks {
		out = append(out, notify.WebhookConfig{
			URL:     h.URL,
			Secret:  h.Secret,
			Events:  h.Events,
			Timeout: h.TimeoutDuration(),
		})
	}

	return out
}

// swapHandler serves whichever handler was stored last.
type swapHandler struct {
	current atomic.Pointer[http.Handler]
}

func (s *swapHandler) store(h http.Handler) {
	s.current.Store(&h)
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func runServe(cmd *cobra.Command) error {
	logger := buildLogger()
	cfg := resolvedCfg
	ctx := shutdownContext(cmd.Context(), logger)

	backend, err := openBackend(ctx, &cfg.Server, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	hub := notify.NewHub(logger)
	defer hub.Close()

	webhooks := notify.NewWebhooks(webhookConfigs(cfg.Server.Webhooks), nil, logger)
	defer webhooks.Close()

	notifier := notify.Fanout{notify.NewLog(logger), hub, webhooks}
	entities := entity.NewService(backend.entities, logger)
	collections := transport.NewCollections(cfg.Client.Collections)

	build := func(c *config.Config) (http.Handler, error) {
		opts := c.Conflicts.ResolverOptions()
		opts.Notifier = notifier
		opts.Logger = logger

		return server.New(server.Config{
			Entities:    entities,
			Resolver:    conflict.NewResolver(backend.ledger, opts),
			Events:      hub,
			Collections: collections,
			Logger:      logger,
		})
	}

	initial, err := build(cfg)
	if err != nil {
		return err
	}

	handler := &swapHandler{}
	handler.store(initial)

	holder := config.NewHolder(cfg, resolvedCfgPath)
	cli := cliOverrides(cmd)

	go func() {
		reload := func(string) (*config.Config, error) {
			c, _, err := config.Resolve(config.ReadEnvOverrides(), cli)
			return c, err
		}

		err := config.Watch(ctx, holder, reload, func(c *config.Config) {
			h, err := build(c)
			if err != nil {
				logger.Warn("keeping previous resolver settings", slog.String("error", err.Error()))
				return
			}

			handler.store(h)
			logger.Info("resolver settings reloaded")
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	// Websocket connections are hijacked and outlive http.Server.Shutdown.
	go func() {
		<-ctx.Done()
		hub.Close()
	}()

	return server.Serve(ctx, ln, handler, cfg.Server.ShutdownDuration(), logger)
}
