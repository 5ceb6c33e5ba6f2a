package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/dispatch"
	"github.com/tonimelisma/fieldsync/internal/notify"
	"github.com/tonimelisma/fieldsync/internal/store"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the coordination server",
		Long: `Drain the local queue: send every pending change in queue order, hand
version conflicts to the resolver, and record the outcome on each operation.

With --watch, keep running: drain on a timer, right after new changes are
queued, and as soon as the server is reachable again. The config file is
watched and the dispatcher restarts with the new settings when it changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")

	return cmd
}

func runSync(cmd *cobra.Command, watch bool) error {
	logger := buildLogger()
	cfg := resolvedCfg

	release, err := acquireDrainLock(cfg.Client.DBPath)
	if err != nil {
		return err
	}
	defer release()

	ctx := shutdownContext(cmd.Context(), logger)

	db, err := openDB(ctx, cfg.Client.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if watch {
		return runSyncWatch(ctx, cmd, db, logger)
	}

	d, err := newDispatcher(cfg, db, logger)
	if err != nil {
		return err
	}

	rep, err := d.Drain(ctx)
	if err != nil {
		return err
	}

	return printReport(cmd, rep)
}

// runSyncWatch runs the dispatcher loop, rebuilding it whenever the config
// file changes, until ctx is canceled. Writes to the queue database by other
// processes, such as 'fieldsync enqueue', nudge the dispatcher; the poll
// timer still covers changes the file watcher misses.
func runSyncWatch(ctx context.Context, cmd *cobra.Command, db *store.DB, logger *slog.Logger) error {
	holder := config.NewHolder(resolvedCfg, resolvedCfgPath)
	cli := cliOverrides(cmd)

	reloaded := make(chan struct{}, 1)

	// Reloads go through the full override chain so flags keep winning.
	reload := func(string) (*config.Config, error) {
		cfg, _, err := config.Resolve(config.ReadEnvOverrides(), cli)
		return cfg, err
	}

	queueChanged := make(chan struct{}, 1)

	go func() {
		err := store.WatchChanges(ctx, holder.Config().Client.DBPath, func() {
			select {
			case queueChanged <- struct{}{}:
			default:
			}
		}, logger)
		if err != nil {
			logger.Warn("queue change watch disabled", slog.String("error", err.Error()))
		}
	}()

	go func() {
		err := config.Watch(ctx, holder, reload, func(*config.Config) {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}()

	for {
		cfg := holder.Config()

		d, err := newDispatcher(cfg, db, logger)
		if err != nil {
			return err
		}

		timings := cfg.Client.Timings()
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- d.Run(runCtx, dispatch.RunOptions{
				PollInterval:   timings.Poll,
				HealthInterval: timings.Health,
			})
		}()

		restart, err := superviseDispatcher(ctx, d, done, reloaded, queueChanged)
		cancel()

		if !restart {
			return err
		}

		if err := <-done; err != nil {
			return err
		}

		logger.Info("restarting dispatcher with reloaded config")
	}
}

// nudger is the part of dispatch.Dispatcher superviseDispatcher drives.
type nudger interface {
	Nudge()
}

// superviseDispatcher waits on a running dispatcher, nudging it on queue
// changes. It reports true when the config changed; the dispatcher is
// then still running and the caller must stop it. Otherwise it returns the
// dispatcher's result after it exited on its own or ctx ended.
func superviseDispatcher(ctx context.Context, d nudger, done <-chan error,
	reloaded, queueChanged <-chan struct{},
) (bool, error) {
	for {
		select {
		case err := <-done:
			return false, err
		case <-ctx.Done():
			return false, <-done
		case <-queueChanged:
			d.Nudge()
		case <-reloaded:
			return true, nil
		}
	}
}

// newDispatcher wires a dispatcher for cfg: the local queue, the server
// client, and either the server's resolver or a local one.
func newDispatcher(cfg *config.Config, db *store.DB, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	client, err := newTransportClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	var resolver conflict.Handler = client

	if cfg.Client.ResolverMode == config.ResolverLocal {
		opts := cfg.Conflicts.ResolverOptions()
		opts.Notifier = notify.NewLog(logger)
		opts.Logger = logger

		resolver = conflict.NewResolver(db.Ledger(), opts)
	}

	return dispatch.NewDispatcher(dispatch.Config{
		Store:           db.Operations(),
		Sender:          client,
		Resolver:        resolver,
		HealthChecker:   client,
		Actor:           actorName(cfg),
		Lanes:           cfg.Client.Lanes,
		MaxOpsPerSecond: cfg.Client.MaxOpsPerSecond,
		FailureCooldown: cfg.Client.Timings().FailureCooldown,
		TypeOverrides:   cfg.Conflicts.TypeOverrides(),
		Logger:          logger,
	})
}

func printReport(cmd *cobra.Command, rep dispatch.Report) error {
	out := cmd.OutOrStdout()

	if flagJSON {
		return printJSON(out, map[string]any{
			"pending":     rep.Pending,
			"synced":      rep.Synced,
			"conflicts":   rep.Conflicts,
			"manual":      rep.Manual,
			"resubmitted": rep.Resubmitted,
			"failed":      rep.Failed,
			"blocked":     rep.Blocked,
			"suppressed":  rep.Suppressed,
			"offline":     rep.Offline,
			"duration_ms": rep.Duration.Milliseconds(),
		})
	}

	if rep.Pending == 0 {
		fmt.Fprintln(out, "Nothing to sync.")
		return nil
	}

	fmt.Fprintf(out, "Synced %d of %d operation(s) in %s.\n", rep.Synced, rep.Pending, rep.Duration.Round(1e6))

	if rep.Conflicts > 0 {
		fmt.Fprintf(out, "Conflicts: %d (%d resent with local data, %d awaiting manual review)\n",
			rep.Conflicts, rep.Resubmitted, rep.Manual)
	}

	if rep.Failed > 0 {
		fmt.Fprintf(out, "Failed: %d (see 'fieldsync ops list --status failed')\n", rep.Failed)
	}

	if rep.Offline {
		fmt.Fprintln(out, "Server unreachable; remaining changes stay queued.")
	}

	return nil
}
