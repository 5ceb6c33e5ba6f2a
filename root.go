package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagDBPath     string
	flagActor      string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE,
// and resolvedCfgPath the file it was read from.
var (
	resolvedCfg     *config.Config
	resolvedCfgPath string
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first field operations sync",
		Long:    "Queue changes while offline, sync them to the coordination server, and resolve conflicts.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "coordination server URL")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "local queue database path")
	cmd.PersistentFlags().StringVar(&flagActor, "actor", "", "actor name stamped on queued changes")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newOpsCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchEventsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())

	return cmd
}

// cliOverrides collects the persistent flags the user explicitly set.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServerURL
	}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	if cmd.Flags().Changed("actor") {
		cli.Actor = &flagActor
	}

	return cli
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedCfgPath = path

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. --verbose and --quiet override the configured level.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, resolvedCfg)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	format := "text"

	if cfg != nil {
		level = cfg.Logging.Level()
		format = cfg.Logging.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
