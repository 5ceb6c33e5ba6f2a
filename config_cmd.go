package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after all overrides",
		Long: `Print the configuration in effect: built-in defaults, then the config
file, then FIELDSYNC_* environment variables, then command-line flags.
The client token and webhook secrets are masked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			masked := maskSecrets(resolvedCfg)

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), masked)
			}

			if err := toml.NewEncoder(cmd.OutOrStdout()).Encode(masked); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), resolvedCfgPath)
			return nil
		},
	})

	return cmd
}

const secretMask = "********"

// maskSecrets returns a copy of cfg with credentials hidden.
func maskSecrets(cfg *config.Config) config.Config {
	out := *cfg

	if out.Client.Token != "" {
		out.Client.Token = secretMask
	}

	if out.Server.PostgresDSN != "" {
		out.Server.PostgresDSN = secretMask
	}

	out.Server.Webhooks = make([]config.WebhookConfig, len(cfg.Server.Webhooks))

	for i, h := range cfg.Server.Webhooks {
		if h.Secret != "" {
			h.Secret = secretMask
		}

		out.Server.Webhooks[i] = h
	}

	return out
}
