package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

func newResolveCmd() *cobra.Command {
	var (
		keepLocal  bool
		keepRemote bool
		value      string
		by         string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Decide a conflict awaiting manual review",
		Long: `Record a human decision for a queued conflict. The decided value becomes
the entity's new server version.

The id may be the full conflict id or a unique prefix as shown by
'fieldsync conflicts'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, args[0], keepLocal, keepRemote, value, by)
		},
	}

	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the device's version")
	cmd.Flags().BoolVar(&keepRemote, "keep-remote", false, "keep the server's version")
	cmd.Flags().StringVar(&value, "value", "", "decided value as a JSON object, or - for stdin")
	cmd.Flags().StringVar(&by, "by", "", "who decided (defaults to the configured actor)")
	cmd.MarkFlagsMutuallyExclusive("keep-local", "keep-remote", "value")
	cmd.MarkFlagsOneRequired("keep-local", "keep-remote", "value")

	return cmd
}

func runResolve(cmd *cobra.Command, idOrPrefix string, keepLocal, keepRemote bool, value, by string) error {
	client, err := newTransportClient(resolvedCfg, buildLogger())
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	queued, err := client.Review(ctx)
	if err != nil {
		return err
	}

	rec, err := findRecord(queued, idOrPrefix)
	if err != nil {
		return err
	}

	var decided map[string]any

	switch {
	case keepLocal:
		decided = rec.LocalVersion
	case keepRemote:
		decided = rec.RemoteVersion
	default:
		decided, err = parsePayload(value, cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	if by == "" {
		by = actorName(resolvedCfg)
	}

	settled, err := client.ResolveReview(ctx, rec.ID, decided, by)
	if errors.Is(err, conflict.ErrNotFound) {
		return fmt.Errorf("conflict %s was resolved meanwhile: %w", rec.ID, err)
	}

	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), settled)
	}

	statusf("Resolved %s (%s/%s): %s\n", settled.ID, settled.EntityType, settled.EntityID, settled.Winner)

	return nil
}

// findRecord matches a full id or a unique id prefix.
func findRecord(recs []conflict.Record, idOrPrefix string) (*conflict.Record, error) {
	var match *conflict.Record

	for i := range recs {
		if recs[i].ID == idOrPrefix {
			return &recs[i], nil
		}

		if strings.HasPrefix(recs[i].ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("conflict id prefix %q is ambiguous", idOrPrefix)
			}

			match = &recs[i]
		}
	}

	if match == nil {
		return nil, fmt.Errorf("%w: no conflict awaiting review matches %q", conflict.ErrNotFound, idOrPrefix)
	}

	return match, nil
}
