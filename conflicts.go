package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting manual review",
		Long: `Display the coordination server's manual review queue in detection order.

Use 'fieldsync resolve' to decide a conflict.`,
		RunE: runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	client, err := newTransportClient(resolvedCfg, buildLogger())
	if err != nil {
		return err
	}

	recs, err := client.Review(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		return printJSON(out, recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(out, "No conflicts awaiting review.")
		return nil
	}

	printRecordTable(cmd, recs, false)

	return nil
}

// printRecordTable renders conflict records; resolved adds the decision
// columns used by history output.
func printRecordTable(cmd *cobra.Command, recs []conflict.Record, resolved bool) {
	header := table.Row{"ID", "TYPE", "ENTITY", "LOCAL", "REMOTE", "DETECTED"}
	if resolved {
		header = append(header, "STRATEGY", "WINNER", "BY")
	}

	tw := newTable(cmd.OutOrStdout(), header)

	for i := range recs {
		r := &recs[i]
		row := table.Row{
			shortID(r.ID), r.Type, r.EntityType + "/" + r.EntityID,
			actorOrDash(r.LocalActor), actorOrDash(r.RemoteActor), formatMillis(r.DetectedAt),
		}

		if resolved {
			row = append(row, r.ResolutionStrategy, r.Winner, r.ResolvedBy)
		}

		tw.AppendRow(row)
	}

	tw.Render()
}

func actorOrDash(actor string) string {
	if actor == "" {
		return "-"
	}

	return actor
}
