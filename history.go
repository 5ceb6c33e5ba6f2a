package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// defaultHistoryLimit matches the server's default page size.
const defaultHistoryLimit = 50

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show resolved conflicts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "maximum number of records")

	cmd.AddCommand(newHistoryExportCmd())
	cmd.AddCommand(newHistoryStatsCmd())
	cmd.AddCommand(newHistoryReplayCmd())

	return cmd
}

func runHistory(cmd *cobra.Command, limit int) error {
	client, err := newTransportClient(resolvedCfg, buildLogger())
	if err != nil {
		return err
	}

	recs, err := client.History(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No resolved conflicts.")
		return nil
	}

	printRecordTable(cmd, recs, true)

	return nil
}

func newHistoryExportCmd() *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export resolved conflicts as YAML for audit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newTransportClient(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}

			recs, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return writeHistoryYAML(cmd.OutOrStdout(), recs)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}

			if err := writeHistoryYAML(f, recs); err != nil {
				f.Close()
				return err
			}

			if err := f.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", output, err)
			}

			statusf("Exported %d records to %s\n", len(recs), output)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of records")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}

// historyEntry is the YAML shape of one exported record.
type historyEntry struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Entity      string         `yaml:"entity"`
	Operation   string         `yaml:"operation,omitempty"`
	LocalActor  string         `yaml:"local_actor,omitempty"`
	RemoteActor string         `yaml:"remote_actor,omitempty"`
	DetectedAt  string         `yaml:"detected_at"`
	ResolvedAt  string         `yaml:"resolved_at,omitempty"`
	Strategy    string         `yaml:"strategy"`
	Winner      string         `yaml:"winner,omitempty"`
	ResolvedBy  string         `yaml:"resolved_by"`
	Local       map[string]any `yaml:"local"`
	Remote      map[string]any `yaml:"remote"`
	Resolved    map[string]any `yaml:"resolved,omitempty"`
}

func writeHistoryYAML(w io.Writer, recs []conflict.Record) error {
	entries := make([]historyEntry, 0, len(recs))

	for i := range recs {
		r := &recs[i]
		e := historyEntry{
			ID:          r.ID,
			Type:        string(r.Type),
			Entity:      r.EntityType + "/" + r.EntityID,
			Operation:   r.OperationID,
			LocalActor:  r.LocalActor,
			RemoteActor: r.RemoteActor,
			DetectedAt:  formatMillis(r.DetectedAt),
			Strategy:    string(r.ResolutionStrategy),
			Winner:      string(r.Winner),
			ResolvedBy:  r.ResolvedBy,
			Local:       r.LocalVersion,
			Remote:      r.RemoteVersion,
			Resolved:    r.ResolvedValue,
		}

		if r.ResolvedAt != nil {
			e.ResolvedAt = formatMillis(*r.ResolvedAt)
		}

		entries = append(entries, e)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	return enc.Close()
}

func newHistoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count resolved conflicts by type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newTransportClient(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}

			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if flagJSON {
				return printJSON(out, stats)
			}

			tw := newTable(out, table.Row{"TYPE", "COUNT"})
			total := 0

			for _, t := range conflict.AllTypes {
				tw.AppendRow(table.Row{t, stats[t]})
				total += stats[t]
			}

			tw.AppendFooter(table.Row{"TOTAL", total})
			tw.Render()

			return nil
		},
	}
}

func newHistoryReplayCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run recorded automatic resolutions and report differences",
		Long: `Ask the server to recompute recent automatic resolutions from their stored
versions. A non-zero exit means at least one outcome no longer matches what
was recorded, which usually follows a policy or merge schema change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newTransportClient(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}

			rep, err := client.Replay(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if err := printReplay(cmd.OutOrStdout(), rep); err != nil {
				return err
			}

			if len(rep.Mismatches) > 0 {
				return fmt.Errorf("%d of %d replayed resolutions differ", len(rep.Mismatches), rep.Checked)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "maximum number of records")

	return cmd
}

func printReplay(w io.Writer, rep conflict.ReplayReport) error {
	if flagJSON {
		return printJSON(w, rep)
	}

	fmt.Fprintf(w, "Checked %d, skipped %d manual, %d mismatched\n",
		rep.Checked, rep.Skipped, len(rep.Mismatches))

	if len(rep.Mismatches) == 0 {
		return nil
	}

	sort.Slice(rep.Mismatches, func(i, j int) bool {
		return rep.Mismatches[i].ConflictID < rep.Mismatches[j].ConflictID
	})

	tw := newTable(w, table.Row{"ID", "STRATEGY", "RECORDED", "RECOMPUTED"})

	for _, m := range rep.Mismatches {
		tw.AppendRow(table.Row{shortID(m.ConflictID), m.Strategy, m.RecordedWinner, m.RecomputedWinner})
	}

	tw.Render()

	return nil
}
