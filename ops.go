package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

func newOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and manage queued operations",
	}

	cmd.AddCommand(newOpsListCmd())
	cmd.AddCommand(newOpsDropCmd())
	cmd.AddCommand(newOpsRetryCmd())

	return cmd
}

// opJSON is the JSON-serializable representation of a queued operation.
type opJSON struct {
	ID              string                 `json:"id"`
	EntityType      string                 `json:"entity_type"`
	EntityID        string                 `json:"entity_id"`
	Kind            string                 `json:"kind"`
	Status          string                 `json:"status"`
	ClientTimestamp int64                  `json:"client_timestamp"`
	ServerTimestamp *int64                 `json:"server_timestamp,omitempty"`
	Attempts        int                    `json:"attempts,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	Payload         map[string]any         `json:"payload,omitempty"`
	Conflict        *queue.ConflictDetails `json:"conflict,omitempty"`
}

func newOpsListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in queue order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses := queue.AllStatuses

			if status != "" {
				st, err := queue.ParseStatus(status)
				if err != nil {
					return err
				}

				statuses = []queue.Status{st}
			}

			ctx := cmd.Context()

			db, err := openDB(ctx, resolvedCfg.Client.DBPath, buildLogger())
			if err != nil {
				return err
			}
			defer db.Close()

			var ops []queue.Operation

			for _, st := range statuses {
				batch, err := db.Operations().ListByStatus(ctx, st)
				if err != nil {
					return err
				}

				ops = append(ops, batch...)
			}

			sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })

			return printOps(cmd, ops)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list operations with this status")

	return cmd
}

func printOps(cmd *cobra.Command, ops []queue.Operation) error {
	out := cmd.OutOrStdout()

	if flagJSON {
		items := make([]opJSON, len(ops))
		for i := range ops {
			op := &ops[i]
			items[i] = opJSON{
				ID:              op.ID,
				EntityType:      op.EntityType,
				EntityID:        op.EntityID,
				Kind:            string(op.Kind),
				Status:          string(op.Status),
				ClientTimestamp: op.ClientTimestamp,
				ServerTimestamp: op.ServerTimestamp,
				Attempts:        op.Attempts,
				LastError:       op.LastError,
				Payload:         op.Payload,
				Conflict:        op.Conflict,
			}
		}

		return printJSON(out, items)
	}

	if len(ops) == 0 {
		fmt.Fprintln(out, "No queued operations.")
		return nil
	}

	tw := newTable(out, table.Row{"ID", "ENTITY", "KIND", "STATUS", "CREATED", "ATTEMPTS", "NOTE"})

	for i := range ops {
		op := &ops[i]
		tw.AppendRow(table.Row{
			shortID(op.ID), op.EntityKey(), op.Kind, op.Status,
			formatMillis(op.ClientTimestamp), strconv.Itoa(op.Attempts), opNote(op),
		})
	}

	tw.Render()

	return nil
}

// opNote summarizes why an operation is where it is.
func opNote(op *queue.Operation) string {
	switch {
	case op.Conflict != nil && op.Conflict.RequiresManual:
		return "awaiting review " + shortID(op.Conflict.ConflictID)
	case op.Conflict != nil && op.Conflict.Force:
		return "resending (" + op.Conflict.Winner + " won)"
	case op.Conflict != nil:
		return op.Conflict.Winner + " kept: " + op.Conflict.Reason
	default:
		return op.LastError
	}
}

func newOpsDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <operation-id>",
		Short: "Remove a pending operation before it is sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := openDB(ctx, resolvedCfg.Client.DBPath, buildLogger())
			if err != nil {
				return err
			}
			defer db.Close()

			err = db.Operations().Drop(ctx, args[0])

			switch {
			case errors.Is(err, queue.ErrNotPending):
				return fmt.Errorf("operation %s was already sent or settled and cannot be dropped", args[0])
			case err != nil:
				return err
			}

			statusf("Dropped %s\n", args[0])

			return nil
		},
	}
}

func newOpsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Move failed operations back to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			db, err := openDB(ctx, resolvedCfg.Client.DBPath, buildLogger())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.Operations().RetryFailed(ctx)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), map[string]int{"retried": n})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d failed operation(s) queued for retry.\n", n)

			return nil
		},
	}
}
