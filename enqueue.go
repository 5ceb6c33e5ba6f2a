package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <entity-type> <entity-id> <create|update|delete> [payload-json|-]",
		Short: "Queue a change for the coordination server",
		Long: `Record a change in the local queue. The change is stored durably before
this command returns and is sent by the next 'fieldsync sync'.

The payload is a JSON object given inline, or read from stdin when "-".
Deletes may omit it.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: runEnqueue,
	}
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	kind, err := queue.ParseKind(args[2])
	if err != nil {
		return err
	}

	var payload map[string]any

	if len(args) == 4 {
		payload, err = parsePayload(args[3], cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	logger := buildLogger()
	ctx := cmd.Context()

	db, err := openDB(ctx, resolvedCfg.Client.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.Operations().Enqueue(ctx, args[0], args[1], kind, payload)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
	}

	fmt.Fprintln(cmd.OutOrStdout(), id)

	return nil
}

// parsePayload decodes a JSON object from arg, or from in when arg is "-".
func parsePayload(arg string, in io.Reader) (map[string]any, error) {
	raw := []byte(arg)

	if arg == "-" {
		var err error

		raw, err = io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}

	return payload, nil
}

