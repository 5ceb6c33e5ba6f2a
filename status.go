package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

// statusCheckTimeout bounds the server checks of 'fieldsync status'.
const statusCheckTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the server's review backlog",
		Long: `Display how many local operations are pending, synced, in conflict or
failed, whether the coordination server is reachable, and how many
conflicts await manual review there.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON-serializable output of 'fieldsync status'.
type statusReport struct {
	Actor       string               `json:"actor"`
	Server      string               `json:"server"`
	Reachable   bool                 `json:"reachable"`
	Queue       map[queue.Status]int `json:"queue"`
	ReviewQueue *int                 `json:"review_queue,omitempty"`
	ServerError string               `json:"server_error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()
	cfg := resolvedCfg

	db, err := openDB(ctx, cfg.Client.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.Operations().Counts(ctx)
	if err != nil {
		return err
	}

	rep := statusReport{
		Actor:  actorName(cfg),
		Server: cfg.Client.ServerURL,
		Queue:  counts,
	}

	client, err := newTransportClient(cfg, logger)
	if err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, statusCheckTimeout)
	defer cancel()

	if err := client.Health(checkCtx); err != nil {
		rep.ServerError = err.Error()
	} else {
		rep.Reachable = true

		review, err := client.Review(checkCtx)
		if err != nil {
			rep.ServerError = err.Error()
		} else {
			n := len(review)
			rep.ReviewQueue = &n
		}
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		return printJSON(out, rep)
	}

	fmt.Fprintf(out, "Actor:   %s\n", rep.Actor)

	state := "unreachable"
	if rep.Reachable {
		state = "reachable"
	}

	fmt.Fprintf(out, "Server:  %s (%s)\n", rep.Server, state)
	fmt.Fprintln(out, "Queue:")

	for _, st := range queue.AllStatuses {
		fmt.Fprintf(out, "  %-9s %d\n", st, counts[st])
	}

	if rep.ReviewQueue != nil {
		fmt.Fprintf(out, "Awaiting manual review on server: %d\n", *rep.ReviewQueue)
	}

	if rep.ServerError != "" {
		fmt.Fprintf(out, "Server error: %s\n", rep.ServerError)
	}

	return nil
}
