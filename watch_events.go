package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/notify"
)

func newWatchEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch-events",
		Short: "Stream conflict events from the coordination server",
		Long: `Print conflicts as the server escalates or resolves them, one line per
event (or one JSON object per line with --json), until interrupted.`,
		RunE: runWatchEvents,
	}
}

// eventsURL maps the configured server URL to its websocket event stream.
func eventsURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/") + "/api/v1/events"

	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func formatEvent(ev conflict.Event) string {
	line := fmt.Sprintf("%s  %-13s %s/%s  %s  conflict=%s",
		formatMillis(ev.At), ev.Type, ev.EntityType, ev.EntityID, ev.ConflictType, shortID(ev.ConflictID))

	if ev.Type == conflict.EventResolved {
		line += fmt.Sprintf("  strategy=%s winner=%s", ev.Strategy, ev.Winner)

		if ev.ResolvedBy != "" {
			line += " by=" + ev.ResolvedBy
		}
	}

	return line
}

func runWatchEvents(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg
	ctx := shutdownContext(cmd.Context(), logger)
	out := cmd.OutOrStdout()

	header := http.Header{}

	ts, err := tokenSource(cfg)
	if err != nil {
		return err
	}

	if ts != nil {
		tok, err := ts.Token()
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}

		tok.SetAuthHeader(&http.Request{Header: header})
	}

	url := eventsURL(cfg.Client.ServerURL)
	statusf("Watching %s (Ctrl-C to stop)\n", url)

	var printErr error

	err = notify.Watch(ctx, url, header, func(ev conflict.Event) {
		if flagJSON {
			if err := printJSONLine(out, ev); err != nil && printErr == nil {
				printErr = err
			}

			return
		}

		fmt.Fprintln(out, formatEvent(ev))
	})
	if err != nil {
		return err
	}

	return printErr
}
