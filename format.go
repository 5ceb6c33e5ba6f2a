package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
)

// idPrefixLen is how much of a UUID table output shows.
const idPrefixLen = 8

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newTable returns a table writer rendering to w. Terminals get box
// drawing; pipes and files get plain columns that are easy to grep.
func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)

	if isTerminal(w) {
		tw.SetStyle(table.StyleLight)
	} else {
		tw.SetStyle(plainStyle())
	}

	return tw
}

func plainStyle() table.Style {
	s := table.StyleDefault
	s.Name = "plain"
	s.Box.PaddingLeft = ""
	s.Box.PaddingRight = "  "
	s.Options.DrawBorder = false
	s.Options.SeparateColumns = false
	s.Options.SeparateHeader = false
	s.Options.SeparateRows = false

	return s
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printJSONLine writes v as a single line of JSON.
func printJSONLine(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// formatMillis renders a Unix millisecond timestamp for display.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}

	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// shortID truncates an id for table output.
func shortID(id string) string {
	if len(id) > idPrefixLen {
		return id[:idPrefixLen]
	}

	return id
}
