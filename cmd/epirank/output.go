package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// boardView is the subset of the board the CLI renders.
type boardView struct {
	ColumnOrder []string `json:"columnOrder"`
	Ranks       map[string]struct {
		Rank           int      `json:"rank"`
		EpisodeItemIDs []string `json:"episodeItemIDs"`
	} `json:"ranks"`
}

// writeBoard prints one line per rank column, best rank first. Empty
// columns are shown so their keys can be used as move targets.
func writeBoard(w io.Writer, b boardView) {
	if len(b.ColumnOrder) == 0 {
		fmt.Fprintln(w, "Board is empty.")
		return
	}
	for _, key := range b.ColumnOrder {
		r := b.Ranks[key]
		items := "-"
		if len(r.EpisodeItemIDs) > 0 {
			items = strings.Join(r.EpisodeItemIDs, ", ")
		}
		fmt.Fprintf(w, "%s %s  %s\n", colorize(colorBold, fmt.Sprintf("#%d", r.Rank)), colorize(colorCyan, key), items)
	}
}
