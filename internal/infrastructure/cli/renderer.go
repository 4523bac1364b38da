package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/doeshing/sidekick/internal/domain"
)

// renderRecord prints one command in full.
func renderRecord(out io.Writer, rec domain.CommandRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	fmt.Fprintf(out, "Command %s [%s]\n", rec.ID, rec.Status)
	fmt.Fprintf(out, "  You:      %s\n", rec.Text)
	fmt.Fprintf(out, "  Sidekick: %s\n", rec.ResponseText)
	fmt.Fprintf(out, "  Intent:   %s\n", rec.Intent.Summary())
	if len(rec.Intent.Parameters) > 0 {
		keys := make([]string, 0, len(rec.Intent.Parameters))
		for key := range rec.Intent.Parameters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(out, "    %s=%v\n", key, rec.Intent.Parameters[key])
		}
	}
	if rec.Result != nil {
		if rec.Result.Output != "" {
			fmt.Fprintln(out, "\nOutput:")
			fmt.Fprintln(out, indent(rec.Result.Output))
		}
		if rec.Result.Error != "" {
			fmt.Fprintln(out, "\nError:")
			fmt.Fprintln(out, indent(rec.Result.Error))
		}
	}
	return nil
}

// renderHistory prints one line per record, newest first.
func renderHistory(out io.Writer, records []domain.CommandRecord, now time.Time) {
	for _, rec := range records {
		fmt.Fprintf(out, "%s | %-9s | %-14s | %-12s | %s\n",
			rec.ID,
			rec.Status,
			humanize.RelTime(rec.CreatedAt, now, "ago", "from now"),
			rec.Intent.Kind,
			truncate(rec.Text, 60))
	}
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
