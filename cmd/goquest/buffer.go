package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

// TriggerCLI is the trigger name recorded for runs started by `goquest buffer`.
const TriggerCLI = "cli"

// runBufferCommand runs one buffer pass directly against the database. The
// summary goes to w as JSON, or as a short report when w is a terminal.
func runBufferCommand(ctx context.Context, w io.Writer, args []string) int {
	fs := flag.NewFlagSet("buffer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "always print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: goquest buffer [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	m := buffer.New(buffer.Config{
		Store:            store,
		Bus:              bus.New(),
		DefaultTimeZone:  cfg.DefaultTimeZone,
		DailyHorizonDays: cfg.Buffer.DailyHorizonDays,
		PeriodCount:      cfg.Buffer.PeriodCount,
		Limits: recurrence.Limits{
			MaxWeeksToSearch:  cfg.Buffer.MaxWeeksToSearch,
			MaxMonthsToSearch: cfg.Buffer.MaxMonthsToSearch,
		},
	})
	summary, err := m.Run(ctx, time.Now(), TriggerCLI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buffer run: %v\n", err)
		return 1
	}

	if !*jsonOut && isTerminal(w) {
		printSummary(w, summary)
	} else {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	}
	if !summary.Success {
		return 1
	}
	return 0
}

func printSummary(w io.Writer, s buffer.Summary) {
	status := "ok"
	if !s.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "buffer run %s at %s\n", status, s.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "  series processed: %d\n", s.Processed)
	fmt.Fprintf(w, "  instances created: %d\n", s.Generated)
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
