package main

import (
	"fmt"
	"io"
	"os"

	"github.com/basket/go-quest/internal/config"
)

// runConfigCommand prints the effective config. Secrets and API keys are
// masked.
func runConfigCommand(w io.Writer, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goquest config")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	fmt.Fprintf(w, "# home: %s\n# fingerprint: %s\n", cfg.HomeDir, cfg.Fingerprint())
	fmt.Fprint(w, cfg.String())
	return 0
}
