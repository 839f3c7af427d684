package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/config"
)

type healthReport struct {
	Healthy           bool            `json:"healthy"`
	DBOK              bool            `json:"db_ok"`
	Version           string          `json:"version"`
	ConfigFingerprint string          `json:"config_fingerprint"`
	StreamClients     int64           `json:"stream_clients"`
	LastBufferRun     *buffer.Summary `json:"last_buffer_run"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	return statusTo(ctx, os.Stdout, args)
}

// statusTo queries /healthz of the configured daemon. Raw JSON is written
// unless w is a terminal.
func statusTo(ctx context.Context, w io.Writer, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goquest status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var report healthReport
	if isTerminal(w) && json.Unmarshal(body, &report) == nil {
		printHealth(w, report)
	} else {
		_, _ = w.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func healthURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		// A wildcard bind is reachable on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func printHealth(w io.Writer, r healthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(w, "go-quest %s: %s (db_ok=%t)\n", r.Version, state, r.DBOK)
	fmt.Fprintf(w, "  config: %s\n", r.ConfigFingerprint)
	fmt.Fprintf(w, "  stream clients: %d\n", r.StreamClients)
	if r.LastBufferRun == nil {
		fmt.Fprintln(w, "  last buffer run: none since start")
		return
	}
	fmt.Fprintf(w, "  last buffer run: %s, %d series, %d created, %d errors\n",
		r.LastBufferRun.Timestamp.Format(time.RFC3339),
		r.LastBufferRun.Processed, r.LastBufferRun.Generated, len(r.LastBufferRun.Errors))
}
