// Package doctor runs local diagnostics for the goquest command.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/cron"
	"github.com/basket/go-quest/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTimeZone,
		checkDatabase,
		checkPermissions,
		checkSchedule,
		checkTrigger,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkTimeZone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Time Zone", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := clock.LoadLocation(cfg.DefaultTimeZone); err != nil {
		return CheckResult{Name: "Time Zone", Status: "FAIL", Message: fmt.Sprintf("default_timezone %q: %v", cfg.DefaultTimeZone, err)}
	}
	// A zone other than UTC proves the tz database is usable.
	if _, err := clock.LoadLocation("America/New_York"); err != nil {
		return CheckResult{
			Name:    "Time Zone",
			Status:  "WARN",
			Message: "IANA time zone database unavailable",
			Detail:  "user time zones other than UTC will be rejected",
		}
	}
	return CheckResult{Name: "Time Zone", Status: "PASS", Message: fmt.Sprintf("Default zone %s, tz database available", cfg.DefaultTimeZone)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	series, err := store.ListTemplateIDs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Connection and schema valid, %d series", len(series)),
		Detail:  cfg.DBPath,
	}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Buffer.Cron == "" {
		return CheckResult{
			Name:    "Schedule",
			Status:  "WARN",
			Message: "In-process scheduler disabled",
			Detail:  "series are only extended by the HTTP trigger",
		}
	}
	next, err := cron.NextRunTime(cfg.Buffer.Cron, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: fmt.Sprintf("buffer.cron %q: %v", cfg.Buffer.Cron, err)}
	}
	return CheckResult{
		Name:    "Schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("%q, next run %s", cfg.Buffer.Cron, next.UTC().Format(time.RFC3339)),
	}
}

func checkTrigger(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Trigger", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Buffer.CronSecret == "" {
		status := "WARN"
		if !isLoopback(cfg.BindAddr) {
			status = "FAIL"
		}
		return CheckResult{
			Name:    "Trigger",
			Status:  status,
			Message: "Buffer trigger is unauthenticated",
			Detail:  "set CRON_SECRET or buffer.cron_secret",
		}
	}
	return CheckResult{Name: "Trigger", Status: "PASS", Message: "Buffer trigger requires the cron secret"}
}

func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		// Most often the daemon is already running.
		return CheckResult{
			Name:    "Listener",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not bindable: %v", cfg.BindAddr, err),
			Detail:  "run `goquest status` to check for a running daemon",
		}
	}
	_ = ln.Close()
	msg := fmt.Sprintf("%s is free", cfg.BindAddr)
	if !isLoopback(cfg.BindAddr) && !cfg.Auth.Enabled {
		return CheckResult{Name: "Listener", Status: "WARN", Message: msg, Detail: "non-loopback bind with auth disabled"}
	}
	return CheckResult{Name: "Listener", Status: "PASS", Message: msg}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}
