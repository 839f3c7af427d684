package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/basket/go-quest/internal/audit"
	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/cron"
	"github.com/basket/go-quest/internal/gateway"
	"github.com/basket/go-quest/internal/lifecycle"
	otelPkg "github.com/basket/go-quest/internal/otel"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
	"github.com/basket/go-quest/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const retentionInterval = time.Hour

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                        Start the daemon (HTTP API, scheduler, logs to stdout)
  %[1]s daemon                 Same as above

SUBCOMMANDS:
  %[1]s buffer [-json]         Run one buffer pass against the local database
  %[1]s status                 Show daemon health status (/healthz)
  %[1]s config                 Print the effective config with secrets masked
  %[1]s doctor [-json]         Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOQUEST_HOME                   Data directory (default: ~/.goquest)
  GOQUEST_BIND_ADDR              Listen address (default: 127.0.0.1:18790)
  GOQUEST_LOG_LEVEL              debug, info, warn or error
  GOQUEST_DB_PATH                SQLite file (default: $GOQUEST_HOME/goquest.db)
  GOQUEST_DEFAULT_TIMEZONE       Zone for users without a preference (default: UTC)
  GOQUEST_DRAIN_TIMEOUT_SECONDS  Graceful shutdown budget
  GOQUEST_BUFFER_CRON            In-process schedule; empty disables it
  CRON_SECRET                    Bearer secret for /api/jobs/buffer
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "buffer":
			os.Exit(runBufferCommand(ctx, os.Stdout, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "config":
			os.Exit(runConfigCommand(os.Stdout, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so that logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.FirstRun {
		logger.Info("no config.yaml found, running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !isLoopback(cfg.BindAddr) {
		if !cfg.Auth.Enabled {
			logger.Warn("auth is disabled on a non-loopback bind; X-User-ID is trusted as-is", "bind_addr", cfg.BindAddr)
		}
		if cfg.Buffer.CronSecret == "" {
			logger.Warn("cron secret is empty on a non-loopback bind; the buffer trigger is open", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	eventBus := bus.New()
	audit.SetStore(store)
	// Audit follows the bus until the server has drained, not until the
	// signal arrives.
	followCtx, stopFollow := context.WithCancel(context.WithoutCancel(ctx))
	auditDone := audit.Follow(followCtx, eventBus)

	maint := buffer.New(buffer.Config{
		Store:            store,
		Logger:           logger.Logger,
		Bus:              eventBus,
		Tracer:           otelProvider.Tracer,
		Metrics:          metrics,
		DefaultTimeZone:  cfg.DefaultTimeZone,
		DailyHorizonDays: cfg.Buffer.DailyHorizonDays,
		PeriodCount:      cfg.Buffer.PeriodCount,
		Limits: recurrence.Limits{
			MaxWeeksToSearch:  cfg.Buffer.MaxWeeksToSearch,
			MaxMonthsToSearch: cfg.Buffer.MaxMonthsToSearch,
		},
	})

	svcCfg := lifecycle.Config{
		Store:           store,
		Bus:             eventBus,
		Logger:          logger.Logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
		DefaultTimeZone: cfg.DefaultTimeZone,
	}
	if cfg.Buffer.FillOnChange {
		svcCfg.Filler = maint
	}
	tasks := lifecycle.New(svcCfg)

	auth := gateway.NewAuthMiddleware(cfg.Auth)
	limiter := gateway.NewRateLimitMiddleware(cfg.RateLimit, metrics)
	limiter.StartEviction(ctx, 5*time.Minute, 10*time.Minute)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Tasks:             tasks,
		Buffer:            maint,
		Bus:               eventBus,
		Logger:            logger.Logger,
		Telemetry:         otelProvider,
		Metrics:           metrics,
		Auth:              auth,
		RateLimit:         limiter,
		CORS:              cfg.CORS,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		DefaultTimeZone:   cfg.DefaultTimeZone,
		CronSecret:        cfg.Buffer.CronSecret,
		ConfigFingerprint: cfg.Fingerprint(),
		AllowOrigins:      cfg.CORS.AllowedOrigins,
	})

	var retentionDays atomic.Int64
	retentionDays.Store(int64(cfg.RetentionAuditLogDays))

	confWatcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger.Logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if ev.Err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", ev.Err)
				continue
			}
			applyReload(logger, gw, auth, &retentionDays, cfg, ev.Config)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := new(net.ListenConfig).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger.Logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	var sched *cron.Scheduler
	if cfg.Buffer.Cron != "" {
		sched, err = cron.NewScheduler(cron.Config{
			Store:      store,
			Runner:     maint,
			Logger:     logger.Logger,
			Expr:       cfg.Buffer.Cron,
			RunOnStart: cfg.Buffer.RunOnStart,
		})
		if err != nil {
			fatalStartup(logger.Logger, "E_SCHEDULER_INIT", err)
		}
		sched.Start(ctx)
		logger.Info("startup phase", "phase", "scheduler_started", "cron", cfg.Buffer.Cron)
	} else {
		logger.Info("in-process scheduler disabled; relying on the HTTP trigger")
	}

	go runRetention(ctx, logger.Logger, store, &retentionDays)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, let in-flight requests and the current buffer run finish.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("gateway drain incomplete", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	stopFollow()
	select {
	case <-auditDone:
	case <-drainCtx.Done():
		logger.Warn("audit follower did not drain in time")
	}
	logger.Info("shutdown complete")
}

// applyReload pushes the hot-reloadable parts of next into the running
// daemon. Listener, database and scheduler settings need a restart.
func applyReload(logger *telemetry.Logger, gw *gateway.Server, auth *gateway.AuthMiddleware, retentionDays *atomic.Int64, boot, next config.Config) {
	logger.SetLevel(next.LogLevel)
	gw.SetCronSecret(next.Buffer.CronSecret)
	gw.SetConfigFingerprint(next.Fingerprint())
	auth.Reload(next.Auth)
	retentionDays.Store(int64(next.RetentionAuditLogDays))

	if next.BindAddr != boot.BindAddr || next.DBPath != boot.DBPath || next.Buffer.Cron != boot.Buffer.Cron {
		logger.Warn("config.yaml changed settings that apply on restart",
			"bind_addr", next.BindAddr, "db_path", next.DBPath, "cron", next.Buffer.Cron)
	}
	logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint(), "auth_enabled", next.Auth.Enabled)
}

type retentionStore interface {
	RunRetention(ctx context.Context, auditLogDays int, now time.Time) (persistence.RetentionResult, error)
}

func runRetention(ctx context.Context, logger *slog.Logger, store retentionStore, days *atomic.Int64) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.RunRetention(ctx, int(days.Load()), time.Now())
			if err != nil {
				logger.Error("retention job failed", "error", err)
			} else if result.PurgedAuditLogs+result.PurgedBufferRuns > 0 {
				logger.Info("retention job completed",
					"purged_audit_logs", result.PurgedAuditLogs,
					"purged_buffer_runs", result.PurgedBufferRuns,
				)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", "", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"goquest","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: goquest daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: goquest daemon [--help]")
	fmt.Fprintln(w, "       goquest [-quiet]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the go-quest daemon: HTTP API, buffer scheduler and audit trail.")
}
