// Package gateway is the HTTP surface of the daemon: task CRUD routed
// through the lifecycle service, the buffer trigger, the calendar feed and
// the event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-quest/internal/audit"
	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/lifecycle"
	"github.com/basket/go-quest/internal/otel"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/shared"
)

const (
	bufferTriggerPath = "/api/jobs/buffer"

	// TriggerHTTP is the trigger name recorded for runs started over HTTP.
	TriggerHTTP = "http"

	// HeaderTraceID carries the request trace id in both directions.
	HeaderTraceID = "X-Trace-ID"
)

// BufferRunner runs the buffer maintainer.
type BufferRunner interface {
	Run(ctx context.Context, now time.Time, trigger string) (buffer.Summary, error)
	LastSummary() *buffer.Summary
}

type Config struct {
	Store  *persistence.Store
	Tasks  *lifecycle.Service
	Buffer BufferRunner
	Bus    *bus.Bus
	Logger *slog.Logger

	// Telemetry supplies the tracer and the /metrics snapshot. Nil means
	// no-op tracing and an empty snapshot.
	Telemetry *otel.Provider
	Metrics   *otel.Metrics

	Auth      *AuthMiddleware
	RateLimit *RateLimitMiddleware
	CORS      config.CORSConfig

	MaxRequestBytes int64
	DefaultTimeZone string

	// CronSecret guards the buffer trigger. Empty leaves it open.
	CronSecret string

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Now func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu          sync.RWMutex
	cronSecret  string
	fingerprint string

	streamClients atomic.Int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	if cfg.Telemetry != nil && cfg.Telemetry.Tracer != nil {
		tracer = cfg.Telemetry.Tracer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = "UTC"
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		tracer:      tracer,
		now:         now,
		cronSecret:  cfg.CronSecret,
		fingerprint: cfg.ConfigFingerprint,
	}
}

// SetCronSecret replaces the buffer trigger secret.
func (s *Server) SetCronSecret(secret string) {
	s.mu.Lock()
	s.cronSecret = secret
	s.mu.Unlock()
}

// SetConfigFingerprint replaces the fingerprint reported on /healthz.
func (s *Server) SetConfigFingerprint(fp string) {
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
}

func (s *Server) secret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronSecret
}

func (s *Server) configFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// Handler returns the routed handler wrapped in CORS, request ids, the body
// size limit, auth and rate limiting (outermost first).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /healthz", s.handleHealthz)
	s.handle(mux, "GET /metrics", s.handleMetrics)

	s.handle(mux, "GET "+bufferTriggerPath, s.handleBufferTrigger)
	s.handle(mux, "POST "+bufferTriggerPath, s.handleBufferTrigger)

	s.handle(mux, "GET /api/tasks", s.handleListTasks)
	s.handle(mux, "POST /api/tasks", s.handleCreateTask)
	s.handle(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.handle(mux, "PATCH /api/tasks/{id}", s.handleUpdateTask)
	s.handle(mux, "DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.handle(mux, "GET /api/tasks/{id}/audit", s.handleTaskAudit)

	s.handle(mux, "GET /api/users/me", s.handleGetMe)
	s.handle(mux, "PUT /api/users/me", s.handlePutMe)

	s.handle(mux, "GET /api/calendar.ics", s.handleCalendar)
	s.handle(mux, "GET /api/events", s.handleEvents)

	var h http.Handler = mux
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	} else {
		h = NewAuthMiddleware(config.AuthConfig{}).Wrap(h)
	}
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = withTraceID(h)
	return NewCORSMiddleware(s.cfg.CORS)(h)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, fn))
}

// withTraceID adopts the caller's trace id or mints one, and echoes it back.
func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(HeaderTraceID)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set(HeaderTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

// instrument wraps one route in a server span, the request duration
// histogram and a debug access log line.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, route, otel.AttrRoute.String(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r.WithContext(ctx))

		span.SetAttributes(otel.AttrStatus.Int(rec.status))
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(rec.status))
		}
		otel.EndSpan(span, err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrRoute.String(route), otel.AttrStatus.Int(rec.status)))
		}
		s.logger.DebugContext(ctx, "request",
			"route", route,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"user_id", shared.UserID(ctx),
		)
	})
}

// statusRecorder captures the response status. It unwraps to the original
// writer so websocket upgrades and flushing keep working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            otel.Version,
		"config_fingerprint": s.configFingerprint(),
		"stream_clients":     s.streamClients.Load(),
	}
	if s.cfg.Buffer != nil {
		if last := s.cfg.Buffer.LastSummary(); last != nil {
			payload["last_buffer_run"] = last
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	counters := map[string]float64{}
	points, err := s.cfg.Telemetry.Snapshot(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "metrics snapshot failed", "error", err)
	}
	for _, p := range points {
		counters[p.Name] = p.Value
	}

	var dropped int64
	var subscribers int
	if s.cfg.Bus != nil {
		dropped = s.cfg.Bus.Dropped()
		subscribers = s.cfg.Bus.SubscriberCount()
	}

	payload := map[string]any{
		"counters":           counters,
		"bus_dropped_events": dropped,
		"bus_subscribers":    subscribers,
		"audit_records":      audit.RecordCount(),
		"stream_clients":     s.streamClients.Load(),
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
	}
	if s.cfg.Store != nil {
		if runs, err := s.cfg.Store.RecentBufferRuns(ctx, 10); err == nil {
			payload["recent_buffer_runs"] = runs
		}
	}
	if s.cfg.RateLimit != nil {
		payload["rate_limit_buckets"] = s.cfg.RateLimit.BucketCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, errorBody{Error: msg, Field: field})
}

// writeError maps a service error onto a status code. Internal errors are
// logged and not echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *lifecycle.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSONError(w, http.StatusBadRequest, ve.Error(), ve.Field)
	case errors.Is(err, lifecycle.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, lifecycle.ErrPolicy):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error(), "")
	case errors.Is(err, persistence.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, persistence.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, buffer.ErrRunInProgress):
		writeJSONError(w, http.StatusConflict, err.Error(), "")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error", "")
	}
}
