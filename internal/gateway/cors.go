package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/go-quest/internal/config"
)

// DefaultMaxRequestBytes caps request bodies when no limit is configured.
const DefaultMaxRequestBytes int64 = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PATCH", "PUT", "DELETE"}
	corsHeaders = []string{"Content-Type", "Authorization", "X-API-Key", HeaderUserID, HeaderTraceID}
	// Readable by browser clients on cross-origin responses.
	corsExposed = strings.Join([]string{HeaderTraceID, "Retry-After"}, ", ")
)

// NewCORSMiddleware answers preflights and marks responses for the
// configured origins. Disallowed origins are served without CORS headers, so
// the browser withholds the response.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	allowAll := false
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = corsMethods
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = corsHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 600
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")
	maxAgeStr := strconv.Itoa(maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			allowed := allowAll || origins[origin]
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if preflight {
				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", allowMethods)
					w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
					w.Header().Set("Access-Control-Max-Age", maxAgeStr)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes. A declared
// length over the cap is refused up front with 413; a chunked body is cut
// off while it is read, which the JSON decoder reports as a 400.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxBytes), "")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
