package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/shared"
)

// HeaderUserID names the caller when auth is disabled. Development only.
const HeaderUserID = "X-User-ID"

// authContextKey is the context key type for authenticated API key entries.
type authContextKey struct{}

// AuthMiddleware maps API keys from the Authorization header to user ids.
type AuthMiddleware struct {
	keys    map[string]*config.APIKeyEntry
	enabled bool
	mu      sync.RWMutex
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Reload(cfg)
	return am
}

// Reload swaps the key set, e.g. after config.yaml changed.
func (am *AuthMiddleware) Reload(cfg config.AuthConfig) {
	keys := make(map[string]*config.APIKeyEntry, len(cfg.Keys))
	for i := range cfg.Keys {
		entry := cfg.Keys[i]
		keys[entry.Key] = &entry
	}
	am.mu.Lock()
	am.keys = keys
	am.enabled = cfg.Enabled
	am.mu.Unlock()
}

// Enabled reports whether keys are enforced.
func (am *AuthMiddleware) Enabled() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.enabled
}

// Wrap wraps an http.Handler with API key authentication checking. The
// resolved user id is stored with shared.WithUserID.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health, metrics and the buffer trigger carry their own access rules.
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !am.Enabled() {
			if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
				r = r.WithContext(shared.WithUserID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}

		am.mu.RLock()
		entry, exists := am.lookupKey(key)
		am.mu.RUnlock()

		if !exists {
			writeJSONError(w, http.StatusForbidden, "invalid API key", "")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		ctx = shared.WithUserID(ctx, entry.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isOpenPath(path string) bool {
	switch path {
	case "/healthz", "/metrics", bufferTriggerPath:
		return true
	}
	return false
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Query param for websocket clients and calendar subscriptions, which
	// cannot set headers.
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return entry, true
		}
	}
	return nil, false
}

// KeyEntryFromContext retrieves the authenticated API key entry from context.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}
