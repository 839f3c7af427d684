package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/go-quest/internal/buffer"
)

// handleBufferTrigger runs one buffer pass. It is the entry point for
// external schedulers, so it accepts both GET and POST and authenticates
// with the cron secret rather than a user key.
func (s *Server) handleBufferTrigger(w http.ResponseWriter, r *http.Request) {
	if secret := s.secret(); secret != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
	}
	if s.cfg.Buffer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "buffer maintainer not configured", "")
		return
	}

	// The run outlives a disconnecting caller.
	ctx := context.WithoutCancel(r.Context())
	summary, err := s.cfg.Buffer.Run(ctx, s.now(), TriggerHTTP)
	if err != nil {
		if errors.Is(err, buffer.ErrRunInProgress) {
			s.logger.WarnContext(ctx, "buffer trigger rejected, run in progress")
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
