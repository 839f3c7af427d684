package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-quest/internal/bus"
)

const streamWriteTimeout = 5 * time.Second

// defaultStreamTopics are sent when the client names none.
var defaultStreamTopics = []string{"task.", "series.", "buffer."}

// streamEvent is one websocket message.
type streamEvent struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleEvents implements GET /api/events?topics=task.,series. as a
// websocket stream of bus events. Events owned by other users are filtered
// out; buffer run summaries are shared by everyone.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.cfg.Bus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured", "")
		return
	}

	topics := defaultStreamTopics
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = nil
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.streamClients.Add(1)
	defer s.streamClients.Add(-1)

	sub := s.cfg.Bus.Subscribe(topics...)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The client only listens; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.InfoContext(ctx, "events: client connected", "user_id", userID, "topics", topics)

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "events: client disconnected", "user_id", userID)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if !visibleTo(ev, userID) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, streamEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.DebugContext(ctx, "events: write failed", "user_id", userID, "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}

func visibleTo(ev bus.Event, userID string) bool {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		return p.UserID == userID
	case bus.ConversionEvent:
		return p.UserID == userID
	case bus.BufferSeriesEvent:
		return p.UserID == userID
	case bus.BufferRunEvent:
		return true
	default:
		return false
	}
}
