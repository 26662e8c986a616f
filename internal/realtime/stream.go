package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/resp"
)

// Subscriber opens a user's feed.
type Subscriber interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error)
}

// StreamHandler serves GET /api/v1/notifications/stream.
type StreamHandler struct {
	subs      Subscriber
	keepAlive time.Duration
	log       *slog.Logger
}

func NewStreamHandler(subs Subscriber, log *slog.Logger) *StreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StreamHandler{subs: subs, keepAlive: 25 * time.Second, log: log}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		resp.Error(w, h.log, &apperr.UnauthorizedError{})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		resp.Fail(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported")
		return
	}
	if h.subs == nil {
		resp.Fail(w, http.StatusServiceUnavailable, "REALTIME_DISABLED", "live notifications are not enabled")
		return
	}

	sub, err := h.subs.Subscribe(r.Context(), actor.ID)
	if err != nil {
		resp.Error(w, h.log, &apperr.ExternalServiceError{Service: "realtime", Err: err})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
