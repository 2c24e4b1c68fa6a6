package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/utsushi/internal/model"
	"github.com/ashita-ai/utsushi/internal/session"
)

// wsWriteWait bounds each WebSocket frame write.
const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleEvents handles GET /v1/migrations/{id}/events (SSE). The stream
// carries the status snapshot, the replayed log and then live events, and
// ends after the terminal status event.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	sub := session.NewSubscription()
	if err := s.Subscribe(sub); err != nil {
		sub.Close()
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration not found")
		return
	}
	defer unsubscribe(s, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := h.streamContext(r.Context())
	defer cancel()

	send := func(payload []byte) error {
		if _, err := w.Write(formatSSE(string(model.PeekEventType(payload)), payload)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepalive := func() error {
		if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	h.pump(ctx, sub, send, keepalive)
}

// HandleWebSocket handles GET /v1/migrations/{id}/ws. Each event is one
// JSON text frame, in the same order and with the same contract as the SSE
// stream. The server closes normally after the terminal status event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Warn("websocket upgrade failed", "session_id", s.ID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := session.NewSubscription()
	if err := s.Subscribe(sub); err != nil {
		sub.Close()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "migration removed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer unsubscribe(s, sub)

	ctx, cancel := h.streamContext(r.Context())
	defer cancel()

	// Viewers never send data; reading only surfaces the client's close.
	go func() {
		defer cancel()
		// Clear the read deadline the server set before the upgrade.
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	}
	if h.pump(ctx, sub, send, ping) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migration finished"),
			time.Now().Add(wsWriteWait))
	}
}

// pump forwards queued events to send until the terminal status event has
// been sent, ctx ends, the subscription closes or a write fails. idle runs
// whenever no event arrived for the keepalive interval. It reports whether
// the stream reached the terminal status.
func (h *Handlers) pump(ctx context.Context, sub *session.Subscription, send func([]byte) error, idle func() error) bool {
	// The first frame is the status snapshot, which is terminal for a
	// finished session; the replayed log that follows still has to be sent.
	snapshot := true
	for {
		wait, cancel := context.WithTimeout(ctx, h.keepalive)
		payload, err := sub.Next(wait)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if idle() != nil {
					return false
				}
				continue
			}
			return false
		}
		if err := send(payload); err != nil {
			return false
		}
		if !snapshot && isTerminalStatus(payload) {
			return true
		}
		snapshot = false
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

// isTerminalStatus reports whether payload is a completed or failed status
// event.
func isTerminalStatus(payload []byte) bool {
	if model.PeekEventType(payload) != model.EventStatus {
		return false
	}
	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Data == nil {
		return false
	}
	return ev.Data.Status.IsTerminal()
}

func unsubscribe(s *session.Session, sub *session.Subscription) {
	s.Unsubscribe(sub)
	sub.Close()
}
