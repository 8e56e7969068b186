package hub

import (
	"net/http"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/metrics"
	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultHeartbeat = 15 * time.Second

var heartbeatFrame = []byte(": keep-alive\n\n")

type HandlerOption func(*eventStreamHandler)

// WithHeartbeat sets the interval of keep-alive comments. Zero disables
// them.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *eventStreamHandler) {
		h.heartbeat = d
	}
}

type eventStreamHandler struct {
	hub       *Hub
	gate      session.Gate
	heartbeat time.Duration
}

// EventStreamHandler serves the hub as a text/event-stream to
// authenticated clients.
func EventStreamHandler(hub *Hub, gate session.Gate, opts ...HandlerOption) http.Handler {
	h := &eventStreamHandler{
		hub:       hub,
		gate:      gate,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *eventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.gate.CurrentIdentity(r)
	if err != nil || identity == nil {
		log.Infof("Event stream blocked: %v", err)
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.hub.Subscribe(*identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unsubscribe(sub)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var beat <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		var frame []byte
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			// Dropped by the hub, let the client reconnect.
			return
		case event := <-sub.Events():
			frame = event.Frame()
		case <-beat:
			frame = heartbeatFrame
		}
		if _, err := w.Write(frame); err != nil {
			h.hub.Drop(sub, metrics.ReasonWriteFailure, errors.Wrap(err, "writing event stream"))
			return
		}
		flusher.Flush()
	}
}
