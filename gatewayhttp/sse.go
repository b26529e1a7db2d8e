package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/actor"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

// lockedWriteFlusher serializes writes to a streaming response so event
// frames never interleave.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func newLockedWriteFlusher(w http.ResponseWriter) (*lockedWriteFlusher, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &lockedWriteFlusher{w: w, f: f}, true
}

// writeEvent emits one SSE frame and flushes it.
func (l *lockedWriteFlusher) writeEvent(id, event string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id != "" {
		if _, err := fmt.Fprintf(l.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(l.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(l.w, "data: %s\n\n", data); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

// writeComment emits an SSE comment line, used for keepalives.
func (l *lockedWriteFlusher) writeComment(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, ": %s\n\n", text); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEResponse answers a single request as a one-event stream, for
// callers whose accept preference asked for the event format.
func (h *Handler) writeSSEResponse(w http.ResponseWriter, r *http.Request, resp *jsonrpc.Response) {
	lw, ok := newLockedWriteFlusher(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = lw.writeEvent(uuid.NewString(), "message", b)
}

// serveStream binds a long-lived event stream to the target actor's
// lifetime. The stream carries no RPC messages: responses travel on the
// POST exchange that produced them, and writeSSEResponse handles callers
// who want a single response in event framing. This stream emits only
// keepalive comments and ends when the caller disconnects or the actor is
// evicted, giving long-polling callers a live signal that their session
// actor still exists.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, key string, ident actor.Context) {
	ctx := r.Context()

	lw, ok := newLockedWriteFlusher(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	a := h.registry.Actor(key, ident)
	if err := lw.writeComment("stream open"); err != nil {
		return
	}

	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Done():
			return
		case <-t.C:
			if err := lw.writeComment("keepalive"); err != nil {
				return
			}
		}
	}
}
