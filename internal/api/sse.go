package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

const sseBufferSize = 64

var errSSEClosed = errors.New("event stream closed")

// sseConn is a read-only viewer fed over Server-Sent Events.
type sseConn struct {
	id     string
	events chan domain.Event
	done   chan struct{}
	close  sync.Once

	// backlog holds the replay until the handler starts writing.
	mu      sync.Mutex
	backlog []domain.Event
}

func newSSEConn() *sseConn {
	return &sseConn{
		id:     uuid.NewString(),
		events: make(chan domain.Event, sseBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *sseConn) ID() string { return c.id }

func (c *sseConn) Send(ev domain.Event) error {
	select {
	case <-c.done:
		return errSSEClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	default:
		c.Close()
		return errSSEClosed
	}
}

// Replay buffers ev without bound. Nothing drains the stream until Subscribe
// returns, and the backlog is written ahead of anything queued by Send.
func (c *sseConn) Replay(_ context.Context, ev domain.Event) error {
	select {
	case <-c.done:
		return errSSEClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog = append(c.backlog, ev)
	return nil
}

func (c *sseConn) takeBacklog() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.backlog
	c.backlog = nil
	return out
}

func (c *sseConn) Close() {
	c.close.Do(func() { close(c.done) })
}

// taskEvents streams the same events as the task WebSocket as Server-Sent
// Events. The subscription, and with it the replay, happens before headers
// are flushed.
func (h *Handler) taskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := h.replayLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	conn := newSSEConn()
	defer conn.Close()
	ctx := r.Context()
	if err := h.router.Subscribe(ctx, id, conn, limit); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe", err.Error())
		return
	}
	defer h.router.Unsubscribe(id, conn)

	if snap, err := h.orch.Get(id); err == nil {
		_ = conn.Send(domain.NewStatusEvent(snap.ID, snap.Status, redactSecrets(snap.Error)))
		if p := snap.Pending; p != nil {
			_ = conn.Send(domain.NewToolApprovalEvent(snap.ID, p.ToolName, p.CallID, p.Input))
		}
	} else {
		_ = conn.Send(domain.NewStatusEvent(id, domain.TaskStatusHistory, ""))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	for _, event := range conn.takeBacklog() {
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case event := <-conn.events:
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent serialises a single event in the SSE wire format:
//
//	event: <type>\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
