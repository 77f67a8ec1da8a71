package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/realtime"
	"github.com/ricochet1k/taskrelay/internal/service"
	realtimeTypes "github.com/ricochet1k/taskrelay/pkg/realtime"
)

const maxCommandSize = 1 << 20

var taskUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// taskWebSocket streams one task to a viewer: replay, current state, then
// live events. Commands from the viewer drive the orchestrator.
func (h *Handler) taskWebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := taskUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "task", id, "err", err)
		return
	}
	conn.SetReadLimit(maxCommandSize)

	client := realtime.NewClient(uuid.NewString(), conn, h.logger)
	h.hub.Register(client, id)
	defer h.hub.Unregister(client.ID())

	go client.WriteLoop(h.pingInterval)

	ctx := r.Context()
	if err := h.router.Subscribe(ctx, id, client, limit); err != nil {
		h.logger.Warn("subscribe failed", "task", id, "conn", client.ID(), "err", err)
		return
	}
	defer h.router.Unsubscribe(id, client)
	h.sendTaskState(client, id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		cmd, err := realtimeTypes.ParseCommand(raw)
		if err != nil {
			h.sendError(client, id, err.Error())
			continue
		}
		if err := h.handleCommand(ctx, id, cmd); err != nil {
			h.sendError(client, id, err.Error())
		}
	}
}

// sendTaskState gives a new viewer the state the router does not replay.
func (h *Handler) sendTaskState(client *realtime.Client, id string) {
	snap, err := h.orch.Get(id)
	if err != nil {
		client.Queue(domain.NewStatusEvent(id, domain.TaskStatusHistory, ""))
		return
	}
	client.Queue(domain.NewStatusEvent(snap.ID, snap.Status, redactSecrets(snap.Error)))
	if p := snap.Pending; p != nil {
		client.Queue(domain.NewToolApprovalEvent(snap.ID, p.ToolName, p.CallID, p.Input))
	}
	if len(snap.Commands) > 0 {
		client.Queue(domain.NewSlashCommandsEvent(snap.ID, snap.Commands))
	}
}

func (h *Handler) handleCommand(ctx context.Context, id string, cmd realtimeTypes.Command) error {
	switch cmd.Type {
	case realtimeTypes.CommandTypePrompt:
		return h.orch.Submit(ctx, id, cmd.Text)
	case realtimeTypes.CommandTypeApprove:
		return h.orch.Approve(id, service.ApproveRequest{
			CallID:       cmd.ToolUseID,
			AlwaysAllow:  cmd.AlwaysAllow,
			UpdatedInput: cmd.UpdatedInput,
			Answers:      cmd.Answers,
		})
	case realtimeTypes.CommandTypeDeny:
		return h.orch.Deny(id, cmd.ToolUseID, cmd.Message)
	case realtimeTypes.CommandTypeInterrupt:
		return h.orch.Interrupt(id)
	}
	return fmt.Errorf("%w: %q", realtimeTypes.ErrUnknownCommand, cmd.Type)
}

func (h *Handler) sendError(client *realtime.Client, id, message string) {
	if !client.Queue(domain.NewErrorEvent(id, message)) {
		h.hub.Unregister(client.ID())
	}
}
