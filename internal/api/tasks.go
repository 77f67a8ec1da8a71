package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/service"
	apiTypes "github.com/ricochet1k/taskrelay/pkg/api"
)

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	snap, err := h.orch.CreateTask(r.Context(), service.CreateTaskRequest{
		Prompt:         req.Prompt,
		Provider:       strings.TrimSpace(req.Provider),
		WorkingDir:     req.WorkingDir,
		PermissionMode: req.PermissionMode,
		Model:          req.Model,
	})
	if err != nil && snap.ID == "" {
		writeTaskError(w, err)
		return
	}
	if err != nil {
		// Registered, but the first prompt did not start.
		h.logger.Warn("initial prompt rejected", "task", snap.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, h.taskResponse(snap))
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	snaps := h.orch.List()
	responses := make([]apiTypes.TaskResponse, len(snaps))
	for i, s := range snaps {
		responses[i] = h.taskResponse(s)
	}
	writeJSON(w, http.StatusOK, apiTypes.TaskListResponse{Tasks: responses})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.taskResponse(snap))
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Delete(chi.URLParam(r, "id")); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) promptTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req apiTypes.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required", "")
		return
	}

	if err := h.orch.Submit(r.Context(), id, req.Prompt); err != nil {
		writeTaskError(w, err)
		return
	}
	snap, err := h.orch.Get(id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.taskResponse(snap))
}

func (h *Handler) interruptTask(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Interrupt(chi.URLParam(r, "id")); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTaskMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts, err := parsePageOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination parameter", err.Error())
		return
	}

	page, err := h.orch.Messages(r.Context(), id, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages", err.Error())
		return
	}

	resp := apiTypes.MessagesResponse{
		Messages:      page.Messages,
		HasMore:       page.HasMore,
		OldestIndex:   page.OldestIndex,
		TotalMessages: page.TotalMessages,
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	for _, st := range page.Tasks {
		resp.Tasks = append(resp.Tasks, apiTypes.SubTask{
			ToolUseID:   st.ToolUseID,
			Description: st.Description,
			Index:       st.Index,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePageOptions(r *http.Request) (provider.PageOptions, error) {
	var opts provider.PageOptions
	q := r.URL.Query()
	if v := q.Get("before"); v != "" {
		before, err := strconv.Atoi(v)
		if err != nil || before < 0 {
			return opts, errors.New("before must be a non-negative integer")
		}
		opts.Before = &before
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return opts, errors.New("limit must be a non-negative integer")
		}
		opts.Limit = min(limit, maxMessageLimit)
	}
	return opts, nil
}

// writeTaskError maps orchestrator errors to HTTP responses.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found", "")
	case errors.Is(err, service.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error(), "")
	case errors.Is(err, service.ErrTaskBusy):
		writeError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, service.ErrProviderNotFound):
		writeError(w, http.StatusBadRequest, "unknown provider", err.Error())
	case errors.Is(err, service.ErrOrchestratorClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func (h *Handler) taskResponse(s service.Snapshot) apiTypes.TaskResponse {
	resp := apiTypes.TaskResponse{
		ID:             s.ID,
		Provider:       s.Provider,
		Status:         s.Status,
		WorkingDir:     s.WorkingDir,
		PermissionMode: s.PermissionMode,
		Model:          s.Model,
		ErrorMessage:   redactSecrets(s.Error),
		PreApproved:    s.PreApproved,
		SlashCommands:  s.Commands,
		CostUSD:        s.CostUSD,
		Turns:          s.Turns,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		resp.FinishedAt = &finished
	}
	if p := s.Pending; p != nil {
		resp.PendingApproval = &apiTypes.PendingApproval{
			ToolName:    p.ToolName,
			ToolUseID:   p.CallID,
			Input:       p.Input,
			RequestedAt: p.RequestedAt,
		}
	}
	if h.router != nil {
		resp.Subscribers = h.router.SubscriberCount(s.ID)
		if page, ok := h.router.Page(s.ID, provider.PageOptions{Limit: 1}); ok {
			resp.MessageCount = page.TotalMessages
		}
	}
	return resp
}
