package api

import (
	"encoding/json"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

type TaskRequest struct {
	Prompt         string `json:"prompt,omitempty"`
	Provider       string `json:"provider,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
}

type PromptRequest struct {
	Prompt string `json:"prompt"`
}

type PendingApproval struct {
	ToolName    string          `json:"tool_name"`
	ToolUseID   string          `json:"tool_use_id"`
	Input       json.RawMessage `json:"input,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

type TaskResponse struct {
	ID              string            `json:"id"`
	Provider        string            `json:"provider"`
	Status          domain.TaskStatus `json:"status"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	PermissionMode  string            `json:"permission_mode,omitempty"`
	Model           string            `json:"model,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	PendingApproval *PendingApproval  `json:"pending_approval,omitempty"`
	PreApproved     []string          `json:"pre_approved,omitempty"`
	SlashCommands   []string          `json:"slash_commands,omitempty"`
	MessageCount    int               `json:"message_count"`
	Subscribers     int               `json:"subscribers"`
	CostUSD         float64           `json:"cost_usd,omitempty"`
	Turns           int               `json:"turns,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type SubTask struct {
	ToolUseID   string `json:"tool_use_id"`
	Description string `json:"description,omitempty"`
	Index       int    `json:"index"`
}

type MessagesResponse struct {
	Messages      []domain.Message `json:"messages"`
	HasMore       bool             `json:"has_more"`
	OldestIndex   int              `json:"oldest_index"`
	TotalMessages int              `json:"total_messages"`
	Tasks         []SubTask        `json:"tasks,omitempty"`
}

type ProvidersResponse struct {
	Providers []string `json:"providers"`
	Default   string   `json:"default"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
