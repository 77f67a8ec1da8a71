package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
	apiTypes "github.com/ricochet1k/taskrelay/pkg/api"
)

const defaultMessageLimit = 20

// RelayTools implements the MCP tools on top of the relay REST API.
type RelayTools struct {
	client *relayClient
}

func NewRelayTools(client *relayClient) *RelayTools {
	return &RelayTools{client: client}
}

type ListProvidersArgs struct{}

type ListTasksArgs struct {
	Status string `json:"status,omitempty" jsonschema:"only return tasks with this status"`
}

type CreateTaskArgs struct {
	Prompt         string `json:"prompt" jsonschema:"the first prompt of the task"`
	Provider       string `json:"provider,omitempty" jsonschema:"provider name, see list_providers"`
	WorkingDir     string `json:"working_dir,omitempty" jsonschema:"absolute working directory for the agent"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
}

type GetTaskArgs struct {
	TaskID string `json:"task_id"`
}

type PromptTaskArgs struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

type GetMessagesArgs struct {
	TaskID string `json:"task_id"`
	Limit  int    `json:"limit,omitempty" jsonschema:"page size, default 20"`
	Before *int   `json:"before,omitempty" jsonschema:"return messages with index below this"`
}

type InterruptTaskArgs struct {
	TaskID string `json:"task_id"`
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(b)), nil, nil
}

// checkTaskID rejects ids the relay could never have issued.
func checkTaskID(id string) *mcp.CallToolResult {
	if id == "" {
		return errorResult("task_id is required")
	}
	if err := transcript.ValidateTaskID(id); err != nil {
		return errorResult("invalid task_id %q", id)
	}
	return nil
}

func (t *RelayTools) listProviders(ctx context.Context, _ *mcp.CallToolRequest, _ ListProvidersArgs) (*mcp.CallToolResult, any, error) {
	resp, err := t.client.Providers(ctx)
	if err != nil {
		return errorResult("list providers: %v", err), nil, nil
	}
	return jsonResult(resp)
}

func (t *RelayTools) listTasks(ctx context.Context, _ *mcp.CallToolRequest, args ListTasksArgs) (*mcp.CallToolResult, any, error) {
	resp, err := t.client.ListTasks(ctx)
	if err != nil {
		return errorResult("list tasks: %v", err), nil, nil
	}
	if args.Status != "" {
		filtered := resp.Tasks[:0]
		for _, task := range resp.Tasks {
			if string(task.Status) == args.Status {
				filtered = append(filtered, task)
			}
		}
		resp.Tasks = filtered
	}
	if resp.Tasks == nil {
		resp.Tasks = []apiTypes.TaskResponse{}
	}
	return jsonResult(resp)
}

func (t *RelayTools) createTask(ctx context.Context, _ *mcp.CallToolRequest, args CreateTaskArgs) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(args.Prompt) == "" {
		return errorResult("prompt is required"), nil, nil
	}
	resp, err := t.client.CreateTask(ctx, apiTypes.TaskRequest{
		Prompt:         args.Prompt,
		Provider:       args.Provider,
		WorkingDir:     args.WorkingDir,
		PermissionMode: args.PermissionMode,
		Model:          args.Model,
	})
	if err != nil {
		return errorResult("create task: %v", err), nil, nil
	}
	return jsonResult(resp)
}

func (t *RelayTools) getTask(ctx context.Context, _ *mcp.CallToolRequest, args GetTaskArgs) (*mcp.CallToolResult, any, error) {
	if res := checkTaskID(args.TaskID); res != nil {
		return res, nil, nil
	}
	resp, err := t.client.GetTask(ctx, args.TaskID)
	if err != nil {
		return errorResult("get task %s: %v", args.TaskID, err), nil, nil
	}
	return jsonResult(resp)
}

func (t *RelayTools) promptTask(ctx context.Context, _ *mcp.CallToolRequest, args PromptTaskArgs) (*mcp.CallToolResult, any, error) {
	if res := checkTaskID(args.TaskID); res != nil {
		return res, nil, nil
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return errorResult("prompt is required"), nil, nil
	}
	resp, err := t.client.Prompt(ctx, args.TaskID, args.Prompt)
	if err != nil {
		return errorResult("prompt task %s: %v", args.TaskID, err), nil, nil
	}
	return jsonResult(resp)
}

func (t *RelayTools) getMessages(ctx context.Context, _ *mcp.CallToolRequest, args GetMessagesArgs) (*mcp.CallToolResult, any, error) {
	if res := checkTaskID(args.TaskID); res != nil {
		return res, nil, nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	resp, err := t.client.Messages(ctx, args.TaskID, limit, args.Before)
	if err != nil {
		return errorResult("get messages %s: %v", args.TaskID, err), nil, nil
	}
	return textResult(formatMessages(resp)), nil, nil
}

func (t *RelayTools) interruptTask(ctx context.Context, _ *mcp.CallToolRequest, args InterruptTaskArgs) (*mcp.CallToolResult, any, error) {
	if res := checkTaskID(args.TaskID); res != nil {
		return res, nil, nil
	}
	if err := t.client.Interrupt(ctx, args.TaskID); err != nil {
		return errorResult("interrupt task %s: %v", args.TaskID, err), nil, nil
	}
	return textResult("interrupted " + args.TaskID), nil, nil
}

// formatMessages renders a page as plain text, one block per message.
func formatMessages(page apiTypes.MessagesResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d messages", len(page.Messages), page.TotalMessages)
	if page.HasMore {
		fmt.Fprintf(&b, " (older messages before index %d)", page.OldestIndex)
	}
	b.WriteString("\n")
	for _, m := range page.Messages {
		fmt.Fprintf(&b, "\n[%d] %s:\n", m.Index, m.Role)
		for _, p := range m.Content {
			switch p.Type {
			case domain.PartText:
				b.WriteString(p.Text)
			case domain.PartThinking:
				fmt.Fprintf(&b, "(thinking) %s", p.Text)
			case domain.PartToolUse:
				fmt.Fprintf(&b, "(tool %s %s) %s", p.ToolName, p.ToolUseID, p.Input)
			case domain.PartToolResult:
				status := "ok"
				if p.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "(result %s %s) %s", p.ToolUseID, status, p.Output)
			case domain.PartError:
				fmt.Fprintf(&b, "(error) %s", p.Text)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
