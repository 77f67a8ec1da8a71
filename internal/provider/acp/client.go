package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/tidwall/gjson"
)

var ErrTerminalUnsupported = errors.New("terminals are not supported by this client")

// client answers the agent's requests for one connection. Updates are routed
// to whichever run is current; between runs they are dropped.
type client struct {
	workingDir string

	mu      sync.Mutex
	current *run
}

var _ acpsdk.Client = (*client)(nil)

func (c *client) setCurrent(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = r
}

func (c *client) active() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *client) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if c.workingDir == "" {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	return filepath.Join(c.workingDir, path), nil
}

func (c *client) ReadTextFile(ctx context.Context, req acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := c.resolve(req.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}

	content := string(data)
	if req.Line != nil || req.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line != nil && *req.Line > 0 {
			start = min(*req.Line-1, len(lines))
		}
		end := len(lines)
		if req.Limit != nil && *req.Limit > 0 && start+*req.Limit < end {
			end = start + *req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *client) WriteTextFile(ctx context.Context, req acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := c.resolve(req.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// RequestPermission goes through the run's approval callback. With no run
// in progress the request is cancelled.
func (c *client) RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	r := c.active()
	if r == nil {
		return cancelledOutcome(), nil
	}

	call := toolCallFields(req.ToolCall)
	allow, reject := pickOptions(req.Options)

	decision, err := r.approve(call)
	if err != nil {
		return cancelledOutcome(), nil
	}
	if decision.Allow && allow >= 0 {
		return selectedOutcome(req.Options[allow]), nil
	}
	r.denied(call.id, decision.Message)
	if reject >= 0 {
		return selectedOutcome(req.Options[reject]), nil
	}
	return cancelledOutcome(), nil
}

func cancelledOutcome() acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{},
		},
	}
}

func selectedOutcome(opt acpsdk.PermissionOption) acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
		},
	}
}

// pickOptions returns the indexes of the one-shot allow and reject choices,
// falling back to the "always" variants, or -1. Remembering a choice is the
// approver's job.
func pickOptions(options []acpsdk.PermissionOption) (allow, reject int) {
	rank := map[string]int{"allow_once": 2, "allow_always": 1, "reject_once": 2, "reject_always": 1}
	allow, reject = -1, -1
	var allowRank, rejectRank int
	for i, opt := range options {
		kind := string(opt.Kind)
		r := rank[kind]
		switch {
		case strings.HasPrefix(kind, "allow") && r > allowRank:
			allow, allowRank = i, r
		case strings.HasPrefix(kind, "reject") && r > rejectRank:
			reject, rejectRank = i, r
		}
	}
	return allow, reject
}

func (c *client) SessionUpdate(ctx context.Context, notif acpsdk.SessionNotification) error {
	r := c.active()
	if r == nil {
		return nil
	}
	update := notif.Update
	switch {
	case update.AgentMessageChunk != nil:
		r.text(blockText(update.AgentMessageChunk.Content))
	case update.AgentThoughtChunk != nil:
		r.thought(blockText(update.AgentThoughtChunk.Content))
	case update.ToolCall != nil:
		r.toolCall(toolCallFields(update.ToolCall))
	case update.ToolCallUpdate != nil:
		r.toolUpdate(toolCallFields(update.ToolCallUpdate))
	case update.AvailableCommandsUpdate != nil:
		raw, _ := json.Marshal(update.AvailableCommandsUpdate)
		var names []string
		for _, cmd := range gjson.GetBytes(raw, "availableCommands.#.name").Array() {
			names = append(names, "/"+strings.TrimPrefix(cmd.String(), "/"))
		}
		r.opts.Commands(names)
	}
	return nil
}

func blockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// toolCall is the subset of a tool call or tool call update the adapter
// uses. The SDK types are read through their JSON form.
type toolCall struct {
	id     string
	title  string
	kind   string
	status string
	input  json.RawMessage
	output string
}

func toolCallFields(v any) toolCall {
	raw, err := json.Marshal(v)
	if err != nil {
		return toolCall{}
	}
	doc := gjson.ParseBytes(raw)
	tc := toolCall{
		id:     doc.Get("toolCallId").String(),
		title:  doc.Get("title").String(),
		kind:   doc.Get("kind").String(),
		status: doc.Get("status").String(),
	}
	if in := doc.Get("rawInput"); in.Exists() && in.Type != gjson.Null {
		tc.input = json.RawMessage(in.Raw)
	}

	var parts []string
	for _, item := range doc.Get("content").Array() {
		if text := item.Get("content.text"); text.Exists() {
			parts = append(parts, text.String())
		}
	}
	if len(parts) > 0 {
		tc.output = strings.Join(parts, "\n")
	} else if out := doc.Get("rawOutput"); out.Exists() && out.Type != gjson.Null {
		if out.Type == gjson.String {
			tc.output = out.Str
		} else {
			tc.output = out.Raw
		}
	}
	return tc
}

func (tc toolCall) name() string {
	switch {
	case tc.title != "":
		return tc.title
	case tc.kind != "":
		return tc.kind
	}
	return "tool"
}

func (c *client) CreateTerminal(ctx context.Context, req acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, ErrTerminalUnsupported
}

func (c *client) TerminalOutput(ctx context.Context, req acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, ErrTerminalUnsupported
}

func (c *client) WaitForTerminalExit(ctx context.Context, req acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, ErrTerminalUnsupported
}

func (c *client) KillTerminalCommand(ctx context.Context, req acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, ErrTerminalUnsupported
}

func (c *client) ReleaseTerminal(ctx context.Context, req acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, ErrTerminalUnsupported
}
