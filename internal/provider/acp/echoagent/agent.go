// Package echoagent is a deterministic ACP agent. It answers prompts the way
// the echo adapter does, but over the Agent Client Protocol, so the ACP
// adapter can be exercised without a model behind it.
//
// Prompt forms:
//
//	think: <text>         thought chunks, then "Echo: <text>"
//	tool:<name> <text>    asks permission, then reports a completed tool call
//	wait: <text>          blocks until cancelled
//	anything else         "Echo: <prompt>"
package echoagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

var Commands = []string{"think", "tool", "wait"}

type Agent struct {
	conn *acp.AgentSideConnection

	mu       sync.Mutex
	sessions map[acp.SessionId]context.CancelFunc
}

var _ acp.Agent = (*Agent)(nil)

// Serve runs an agent on the given stdio until the peer disconnects or ctx
// ends.
func Serve(ctx context.Context, out io.Writer, in io.Reader) {
	ag := &Agent{sessions: make(map[acp.SessionId]context.CancelFunc)}
	ag.conn = acp.NewAgentSideConnection(ag, out, in)
	select {
	case <-ctx.Done():
	case <-ag.conn.Done():
	}
}

func (a *Agent) Initialize(_ context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion:   acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{LoadSession: true},
	}, nil
}

func (a *Agent) Authenticate(_ context.Context, _ acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *Agent) NewSession(_ context.Context, _ acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	return acp.NewSessionResponse{SessionId: acp.SessionId("echo-" + uuid.NewString())}, nil
}

func (a *Agent) LoadSession(_ context.Context, _ acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	return acp.LoadSessionResponse{}, nil
}

func (a *Agent) SetSessionMode(_ context.Context, _ acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	return acp.SetSessionModeResponse{}, nil
}

func (a *Agent) Cancel(_ context.Context, n acp.CancelNotification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.sessions[n.SessionId]; ok {
		cancel()
	}
	return nil
}

func (a *Agent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.sessions[req.SessionId] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.sessions, req.SessionId)
		a.mu.Unlock()
		cancel()
	}()

	s := &turn{agent: a, session: req.SessionId}
	if err := s.commands(ctx); err != nil {
		return acp.PromptResponse{}, err
	}

	text := promptText(req.Prompt)
	var err error
	switch {
	case strings.HasPrefix(text, "think:"):
		err = s.think(ctx, strings.TrimSpace(strings.TrimPrefix(text, "think:")))
	case strings.HasPrefix(text, "tool:"):
		name, rest, _ := strings.Cut(strings.TrimPrefix(text, "tool:"), " ")
		err = s.tool(ctx, name, strings.TrimSpace(rest))
	case strings.HasPrefix(text, "wait:"):
		<-ctx.Done()
	default:
		err = s.update(ctx, acp.UpdateAgentMessageText("Echo: "+text))
	}

	if ctx.Err() != nil {
		return acp.PromptResponse{StopReason: acp.StopReason("cancelled")}, nil
	}
	if err != nil {
		return acp.PromptResponse{}, err
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func promptText(blocks []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Text != nil {
			b.WriteString(block.Text.Text)
		}
	}
	return b.String()
}

type turn struct {
	agent   *Agent
	session acp.SessionId
}

func (t *turn) update(ctx context.Context, u acp.SessionUpdate) error {
	return t.agent.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: t.session, Update: u})
}

// raw builds an update from its wire form.
func (t *turn) raw(ctx context.Context, wire map[string]any) error {
	b, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	var u acp.SessionUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return fmt.Errorf("echoagent: decode update: %w", err)
	}
	return t.update(ctx, u)
}

func textContent(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func (t *turn) commands(ctx context.Context) error {
	list := make([]map[string]any, len(Commands))
	for i, c := range Commands {
		list[i] = map[string]any{"name": c, "description": c + " prompt"}
	}
	return t.raw(ctx, map[string]any{
		"sessionUpdate":     "available_commands_update",
		"availableCommands": list,
	})
}

func (t *turn) think(ctx context.Context, text string) error {
	for _, word := range strings.Fields(text) {
		if err := t.raw(ctx, map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       textContent(word + " "),
		}); err != nil {
			return err
		}
	}
	return t.update(ctx, acp.UpdateAgentMessageText("Echo: "+text))
}

func (t *turn) tool(ctx context.Context, name, text string) error {
	callID := "call-" + uuid.NewString()
	input := map[string]any{"text": text}

	b, err := json.Marshal(map[string]any{
		"sessionId": t.session,
		"toolCall":  map[string]any{"toolCallId": callID, "title": name, "rawInput": input},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		return err
	}
	var req acp.RequestPermissionRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return fmt.Errorf("echoagent: decode permission request: %w", err)
	}

	resp, err := t.agent.conn.RequestPermission(ctx, req)
	if err != nil {
		return err
	}
	if resp.Outcome.Selected == nil || string(resp.Outcome.Selected.OptionId) != "allow" {
		return t.update(ctx, acp.UpdateAgentMessageText("Echo: tool "+name+" was not allowed"))
	}

	if err := t.raw(ctx, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    callID,
		"title":         name,
		"kind":          "other",
		"status":        "in_progress",
		"rawInput":      input,
	}); err != nil {
		return err
	}
	if err := t.raw(ctx, map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    callID,
		"status":        "completed",
		"content": []map[string]any{
			{"type": "content", "content": textContent(text)},
		},
	}); err != nil {
		return err
	}
	return t.update(ctx, acp.UpdateAgentMessageText("Echo: "+text))
}
