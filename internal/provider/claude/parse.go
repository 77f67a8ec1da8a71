package claude

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

// LineType is the top-level "type" of a stream-json or transcript line.
type LineType string

const (
	LineSystem         LineType = "system"
	LineUser           LineType = "user"
	LineAssistant      LineType = "assistant"
	LineResult         LineType = "result"
	LineStreamEvent    LineType = "stream_event"
	LineControlRequest LineType = "control_request"
)

// Line is one parsed line of CLI output. Raw keeps the bytes for gjson
// lookups of fields the typed accessors don't cover.
type Line struct {
	Type LineType
	Raw  gjson.Result
}

// ParseLine validates and wraps one line. Blank or invalid JSON reports false.
func ParseLine(b []byte) (Line, bool) {
	if !gjson.ValidBytes(b) {
		return Line{}, false
	}
	raw := gjson.ParseBytes(b)
	if !raw.IsObject() {
		return Line{}, false
	}
	return Line{Type: LineType(raw.Get("type").String()), Raw: raw}, true
}

func (l Line) SessionID() string {
	if id := l.Raw.Get("session_id").String(); id != "" {
		return id
	}
	return l.Raw.Get("sessionId").String()
}

// IsInit reports a system init line, which lists the session's slash commands.
func (l Line) IsInit() bool {
	return l.Type == LineSystem && l.Raw.Get("subtype").String() == "init"
}

func (l Line) SlashCommands() []string {
	var out []string
	for _, c := range l.Raw.Get("slash_commands").Array() {
		name := c.String()
		if name == "" {
			continue
		}
		if name[0] != '/' {
			name = "/" + name
		}
		out = append(out, name)
	}
	return out
}

// ThinkingDelta returns the reasoning fragment of a partial-message event.
func (l Line) ThinkingDelta() (string, bool) {
	if l.Type != LineStreamEvent {
		return "", false
	}
	delta := l.Raw.Get("event.delta")
	if l.Raw.Get("event.type").String() != "content_block_delta" || delta.Get("type").String() != "thinking_delta" {
		return "", false
	}
	return delta.Get("thinking").String(), true
}

// Result carries the totals reported on the final line of a run.
type Result struct {
	SessionID string
	IsError   bool
	Text      string
	CostUSD   float64
	Turns     int
}

func (l Line) Result() Result {
	return Result{
		SessionID: l.SessionID(),
		IsError:   l.Raw.Get("is_error").Bool(),
		Text:      l.Raw.Get("result").String(),
		CostUSD:   l.Raw.Get("total_cost_usd").Float(),
		Turns:     int(l.Raw.Get("num_turns").Int()),
	}
}

// PermissionRequest is a can_use_tool control request.
type PermissionRequest struct {
	RequestID string
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

func (l Line) PermissionRequest() (PermissionRequest, bool) {
	if l.Type != LineControlRequest || l.Raw.Get("request.subtype").String() != "can_use_tool" {
		return PermissionRequest{}, false
	}
	req := PermissionRequest{
		RequestID: l.Raw.Get("request_id").String(),
		ToolName:  l.Raw.Get("request.tool_name").String(),
		ToolUseID: l.Raw.Get("request.tool_use_id").String(),
	}
	if in := l.Raw.Get("request.input"); in.Exists() {
		req.Input = json.RawMessage(in.Raw)
	}
	return req, true
}

// Message normalizes a user or assistant line. Lines the viewer should not
// see (meta prompts, sidechains, empty content) report false.
func (l Line) Message(indexHint int) (domain.Message, bool) {
	if l.Type != LineUser && l.Type != LineAssistant {
		return domain.Message{}, false
	}
	if l.Raw.Get("isMeta").Bool() || l.Raw.Get("isSidechain").Bool() {
		return domain.Message{}, false
	}

	msg := l.Raw.Get("message")
	role := domain.Role(msg.Get("role").String())
	if role == "" {
		role = domain.Role(l.Type)
	}

	parts := contentParts(msg.Get("content"))
	if len(parts) == 0 {
		return domain.Message{}, false
	}

	m := domain.Message{
		ID:      l.Raw.Get("uuid").String(),
		Role:    role,
		Content: parts,
		Index:   indexHint,
	}
	if m.ID == "" {
		m.ID = msg.Get("id").String()
	}
	if ts, err := time.Parse(time.RFC3339Nano, l.Raw.Get("timestamp").String()); err == nil {
		m.Timestamp = ts
	} else {
		m.Timestamp = time.Now().UTC()
	}
	return m, true
}

func contentParts(content gjson.Result) []domain.ContentPart {
	if content.Type == gjson.String {
		if content.Str == "" {
			return nil
		}
		return []domain.ContentPart{domain.TextPart(content.Str)}
	}

	var parts []domain.ContentPart
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, domain.TextPart(text))
			}
		case "thinking":
			if text := block.Get("thinking").String(); text != "" {
				parts = append(parts, domain.ThinkingPart(text))
			}
		case "tool_use":
			var input json.RawMessage
			if in := block.Get("input"); in.Exists() {
				input = json.RawMessage(in.Raw)
			}
			parts = append(parts, domain.ToolUsePart(block.Get("name").String(), block.Get("id").String(), input))
		case "tool_result":
			parts = append(parts, domain.ToolResultPart(
				block.Get("tool_use_id").String(),
				toolResultText(block.Get("content")),
				block.Get("is_error").Bool(),
			))
		}
	}
	return parts
}

// toolResultText flattens a tool_result content value, which is either a
// string or a list of text blocks.
func toolResultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var out string
	for _, block := range content.Array() {
		if block.Get("type").String() != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Get("text").String()
	}
	return out
}

// NormalizeLine converts one transcript line. It holds no state.
func NormalizeLine(b []byte, indexHint int) (domain.Message, bool) {
	line, ok := ParseLine(b)
	if !ok {
		return domain.Message{}, false
	}
	return line.Message(indexHint)
}
