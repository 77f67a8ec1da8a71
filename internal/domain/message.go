package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
	PartError      PartType = "error"
)

// ContentPart is one typed element of a message. Only the fields relevant to
// Type are populated.
type ContentPart struct {
	Type      PartType        `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

// Message is the normalized unit every provider produces and every viewer
// consumes. Index is owned by the router: whatever a producer puts there is
// overwritten when the message is stored.
type Message struct {
	ID        string        `json:"id,omitempty"`
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content"`
	Index     int           `json:"index"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ThinkingPart(text string) ContentPart {
	return ContentPart{Type: PartThinking, Text: text}
}

func ErrorPart(text string) ContentPart {
	return ContentPart{Type: PartError, Text: text}
}

func ToolUsePart(toolName, toolUseID string, input json.RawMessage) ContentPart {
	return ContentPart{Type: PartToolUse, ToolName: toolName, ToolUseID: toolUseID, Input: input}
}

func ToolResultPart(toolUseID, output string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolUseID: toolUseID, Output: output, IsError: isError}
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role Role, parts ...ContentPart) Message {
	return Message{
		Role:      role,
		Content:   parts,
		Timestamp: time.Now().UTC(),
	}
}

func NewTextMessage(role Role, text string) Message {
	return NewMessage(role, TextPart(text))
}

// HasReasoning reports whether the message carries a finalized thinking part.
func (m Message) HasReasoning() bool {
	for _, p := range m.Content {
		if p.Type == PartThinking {
			return true
		}
	}
	return false
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Clone returns a deep copy so cached messages are never aliased by callers.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentPart, len(m.Content))
		for i, p := range m.Content {
			if p.Input != nil {
				p.Input = append(json.RawMessage(nil), p.Input...)
			}
			out.Content[i] = p
		}
	}
	return out
}
