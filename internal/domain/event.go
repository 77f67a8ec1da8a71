package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeMessage             EventType = "message"
	EventTypeStatus              EventType = "status"
	EventTypeReplayComplete      EventType = "replay_complete"
	EventTypeToolApprovalRequest EventType = "tool_approval_request"
	EventTypeThinkingDelta       EventType = "thinking_delta"
	EventTypeSlashCommands       EventType = "slash_commands"
	EventTypeError               EventType = "error"
	EventTypePing                EventType = "ping"
)

func (t EventType) String() string {
	return string(t)
}

// Event is what a subscribed connection receives. Only EventTypeMessage is
// ever cached by the router; everything else is ephemeral.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Data      any
}

type MessageData struct {
	Message Message `json:"message"`
}

type StatusData struct {
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	// TaskID is set when the task's identifier changed so viewers can follow it.
	TaskID string `json:"taskId,omitempty"`
}

type ReplayCompleteData struct {
	TotalMessages int `json:"totalMessages"`
	OldestIndex   int `json:"oldestIndex"`
}

type ToolApprovalData struct {
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseId"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type ThinkingDeltaData struct {
	Text string `json:"text"`
}

type SlashCommandsData struct {
	Commands []string `json:"commands"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type PingData struct{}

func newEvent(t EventType, taskID string, data any) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data:      data,
	}
}

func NewMessageEvent(taskID string, msg Message) Event {
	return newEvent(EventTypeMessage, taskID, MessageData{Message: msg})
}

func NewStatusEvent(taskID string, status TaskStatus, errText string) Event {
	return newEvent(EventTypeStatus, taskID, StatusData{Status: status, Error: errText})
}

func NewRenamedStatusEvent(newID string, status TaskStatus, errText string) Event {
	return newEvent(EventTypeStatus, newID, StatusData{Status: status, Error: errText, TaskID: newID})
}

func NewReplayCompleteEvent(taskID string, total, oldest int) Event {
	return newEvent(EventTypeReplayComplete, taskID, ReplayCompleteData{TotalMessages: total, OldestIndex: oldest})
}

func NewToolApprovalEvent(taskID, toolName, toolUseID string, input json.RawMessage) Event {
	return newEvent(EventTypeToolApprovalRequest, taskID, ToolApprovalData{
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
	})
}

func NewThinkingDeltaEvent(taskID, text string) Event {
	return newEvent(EventTypeThinkingDelta, taskID, ThinkingDeltaData{Text: text})
}

func NewSlashCommandsEvent(taskID string, commands []string) Event {
	return newEvent(EventTypeSlashCommands, taskID, SlashCommandsData{Commands: commands})
}

func NewErrorEvent(taskID, message string) Event {
	return newEvent(EventTypeError, taskID, ErrorData{Message: message})
}

func NewPingEvent() Event {
	return newEvent(EventTypePing, "", PingData{})
}

func (e Event) Message() (Message, bool) {
	data, ok := e.Data.(MessageData)
	return data.Message, ok
}

func (e Event) Status() (StatusData, bool) {
	data, ok := e.Data.(StatusData)
	return data, ok
}

func (e Event) ReplayComplete() (ReplayCompleteData, bool) {
	data, ok := e.Data.(ReplayCompleteData)
	return data, ok
}

func (e Event) ToolApproval() (ToolApprovalData, bool) {
	data, ok := e.Data.(ToolApprovalData)
	return data, ok
}

func (e Event) ThinkingDelta() (ThinkingDeltaData, bool) {
	data, ok := e.Data.(ThinkingDeltaData)
	return data, ok
}

func (e Event) SlashCommands() (SlashCommandsData, bool) {
	data, ok := e.Data.(SlashCommandsData)
	return data, ok
}

func (e Event) Error() (ErrorData, bool) {
	data, ok := e.Data.(ErrorData)
	return data, ok
}

// IsTerminalStatus reports whether the event announces the end of a run.
func (e Event) IsTerminalStatus() bool {
	data, ok := e.Status()
	return ok && data.Status.IsTerminal()
}

// MarshalJSON flattens the payload next to the type discriminator, producing
// the wire shape `{"type":"status","status":"running"}`.
func (e Event) MarshalJSON() ([]byte, error) {
	typeJSON, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}
	if e.Data == nil {
		return []byte(`{"type":` + string(typeJSON) + `}`), nil
	}
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("%s payload is not an object", e.Type)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeJSON)
	if inner := bytes.TrimSpace(payload[1 : len(payload)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	var payload any
	switch envelope.Type {
	case EventTypeMessage:
		payload = &MessageData{}
	case EventTypeStatus:
		payload = &StatusData{}
	case EventTypeReplayComplete:
		payload = &ReplayCompleteData{}
	case EventTypeToolApprovalRequest:
		payload = &ToolApprovalData{}
	case EventTypeThinkingDelta:
		payload = &ThinkingDeltaData{}
	case EventTypeSlashCommands:
		payload = &SlashCommandsData{}
	case EventTypeError:
		payload = &ErrorData{}
	case EventTypePing:
		payload = &PingData{}
	default:
		return fmt.Errorf("unknown event type %q", envelope.Type)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return err
	}

	e.Type = envelope.Type
	switch p := payload.(type) {
	case *MessageData:
		e.Data = *p
	case *StatusData:
		e.Data = *p
	case *ReplayCompleteData:
		e.Data = *p
	case *ToolApprovalData:
		e.Data = *p
	case *ThinkingDeltaData:
		e.Data = *p
	case *SlashCommandsData:
		e.Data = *p
	case *ErrorData:
		e.Data = *p
	case *PingData:
		e.Data = *p
	}
	return nil
}
