package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEvent_MarshalFlattensPayload(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "status",
			event: NewStatusEvent("t1", TaskStatusRunning, ""),
			want:  `{"type":"status","status":"running"}`,
		},
		{
			name:  "renamed status",
			event: NewRenamedStatusEvent("native-1", TaskStatusCompleted, ""),
			want:  `{"type":"status","status":"completed","taskId":"native-1"}`,
		},
		{
			name:  "replay complete keeps zeros",
			event: NewReplayCompleteEvent("t1", 0, 0),
			want:  `{"type":"replay_complete","totalMessages":0,"oldestIndex":0}`,
		},
		{
			name:  "tool approval",
			event: NewToolApprovalEvent("t1", "Bash", "call-1", json.RawMessage(`{"cmd":"ls"}`)),
			want:  `{"type":"tool_approval_request","toolName":"Bash","toolUseId":"call-1","input":{"cmd":"ls"}}`,
		},
		{
			name:  "thinking delta",
			event: NewThinkingDeltaEvent("t1", "hmm"),
			want:  `{"type":"thinking_delta","text":"hmm"}`,
		},
		{
			name:  "error",
			event: NewErrorEvent("t1", "session is busy"),
			want:  `{"type":"error","message":"session is busy"}`,
		},
		{
			name:  "ping",
			event: NewPingEvent(),
			want:  `{"type":"ping"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("Marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvent_MessageRoundTrip(t *testing.T) {
	msg := NewTextMessage(RoleAssistant, "Echo: Hello world")
	msg.Index = 1

	data, err := json.Marshal(NewMessageEvent("t1", msg))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Type != EventTypeMessage {
		t.Fatalf("type = %q, want %q", decoded.Type, EventTypeMessage)
	}
	got, ok := decoded.Message()
	if !ok {
		t.Fatalf("decoded event has no message payload: %+v", decoded)
	}
	if diff := cmp.Diff(msg, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestEvent_UnmarshalUnknownType(t *testing.T) {
	var e Event
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &e); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestEvent_IsTerminalStatus(t *testing.T) {
	if !NewStatusEvent("t1", TaskStatusInterrupted, "").IsTerminalStatus() {
		t.Error("interrupted status should be terminal")
	}
	if NewStatusEvent("t1", TaskStatusRunning, "").IsTerminalStatus() {
		t.Error("running status should not be terminal")
	}
	if NewThinkingDeltaEvent("t1", "x").IsTerminalStatus() {
		t.Error("thinking delta is not a status")
	}
}

func TestMessage_HasReasoningAndClone(t *testing.T) {
	msg := NewMessage(RoleAssistant,
		ThinkingPart("considering"),
		TextPart("answer"),
		ToolUsePart("Bash", "c1", json.RawMessage(`{"a":1}`)),
	)
	if !msg.HasReasoning() {
		t.Fatal("expected HasReasoning to be true")
	}
	if NewTextMessage(RoleUser, "hi").HasReasoning() {
		t.Fatal("plain text message should not have reasoning")
	}
	if got := msg.Text(); got != "answer" {
		t.Fatalf("Text() = %q, want %q", got, "answer")
	}

	clone := msg.Clone()
	clone.Content[1].Text = "changed"
	clone.Content[2].Input[1] = 'X'
	if msg.Content[1].Text != "answer" {
		t.Fatal("clone shares content slice with original")
	}
	if string(msg.Content[2].Input) != `{"a":1}` {
		t.Fatalf("clone shares input bytes with original: %s", msg.Content[2].Input)
	}
}
