package claude

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/circuit"
)

func TestNormalizeLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want domain.Message
		ok   bool
	}{
		{
			name: "user string content",
			line: `{"type":"user","uuid":"u1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"hello"}}`,
			want: domain.Message{ID: "u1", Role: domain.RoleUser, Index: 7, Content: []domain.ContentPart{domain.TextPart("hello")}},
			ok:   true,
		},
		{
			name: "assistant blocks",
			line: `{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"hi"},{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]}}`,
			want: domain.Message{ID: "msg_1", Role: domain.RoleAssistant, Index: 7, Content: []domain.ContentPart{
				domain.ThinkingPart("hmm"),
				domain.TextPart("hi"),
				domain.ToolUsePart("Bash", "toolu_1", json.RawMessage(`{"command":"ls"}`)),
			}},
			ok: true,
		},
		{
			name: "tool result with text blocks",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","is_error":true,"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: domain.Message{Role: domain.RoleUser, Index: 7, Content: []domain.ContentPart{
				domain.ToolResultPart("toolu_1", "a\nb", true),
			}},
			ok: true,
		},
		{name: "meta line", line: `{"type":"user","isMeta":true,"message":{"role":"user","content":"x"}}`},
		{name: "sidechain", line: `{"type":"assistant","isSidechain":true,"message":{"role":"assistant","content":"x"}}`},
		{name: "summary", line: `{"type":"summary","summary":"s"}`},
		{name: "empty content", line: `{"type":"assistant","message":{"role":"assistant","content":[]}}`},
		{name: "garbage", line: `{"type":`},
		{name: "blank", line: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeLine([]byte(tt.line), 7)
			if ok != tt.ok {
				t.Fatalf("NormalizeLine ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(domain.Message{}, "Timestamp")); diff != "" {
				t.Errorf("NormalizeLine mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeLineKeepsTimestamp(t *testing.T) {
	m, ok := NormalizeLine([]byte(`{"type":"user","timestamp":"2026-01-02T03:04:05Z","message":{"content":"hi"}}`), 0)
	if !ok {
		t.Fatal("expected message")
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !m.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, want)
	}
	if m.Role != domain.RoleUser {
		t.Errorf("Role = %q, want user from line type", m.Role)
	}
}

func TestLineAccessors(t *testing.T) {
	initLine, _ := ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"s1","slash_commands":["compact","/review",""]}`))
	if !initLine.IsInit() || initLine.SessionID() != "s1" {
		t.Fatalf("init line not recognized: %+v", initLine)
	}
	if diff := cmp.Diff([]string{"/compact", "/review"}, initLine.SlashCommands()); diff != "" {
		t.Errorf("SlashCommands mismatch (-want +got):\n%s", diff)
	}

	delta, _ := ParseLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"so "}}}`))
	if frag, ok := delta.ThinkingDelta(); !ok || frag != "so " {
		t.Errorf("ThinkingDelta = %q, %v", frag, ok)
	}
	text, _ := ParseLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}}`))
	if _, ok := text.ThinkingDelta(); ok {
		t.Error("text_delta must not be reasoning")
	}

	res, _ := ParseLine([]byte(`{"type":"result","subtype":"success","session_id":"s1","total_cost_usd":0.25,"num_turns":3,"result":"done"}`))
	if diff := cmp.Diff(Result{SessionID: "s1", Text: "done", CostUSD: 0.25, Turns: 3}, res.Result()); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}

	ctl, _ := ParseLine([]byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_use_id":"toolu_9","input":{"command":"rm"}}}`))
	req, ok := ctl.PermissionRequest()
	if !ok {
		t.Fatal("expected permission request")
	}
	want := PermissionRequest{RequestID: "r1", ToolName: "Bash", ToolUseID: "toolu_9", Input: json.RawMessage(`{"command":"rm"}`)}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("PermissionRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildArgs(t *testing.T) {
	got := buildArgs(provider.RunOptions{TaskID: "abc", Resume: true, Model: "opus", PermissionMode: "plan"}, []string{"--debug"})
	joined := strings.Join(got, " ")
	for _, want := range []string{"-p", "--output-format stream-json", "--include-partial-messages", "--verbose", "--resume abc", "--model opus", "--permission-mode plan", "--permission-prompt-tool stdio"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if got[len(got)-1] != "--debug" {
		t.Errorf("extra args not appended: %v", got)
	}

	fresh := strings.Join(buildArgs(provider.RunOptions{TaskID: "abc"}, nil), " ")
	if strings.Contains(fresh, "--resume") {
		t.Errorf("fresh run must not resume: %q", fresh)
	}
}

func writeTranscript(t *testing.T, projects, id string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(projects, "-home-user-repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscriptPathAndMessages(t *testing.T) {
	projects := t.TempDir()
	a := New(Config{ProjectsDir: projects})
	path := writeTranscript(t, projects, "sess-1",
		`{"type":"summary","summary":"x"}`,
		`{"type":"user","message":{"role":"user","content":"one"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"two"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Task","input":{"description":"sub"}}]}}`,
	)

	got, err := a.TranscriptPath(context.Background(), "sess-1")
	if err != nil || got != path {
		t.Fatalf("TranscriptPath = %q, %v; want %q", got, err, path)
	}
	if missing, err := a.TranscriptPath(context.Background(), "nope"); err != nil || missing != "" {
		t.Fatalf("TranscriptPath(missing) = %q, %v", missing, err)
	}
	if _, err := a.TranscriptPath(context.Background(), "../etc"); err == nil {
		t.Fatal("expected invalid id error")
	}

	page, err := a.GetMessages(context.Background(), "sess-1", provider.PageOptions{Limit: 2})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if page.TotalMessages != 3 || !page.HasMore || page.OldestIndex != 1 {
		t.Fatalf("page = total %d hasMore %v oldest %d", page.TotalMessages, page.HasMore, page.OldestIndex)
	}
	if page.Messages[0].Text() != "two" || page.Messages[0].Index != 1 {
		t.Errorf("first message = %+v", page.Messages[0])
	}
	if diff := cmp.Diff([]provider.SubTask{{ToolUseID: "t1", Description: "sub", Index: 2}}, page.Tasks); diff != "" {
		t.Errorf("Tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestTranscriptRejectsSymlink(t *testing.T) {
	projects := t.TempDir()
	real := writeTranscript(t, projects, "real", `{"type":"user","message":{"content":"x"}}`)
	if err := os.Symlink(real, filepath.Join(filepath.Dir(real), "link.jsonl")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	a := New(Config{ProjectsDir: projects})
	if _, err := a.TranscriptPath(context.Background(), "link"); err == nil {
		t.Fatal("expected symlink to be rejected")
	}
}

// fakeCLI writes a shell script that plays the CLI side of one run. It
// records stdin lines to a file so the test can inspect what was sent.
func fakeCLI(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	stdinLog := filepath.Join(dir, "stdin.log")
	script := "#!/bin/sh\nLOG=" + stdinLog + "\nread -r prompt\necho \"$prompt\" >> \"$LOG\"\n" + body
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, stdinLog
}

func drain(t *testing.T, s *provider.Stream) []domain.Message {
	t.Helper()
	var out []domain.Message
	for s.Next() {
		out = append(out, s.Current())
	}
	return out
}

func TestRunStreamsMessages(t *testing.T) {
	cli, stdinLog := fakeCLI(t, `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-42","slash_commands":["compact"]}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"let me "}}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"see"}}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hi there"}]}}
{"type":"result","subtype":"success","session_id":"sess-42","total_cost_usd":0.5,"num_turns":1,"result":"Hi there"}
EOF
`)
	a := New(Config{Command: cli, ProjectsDir: t.TempDir()})

	var reasoning string
	var commands []string
	stream, err := a.Run(context.Background(), provider.RunOptions{
		Prompt:      "Hello",
		TaskID:      "pending-1",
		OnReasoning: func(f string) { reasoning += f },
		OnCommands:  func(c []string) { commands = c },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	msgs := drain(t, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(msgs) != 2 || msgs[0].Text() != "Hello" || msgs[1].Text() != "Hi there" {
		t.Fatalf("messages = %+v", msgs)
	}
	if diff := cmp.Diff(provider.RunResult{ProviderTaskID: "sess-42", CostUSD: 0.5, Turns: 1}, stream.Result()); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if reasoning != "let me see" {
		t.Errorf("reasoning = %q", reasoning)
	}
	if diff := cmp.Diff([]string{"/compact"}, commands); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	sent, err := os.ReadFile(stdinLog)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(sent), `"content":"Hello"`) {
		t.Errorf("prompt not sent as stream-json: %s", sent)
	}
}

func TestRunAnswersPermissionRequest(t *testing.T) {
	cli, stdinLog := fakeCLI(t, `echo '{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_use_id":"toolu_1","input":{"command":"ls"}}}'
read -r answer
echo "$answer" >> "$LOG"
echo '{"type":"result","subtype":"success","session_id":"s","num_turns":1}'
`)
	a := New(Config{Command: cli, ProjectsDir: t.TempDir()})

	var asked provider.ApprovalRequest
	stream, err := a.Run(context.Background(), provider.RunOptions{
		Prompt: "list files",
		Approve: func(ctx context.Context, req provider.ApprovalRequest) (provider.ApprovalDecision, error) {
			asked = req
			return provider.Deny("not now"), nil
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	drain(t, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if asked.ToolName != "Bash" || asked.CallID != "toolu_1" {
		t.Errorf("approval request = %+v", asked)
	}

	sent, err := os.ReadFile(stdinLog)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(sent)), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdin lines = %q", lines)
	}
	var resp controlResponse
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatalf("bad control response %q: %v", lines[1], err)
	}
	want := controlResponse{Type: "control_response", Response: controlEnvelope{
		Subtype: "success", RequestID: "r1",
		Response: permissionDecision{Behavior: "deny", Message: "not now"},
	}}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("control response mismatch (-want +got):\n%s", diff)
	}
}

func TestRunErrorResult(t *testing.T) {
	cli, _ := fakeCLI(t, `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"s9","result":"boom"}'
`)
	a := New(Config{Command: cli, ProjectsDir: t.TempDir()})
	stream, err := a.Run(context.Background(), provider.RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	drain(t, stream)
	if err := stream.Err(); err == nil || err.Error() != "boom" {
		t.Fatalf("stream error = %v, want boom", err)
	}
	if stream.Result().ProviderTaskID != "s9" {
		t.Errorf("ProviderTaskID = %q", stream.Result().ProviderTaskID)
	}
}

func TestRunWithoutResultOpensBreaker(t *testing.T) {
	cli, _ := fakeCLI(t, "exit 3\n")
	a := New(Config{Command: cli, ProjectsDir: t.TempDir()})
	a.breaker = circuit.NewBreaker(1, time.Minute)

	stream, err := a.Run(context.Background(), provider.RunOptions{Prompt: "x"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	drain(t, stream)
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), ErrNoResult.Error()) {
		t.Fatalf("stream error = %v, want ErrNoResult", err)
	}
	if _, err := a.Run(context.Background(), provider.RunOptions{Prompt: "x"}); err == nil {
		t.Fatal("expected open breaker to refuse the next run")
	}
}

func TestRunCancelled(t *testing.T) {
	cli, _ := fakeCLI(t, `echo '{"type":"system","subtype":"init","session_id":"s-cancel"}'
exec sleep 30
`)
	a := New(Config{Command: cli, ProjectsDir: t.TempDir(), StopTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	commands := make(chan struct{}, 1)
	stream, err := a.Run(ctx, provider.RunOptions{
		Prompt:     "x",
		OnCommands: func([]string) { commands <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !stream.Next() {
		t.Fatal("expected the user message")
	}
	select {
	case <-commands:
	case <-time.After(5 * time.Second):
		t.Fatal("init line never arrived")
	}
	cancel()
	drain(t, stream)
	if err := stream.Err(); err == nil {
		t.Fatal("expected cancellation error")
	}
	if stream.Result().ProviderTaskID != "s-cancel" {
		t.Errorf("ProviderTaskID = %q, want s-cancel", stream.Result().ProviderTaskID)
	}
}
