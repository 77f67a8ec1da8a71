package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestStore_AppendAndReadBack(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendMessage("task-1", domain.NewTextMessage(domain.RoleUser, "Hello world")); err != nil {
		t.Fatalf("AppendMessage #1 failed: %v", err)
	}
	if err := s.AppendMeta("task-1", map[string]string{"responseId": "resp_1"}); err != nil {
		t.Fatalf("AppendMeta failed: %v", err)
	}
	if err := s.AppendMessage("task-1", domain.NewTextMessage(domain.RoleAssistant, "Echo: Hello world")); err != nil {
		t.Fatalf("AppendMessage #2 failed: %v", err)
	}
	if err := s.AppendMeta("task-1", map[string]string{"responseId": "resp_2"}); err != nil {
		t.Fatalf("AppendMeta failed: %v", err)
	}

	msgs, err := s.ReadAll("task-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Index != 0 || msgs[1].Index != 1 {
		t.Fatalf("unexpected indices: %d, %d", msgs[0].Index, msgs[1].Index)
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Text() != "Echo: Hello world" {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}

	got, err := s.Meta("task-1", "responseId")
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if got != "resp_2" {
		t.Fatalf("Meta = %q, want %q", got, "resp_2")
	}
}

func TestStore_CorruptLinesAreCounted(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendMessage("task-2", domain.NewTextMessage(domain.RoleUser, "hi")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir(), "task-2.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString("{not json\n{\"type\":\"message\"}\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	msgs, err := s.ReadAll("task-2")
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
	if corrupt.CorruptLines != 2 {
		t.Fatalf("CorruptLines = %d, want 2", corrupt.CorruptLines)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the good message to survive, got %d", len(msgs))
	}

	page, err := s.Page("task-2", provider.PageOptions{})
	if err != nil {
		t.Fatalf("Page should tolerate corruption: %v", err)
	}
	if page.TotalMessages != 1 {
		t.Fatalf("TotalMessages = %d, want 1", page.TotalMessages)
	}
}

func TestStore_MissingTranscript(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ReadAll("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadAll error = %v, want os.ErrNotExist", err)
	}
	p, err := s.Path("nope")
	if err != nil || p != "" {
		t.Fatalf("Path = %q, %v; want empty", p, err)
	}
	page, err := s.Page("nope", provider.PageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if page.TotalMessages != 0 || len(page.Messages) != 0 || page.HasMore {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestStore_RejectsBadIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../escape", "a/b", "has space"} {
		if err := s.AppendMessage(id, domain.NewTextMessage(domain.RoleUser, "x")); !errors.Is(err, ErrInvalidTaskID) {
			t.Errorf("AppendMessage(%q) error = %v, want ErrInvalidTaskID", id, err)
		}
	}
}

func TestStore_RefusesSymlink(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "elsewhere.jsonl")
	if err := os.WriteFile(target, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(s.Dir(), "linked.jsonl")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := s.Path("linked"); !errors.Is(err, ErrSymlinkNotAllowed) {
		t.Fatalf("Path error = %v, want ErrSymlinkNotAllowed", err)
	}
}

func TestNormalizeLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"message", `{"type":"message","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":[{"type":"text","text":"hi"}],"index":7}}`, true},
		{"meta", `{"type":"meta","timestamp":"2026-01-01T00:00:00Z","meta":{"k":"v"}}`, false},
		{"garbage", `not json`, false},
		{"blank", `   `, false},
		{"message without body", `{"type":"message"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := NormalizeLine([]byte(tt.line), 3)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (msg.Index != 3 || msg.Text() != "hi") {
				t.Fatalf("unexpected message: %+v", msg)
			}
		})
	}
}
