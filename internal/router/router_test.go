package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/echo"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []domain.Event
	fail   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection closed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = v
}

func (c *fakeConn) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func (c *fakeConn) types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range c.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) messageIndices() []int {
	var out []int
	for _, ev := range c.snapshot() {
		if m, ok := ev.Message(); ok {
			out = append(out, m.Index)
		}
	}
	return out
}

type harness struct {
	router *Router
	store  *transcript.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := transcript.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	adapter := echo.New(echo.Config{Store: store})
	r := New(Config{Lookup: provider.Single(adapter), SeedPageSize: 2})
	return &harness{router: r, store: store}
}

func text(role domain.Role, s string) domain.Message {
	m := domain.NewTextMessage(role, s)
	m.Index = 42
	return m
}

func assertContiguous(t *testing.T, indices []int) {
	t.Helper()
	for i, idx := range indices {
		if idx != i {
			t.Fatalf("indices not contiguous: %v", indices)
		}
	}
}

func TestSubscribe_NonexistentTask(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn("c1")

	if err := h.router.Subscribe(context.Background(), "missing-task", conn, 50); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	events := conn.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected only replay_complete, got %v", conn.types())
	}
	rc, ok := events[0].ReplayComplete()
	if !ok || rc.TotalMessages != 0 || rc.OldestIndex != 0 {
		t.Fatalf("unexpected replay_complete: %+v", events[0])
	}
}

func TestPushMessage_AssignsIndicesAndFansOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("t1", ModePush)

	a, b := newFakeConn("a"), newFakeConn("b")
	if err := h.router.Subscribe(ctx, "t1", a, 0); err != nil {
		t.Fatalf("Subscribe a failed: %v", err)
	}
	if err := h.router.Subscribe(ctx, "t1", b, 0); err != nil {
		t.Fatalf("Subscribe b failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.router.PushMessage("t1", text(domain.RoleAssistant, fmt.Sprint(i))); err != nil {
			t.Fatalf("PushMessage failed: %v", err)
		}
	}

	for _, c := range []*fakeConn{a, b} {
		indices := c.messageIndices()
		if len(indices) != 3 {
			t.Fatalf("%s got %d messages, want 3", c.id, len(indices))
		}
		assertContiguous(t, indices)
	}
}

func TestBroadcast_DropsFailingConn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("t1", ModePush)

	good, bad := newFakeConn("good"), newFakeConn("bad")
	_ = h.router.Subscribe(ctx, "t1", good, 0)
	_ = h.router.Subscribe(ctx, "t1", bad, 0)
	bad.setFail(true)

	if _, err := h.router.PushMessage("t1", text(domain.RoleAssistant, "one")); err != nil {
		t.Fatalf("PushMessage failed: %v", err)
	}
	if got := h.router.SubscriberCount("t1"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	bad.setFail(false)
	if _, err := h.router.PushMessage("t1", text(domain.RoleAssistant, "two")); err != nil {
		t.Fatalf("PushMessage failed: %v", err)
	}
	if n := len(bad.messageIndices()); n != 0 {
		t.Fatalf("dropped conn received %d messages", n)
	}
	if n := len(good.messageIndices()); n != 2 {
		t.Fatalf("good conn received %d messages, want 2", n)
	}
}

func TestPushMessage_RequiresPushMode(t *testing.T) {
	h := newHarness(t)
	if _, err := h.router.PushMessage("nope", text(domain.RoleUser, "x")); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("error = %v, want ErrEntryNotFound", err)
	}
	h.router.SetMode("t1", ModeIdle)
	if _, err := h.router.PushMessage("t1", text(domain.RoleUser, "x")); !errors.Is(err, ErrNotPushMode) {
		t.Fatalf("error = %v, want ErrNotPushMode", err)
	}
}

func TestSubscribe_ReplaysLimitThenComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("t1", ModePush)
	for i := 0; i < 5; i++ {
		_, _ = h.router.PushMessage("t1", text(domain.RoleAssistant, fmt.Sprint(i)))
	}

	conn := newFakeConn("late")
	if err := h.router.Subscribe(ctx, "t1", conn, 2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	events := conn.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 2 messages + replay_complete, got %v", conn.types())
	}
	if got := conn.messageIndices(); got[0] != 3 || got[1] != 4 {
		t.Fatalf("replayed indices = %v, want [3 4]", got)
	}
	rc, _ := events[2].ReplayComplete()
	if rc.TotalMessages != 5 || rc.OldestIndex != 3 {
		t.Fatalf("replay_complete = %+v, want {5 3}", rc)
	}
}

func TestSubscribe_ReplayBeforeLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("t1", ModePush)
	for i := 0; i < 20; i++ {
		_, _ = h.router.PushMessage("t1", text(domain.RoleAssistant, "pre"))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = h.router.PushMessage("t1", text(domain.RoleAssistant, "live"))
		}
	}()

	conns := make([]*fakeConn, 10)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
		if err := h.router.Subscribe(ctx, "t1", conns[i], 0); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	wg.Wait()

	for _, c := range conns {
		replayed := 0
		var complete *domain.ReplayCompleteData
		for _, ev := range c.snapshot() {
			if rc, ok := ev.ReplayComplete(); ok {
				complete = &rc
				break
			}
			replayed++
		}
		if complete == nil {
			t.Fatalf("%s never saw replay_complete", c.id)
		}
		// Everything before replay_complete is the replay, and nothing live
		// slipped in ahead of it.
		if replayed != complete.TotalMessages {
			t.Fatalf("%s got %d events before replay_complete, want %d", c.id, replayed, complete.TotalMessages)
		}
		indices := c.messageIndices()
		if len(indices) != 220 {
			t.Fatalf("%s saw %d messages, want 220", c.id, len(indices))
		}
		assertContiguous(t, indices)
	}
}

func TestReasoningBuffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("t1", ModePush)

	h.router.PushEvent("t1", domain.NewThinkingDeltaEvent("t1", "let me "))
	h.router.PushEvent("t1", domain.NewThinkingDeltaEvent("t1", "think"))

	late := newFakeConn("late")
	if err := h.router.Subscribe(ctx, "t1", late, 0); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	events := late.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected thinking_delta + replay_complete, got %v", late.types())
	}
	delta, ok := events[0].ThinkingDelta()
	if !ok || delta.Text != "let me think" {
		t.Fatalf("unexpected buffered reasoning: %+v", events[0])
	}

	// A finalized reasoning message clears the buffer.
	_, _ = h.router.PushMessage("t1", domain.NewMessage(domain.RoleAssistant, domain.ThinkingPart("let me think")))
	after := newFakeConn("after")
	_ = h.router.Subscribe(ctx, "t1", after, 0)
	for _, ev := range after.snapshot() {
		if ev.Type == domain.EventTypeThinkingDelta {
			t.Fatal("reasoning buffer should be cleared by a reasoning message")
		}
	}

	// So does a terminal status.
	h.router.PushEvent("t1", domain.NewThinkingDeltaEvent("t1", "more"))
	h.router.PushEvent("t1", domain.NewStatusEvent("t1", domain.TaskStatusCompleted, ""))
	final := newFakeConn("final")
	_ = h.router.Subscribe(ctx, "t1", final, 0)
	for _, ev := range final.snapshot() {
		if ev.Type == domain.EventTypeThinkingDelta {
			t.Fatal("reasoning buffer should be cleared by a terminal status")
		}
	}
}

func TestPushEvent_UnknownTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	h.router.PushEvent("ghost", domain.NewThinkingDeltaEvent("ghost", "x"))
	if _, ok := h.router.Mode("ghost"); ok {
		t.Fatal("PushEvent must not create entries")
	}
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func transcriptLine(text string) string {
	return fmt.Sprintf(`{"type":"message","timestamp":"2026-01-01T00:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":%q}],"index":0}}`, text)
}

func TestTransitionToPoll_ContiguousAcrossModes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const id = "t1"

	conn := newFakeConn("c")
	h.router.SetMode(id, ModePush)
	_ = h.router.Subscribe(ctx, id, conn, 0)

	// The live run writes its transcript and pushes the same messages.
	for _, s := range []string{"a", "b"} {
		m := text(domain.RoleAssistant, s)
		if err := h.store.AppendMessage(id, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		_, _ = h.router.PushMessage(id, m)
	}

	if err := h.router.TransitionToPoll(ctx, id); err != nil {
		t.Fatalf("TransitionToPoll failed: %v", err)
	}
	if mode, _ := h.router.Mode(id); mode != ModePoll {
		t.Fatalf("mode = %s, want poll", mode)
	}

	// Nothing new yet: a poll must not re-read what was pushed.
	h.router.PollOnce(ctx)
	if n := len(conn.messageIndices()); n != 2 {
		t.Fatalf("after idle poll got %d messages, want 2", n)
	}

	path, _ := h.store.Path(id)
	first := transcriptLine("c")
	appendRaw(t, path, first+"\n"+"garbage line\n")
	second := transcriptLine("d")
	appendRaw(t, path, second[:10])
	h.router.PollOnce(ctx)
	if n := len(conn.messageIndices()); n != 3 {
		t.Fatalf("after first poll got %d messages, want 3", n)
	}
	appendRaw(t, path, second[10:]+"\n")
	h.router.PollOnce(ctx)

	// Back to push for a follow-up run.
	h.router.SetMode(id, ModePush)
	_, _ = h.router.PushMessage(id, text(domain.RoleUser, "e"))

	indices := conn.messageIndices()
	if len(indices) != 5 {
		t.Fatalf("got %d messages, want 5", len(indices))
	}
	assertContiguous(t, indices)

	var texts []string
	for _, m := range h.router.Messages(id) {
		texts = append(texts, m.Text())
	}
	if got := strings.Join(texts, ""); got != "abcde" {
		t.Fatalf("cached texts = %q, want abcde", got)
	}
}

func TestPoll_MissingTranscriptResetsOffset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const id = "t2"

	if err := h.store.AppendMessage(id, text(domain.RoleUser, "x")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	h.router.SetMode(id, ModePush)
	if err := h.router.TransitionToPoll(ctx, id); err != nil {
		t.Fatalf("TransitionToPoll failed: %v", err)
	}
	path, _ := h.store.Path(id)
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	h.router.PollOnce(ctx)

	conn := newFakeConn("c")
	_ = h.router.Subscribe(ctx, id, conn, 0)
	appendRaw(t, path, transcriptLine("reborn")+"\n")
	h.router.PollOnce(ctx)

	msgs := h.router.Messages(id)
	if len(msgs) != 1 || msgs[0].Text() != "reborn" {
		t.Fatalf("expected recreated transcript to be read from the start, got %+v", msgs)
	}
}

func TestSubscribe_SeedsFromTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const id = "history-1"
	for i := 0; i < 5; i++ {
		if err := h.store.AppendMessage(id, text(domain.RoleAssistant, fmt.Sprint(i))); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	conn := newFakeConn("viewer")
	if err := h.router.Subscribe(ctx, id, conn, 3); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := conn.messageIndices(); len(got) != 3 || got[0] != 2 {
		t.Fatalf("replayed indices = %v, want [2 3 4]", got)
	}
	if n := len(h.router.Messages(id)); n != 5 {
		t.Fatalf("cache holds %d messages, want the full transcript of 5", n)
	}
	if mode, _ := h.router.Mode(id); mode != ModePoll {
		t.Fatalf("history entry mode = %s, want poll", mode)
	}

	path, _ := h.store.Path(id)
	appendRaw(t, path, transcriptLine("5")+"\n")
	h.router.PollOnce(ctx)
	got := conn.messageIndices()
	if got[len(got)-1] != 5 {
		t.Fatalf("tailed message index = %d, want 5", got[len(got)-1])
	}
}

func TestRemap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.SetMode("tmp", ModePush)
	conn := newFakeConn("c")
	_ = h.router.Subscribe(ctx, "tmp", conn, 0)
	_, _ = h.router.PushMessage("tmp", text(domain.RoleUser, "hi"))

	if err := h.router.Remap("tmp", "native"); err != nil {
		t.Fatalf("Remap failed: %v", err)
	}
	if err := h.router.Remap("unknown", "x"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Remap(unknown) error = %v, want ErrEntryNotFound", err)
	}
	if n := len(h.router.Messages("native")); n != 1 {
		t.Fatalf("native has %d messages, want 1", n)
	}
	if got := h.router.Resolve("tmp"); got != "native" {
		t.Fatalf("Resolve(tmp) = %q, want native", got)
	}
	if _, err := h.router.PushMessage("tmp", text(domain.RoleAssistant, "via alias")); err != nil {
		t.Fatalf("PushMessage via old id failed: %v", err)
	}
	if h.router.SubscriberCount("native") != 1 {
		t.Fatal("subscriber should move with the entry")
	}
	assertContiguous(t, conn.messageIndices())
}

func TestRemap_UnwatchesReplacedEntry(t *testing.T) {
	h := newHarness(t)
	w, err := newWatcher(h.router.logger)
	if err != nil {
		t.Fatalf("newWatcher failed: %v", err)
	}
	t.Cleanup(w.close)
	h.router.watcher.Store(w)
	ctx := context.Background()

	if err := h.store.AppendMessage("native", text(domain.RoleUser, "earlier")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	h.router.SetMode("native", ModePush)
	if err := h.router.TransitionToPoll(ctx, "native"); err != nil {
		t.Fatalf("TransitionToPoll failed: %v", err)
	}
	path, _ := h.store.Path("native")
	path = filepath.Clean(path)
	if !w.watched(path) {
		t.Fatal("transcript should be watched once polled")
	}

	h.router.SetMode("tmp", ModePush)
	if err := h.router.Remap("tmp", "native"); err != nil {
		t.Fatalf("Remap failed: %v", err)
	}
	if w.watched(path) {
		t.Fatal("replaced entry's transcript is still watched")
	}

	if err := h.router.TransitionToPoll(ctx, "native"); err != nil {
		t.Fatalf("TransitionToPoll failed: %v", err)
	}
	if !w.watched(path) {
		t.Fatal("moved entry should watch the transcript again")
	}
}

// queueConn drops on Send once limit events are queued, like a live transport
// queue, but takes any number of events through Replay.
type queueConn struct {
	fakeConn
	limit    int
	replayed int
}

func (c *queueConn) Send(ev domain.Event) error {
	c.mu.Lock()
	full := len(c.events) >= c.limit
	c.mu.Unlock()
	if full {
		return errors.New("queue full")
	}
	return c.fakeConn.Send(ev)
}

func (c *queueConn) Replay(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.replayed++
	c.mu.Unlock()
	return c.fakeConn.Send(ev)
}

func TestSubscribe_ReplaysBeyondLiveQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 200
	h.router.SetMode("long", ModePush)
	for i := 0; i < n; i++ {
		_, _ = h.router.PushMessage("long", text(domain.RoleAssistant, fmt.Sprintf("m%d", i)))
	}

	conn := &queueConn{fakeConn: fakeConn{id: "c"}, limit: 16}
	if err := h.router.Subscribe(ctx, "long", conn, 0); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if conn.replayed != n+1 {
		t.Fatalf("replayed %d events, want %d", conn.replayed, n+1)
	}
	indices := conn.messageIndices()
	if len(indices) != n {
		t.Fatalf("got %d messages, want %d", len(indices), n)
	}
	assertContiguous(t, indices)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	late := &queueConn{fakeConn: fakeConn{id: "late"}, limit: 16}
	if err := h.router.Subscribe(cancelled, "long", late, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe with cancelled ctx = %v, want context.Canceled", err)
	}
	if h.router.SubscriberCount("long") != 1 {
		t.Fatal("failed replay must not subscribe the connection")
	}
}

func TestUnsubscribe_RemovesEmptyEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := newFakeConn("c")
	_ = h.router.Subscribe(ctx, "empty", conn, 0)
	h.router.Unsubscribe("empty", conn)
	if _, ok := h.router.Mode("empty"); ok {
		t.Fatal("empty entry should be removed once its last subscriber leaves")
	}

	h.router.SetMode("busy", ModePush)
	_ = h.router.Subscribe(ctx, "busy", conn, 0)
	h.router.Unsubscribe("busy", conn)
	if _, ok := h.router.Mode("busy"); !ok {
		t.Fatal("push-mode entry must survive its subscribers")
	}

	h.router.Evict("busy")
	if _, ok := h.router.Mode("busy"); ok {
		t.Fatal("Evict should remove the entry")
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	store, _ := transcript.NewStore(t.TempDir())
	r := New(Config{Lookup: provider.Single(echo.New(echo.Config{Store: store})), PollInterval: 10 * time.Millisecond, Watch: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	const id = "watched"
	r.SetMode(id, ModePush)
	if err := store.AppendMessage(id, text(domain.RoleUser, "seed")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := r.TransitionToPoll(ctx, id); err != nil {
		t.Fatalf("TransitionToPoll failed: %v", err)
	}
	path, _ := store.Path(id)
	appendRaw(t, path, transcriptLine("tail")+"\n")

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Messages(id)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(r.Messages(id)); n != 1 {
		t.Fatalf("poll loop picked up %d messages, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
