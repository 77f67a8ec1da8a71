// Package router keeps the per-task message history and fans it out to
// subscribed connections. It reconciles two sources into one ordered view:
// messages pushed by a live run, and lines appended to the task's transcript
// after the run has ended.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

type Mode string

const (
	ModeIdle Mode = "idle"
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

var (
	ErrEntryNotFound = errors.New("router entry not found")
	ErrNotPushMode   = errors.New("router entry is not in push mode")
)

// Conn is one subscribed viewer. Send must not block; an error removes the
// connection from every broadcast that follows.
type Conn interface {
	ID() string
	Send(ev domain.Event) error
}

// Replayer is implemented by connections whose Send drops on a full queue.
// Subscribe delivers the replay through Replay instead, which may wait for
// the connection to drain until ctx ends.
type Replayer interface {
	Replay(ctx context.Context, ev domain.Event) error
}

type Config struct {
	Lookup provider.Lookup

	PollInterval time.Duration
	// SeedPageSize is the page size used to load a transcript into an empty
	// cache.
	SeedPageSize int

	// FailureThreshold consecutive read errors skip an entry for
	// FailureCooldown.
	FailureThreshold int
	FailureCooldown  time.Duration

	// Watch enables fsnotify nudges of the poll loop.
	Watch bool

	Logger *slog.Logger
}

const (
	DefaultPollInterval     = 200 * time.Millisecond
	DefaultSeedPageSize     = 200
	DefaultFailureThreshold = 5
	DefaultFailureCooldown  = 10 * time.Second
)

type Router struct {
	mu      sync.Mutex
	entries map[string]*entry
	aliases map[string]string

	lookup           provider.Lookup
	pollInterval     time.Duration
	seedPageSize     int
	failureThreshold int
	failureCooldown  time.Duration
	watch            bool
	logger           *slog.Logger

	nudge chan struct{}
	// watcher is read while entry locks are held, so it is not guarded by mu.
	watcher atomic.Pointer[watcher]
}

func New(cfg Config) *Router {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SeedPageSize <= 0 {
		cfg.SeedPageSize = DefaultSeedPageSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = DefaultFailureCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		entries:          make(map[string]*entry),
		aliases:          make(map[string]string),
		lookup:           cfg.Lookup,
		pollInterval:     cfg.PollInterval,
		seedPageSize:     cfg.SeedPageSize,
		failureThreshold: cfg.FailureThreshold,
		failureCooldown:  cfg.FailureCooldown,
		watch:            cfg.Watch,
		logger:           cfg.Logger.With("component", "router"),
		nudge:            make(chan struct{}, 1),
	}
}

// canonicalLocked follows remap aliases. Callers hold r.mu.
func (r *Router) canonicalLocked(taskID string) string {
	for i := 0; i < 8; i++ {
		next, ok := r.aliases[taskID]
		if !ok {
			break
		}
		taskID = next
	}
	return taskID
}

func (r *Router) get(taskID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[r.canonicalLocked(taskID)]
}

// getOrCreate never performs I/O, so concurrent subscribers of a new id
// always share one entry.
func (r *Router) getOrCreate(taskID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.canonicalLocked(taskID)
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := newEntry(id, r.failureThreshold, r.failureCooldown)
	r.entries[id] = e
	return e
}

func (r *Router) adapterFor(ctx context.Context, taskID string) provider.Adapter {
	if r.lookup == nil {
		return nil
	}
	return r.lookup.ForTask(ctx, taskID)
}

func (r *Router) resolvePath(ctx context.Context, taskID string) string {
	a := r.adapterFor(ctx, taskID)
	if a == nil {
		return ""
	}
	path, err := a.TranscriptPath(ctx, taskID)
	if err != nil {
		r.logger.Debug("transcript path lookup failed", "task", taskID, "err", err)
		return ""
	}
	return path
}

// PushMessage appends a live message. The router assigns its index.
func (r *Router) PushMessage(taskID string, msg domain.Message) (domain.Message, error) {
	e := r.get(taskID)
	if e == nil {
		return msg, fmt.Errorf("%w: %s", ErrEntryNotFound, taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModePush {
		return msg, fmt.Errorf("%w: %s is %s", ErrNotPushMode, taskID, e.mode)
	}
	return e.appendLocked(msg, r.logger), nil
}

// PushEvent broadcasts an ephemeral event. Events for unknown tasks are
// dropped.
func (r *Router) PushEvent(taskID string, ev domain.Event) {
	e := r.get(taskID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if delta, ok := ev.ThinkingDelta(); ok {
		e.reasoning.WriteString(delta.Text)
	} else if ev.IsTerminalStatus() {
		e.reasoning.Reset()
	}
	e.broadcastLocked(ev, r.logger)
}

// SetMode creates the entry when it does not exist yet.
func (r *Router) SetMode(taskID string, mode Mode) {
	e := r.getOrCreate(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	if mode != ModePoll {
		e.partial = nil
	}
}

// TransitionToPoll switches an entry to transcript tailing. Only bytes
// written to the transcript after this call are read by the poll loop.
func (r *Router) TransitionToPoll(ctx context.Context, taskID string) error {
	e := r.get(taskID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.transitionToPollLocked(ctx, e)
	return nil
}

func (r *Router) transitionToPollLocked(ctx context.Context, e *entry) {
	if e.path == "" {
		e.path = r.resolvePath(ctx, e.id)
	}
	var size int64
	if e.path != "" {
		info, err := os.Stat(e.path)
		switch {
		case err == nil:
			size = info.Size()
		case !errors.Is(err, os.ErrNotExist):
			r.logger.Warn("transcript stat failed", "task", e.id, "path", e.path, "err", err)
		}
		r.watchPath(e.path)
	}
	e.offset = size
	e.partial = nil
	e.truncated = false
	e.mode = ModePoll
}

// Remap moves an entry to the id the provider issued. The old id keeps
// resolving to the moved entry.
func (r *Router) Remap(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.canonicalLocked(oldID)
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, oldID)
	}
	if id == newID {
		return nil
	}

	var stale []string
	if existing, ok := r.entries[newID]; ok {
		existing.mu.Lock()
		subs := existing.subs
		existing.subs = nil
		existing.removed = true
		if existing.path != "" {
			stale = append(stale, existing.path)
		}
		existing.mu.Unlock()
		e.mu.Lock()
		for cid, c := range subs {
			e.subs[cid] = c
		}
		e.mu.Unlock()
	}

	delete(r.entries, id)
	r.entries[newID] = e
	delete(r.aliases, newID)
	r.aliases[id] = newID

	e.mu.Lock()
	e.id = newID
	if e.path != "" {
		stale = append(stale, e.path)
	}
	e.path = ""
	e.mu.Unlock()

	for _, path := range stale {
		r.unwatchPath(path)
	}
	return nil
}

// Evict drops an entry regardless of subscribers or cache.
func (r *Router) Evict(taskID string) {
	r.mu.Lock()
	id := r.canonicalLocked(taskID)
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	for alias, target := range r.aliases {
		if target == id {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	path := e.path
	e.mu.Unlock()
	if path != "" {
		r.unwatchPath(path)
	}
}

func (r *Router) Unsubscribe(taskID string, conn Conn) {
	e := r.get(taskID)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.subs, conn.ID())
	removable := e.removableLocked()
	e.mu.Unlock()
	if !removable {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removableLocked() || r.entries[e.id] != e {
		return
	}
	delete(r.entries, e.id)
	e.removed = true
}

func (r *Router) SubscriberCount(taskID string) int {
	e := r.get(taskID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Messages returns a copy of the cached messages.
func (r *Router) Messages(taskID string) []domain.Message {
	e := r.get(taskID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Message, len(e.cache))
	for i, m := range e.cache {
		out[i] = m.Clone()
	}
	return out
}

func (r *Router) Mode(taskID string) (Mode, bool) {
	e := r.get(taskID)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode, true
}

// Page paginates the cache. It reports false when nothing is cached so the
// caller can fall back to the adapter's transcript.
func (r *Router) Page(taskID string, opts provider.PageOptions) (provider.Page, bool) {
	e := r.get(taskID)
	if e == nil {
		return provider.Page{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) == 0 {
		return provider.Page{}, false
	}
	return provider.Paginate(e.cache, opts), true
}

// Resolve returns the id an entry is currently stored under.
func (r *Router) Resolve(taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canonicalLocked(taskID)
}
