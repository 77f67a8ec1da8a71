package router

import (
	"context"
	"fmt"
	"os"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

// Subscribe replays the most recent limit messages (0 means all) to conn,
// then any buffered reasoning text, then replay_complete, and only then adds
// conn to the live subscriber set. No live message can reach conn before
// replay_complete because all of this happens under the entry lock.
//
// An empty cache is seeded from the adapter's transcript first. A task with
// no transcript replays nothing and still completes successfully.
func (r *Router) Subscribe(ctx context.Context, taskID string, conn Conn, limit int) error {
	for {
		e := r.getOrCreate(taskID)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		err := r.subscribeLocked(ctx, e, conn, limit)
		e.mu.Unlock()
		return err
	}
}

func (r *Router) subscribeLocked(ctx context.Context, e *entry, conn Conn, limit int) error {
	if len(e.cache) == 0 && e.mode != ModePush {
		r.seedLocked(ctx, e)
	}

	send := conn.Send
	if rp, ok := conn.(Replayer); ok {
		send = func(ev domain.Event) error { return rp.Replay(ctx, ev) }
	}

	start := 0
	if limit > 0 && len(e.cache) > limit {
		start = len(e.cache) - limit
	}
	for _, m := range e.cache[start:] {
		if err := send(domain.NewMessageEvent(e.id, m.Clone())); err != nil {
			return fmt.Errorf("replay to %s: %w", conn.ID(), err)
		}
	}
	if e.reasoning.Len() > 0 {
		if err := send(domain.NewThinkingDeltaEvent(e.id, e.reasoning.String())); err != nil {
			return fmt.Errorf("replay to %s: %w", conn.ID(), err)
		}
	}
	if err := send(domain.NewReplayCompleteEvent(e.id, len(e.cache), start)); err != nil {
		return fmt.Errorf("replay to %s: %w", conn.ID(), err)
	}

	e.subs[conn.ID()] = conn
	return nil
}

// seedLocked loads the complete transcript into the cache, re-indexed from
// zero. An idle entry with a transcript starts tailing it.
func (r *Router) seedLocked(ctx context.Context, e *entry) {
	a := r.adapterFor(ctx, e.id)
	if a == nil {
		return
	}

	var all []domain.Message
	var before *int
	for {
		page, err := a.GetMessages(ctx, e.id, provider.PageOptions{Before: before, Limit: r.seedPageSize})
		if err != nil {
			r.logger.Warn("transcript read failed", "task", e.id, "err", err)
			break
		}
		all = append(page.Messages, all...)
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
		if before != nil && page.OldestIndex >= *before {
			break
		}
		oldest := page.OldestIndex
		before = &oldest
	}

	for i := range all {
		all[i].Index = i
	}
	e.cache = append(e.cache, all...)

	if e.mode != ModeIdle {
		return
	}
	if e.path == "" {
		e.path = r.resolvePath(ctx, e.id)
	}
	if e.path == "" {
		return
	}
	if info, err := os.Stat(e.path); err == nil {
		e.offset = info.Size()
		e.partial = nil
		e.mode = ModePoll
		r.watchPath(e.path)
	}
}
