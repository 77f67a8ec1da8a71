package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// Run drives the poll loop until ctx ends. One ticker serves every entry;
// transcript writes seen by the watcher trigger an early cycle.
func (r *Router) Run(ctx context.Context) error {
	if r.watch {
		w, err := newWatcher(r.logger)
		if err != nil {
			r.logger.Warn("file watching disabled", "err", err)
		} else {
			r.watcher.Store(w)
			defer func() {
				r.watcher.Store(nil)
				w.close()
			}()
			go w.run(ctx, r.poke)
		}
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.PollOnce(ctx)
		case <-r.nudge:
			r.PollOnce(ctx)
		}
	}
}

func (r *Router) poke() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// PollOnce runs a single poll cycle over a snapshot of the entries.
func (r *Router) PollOnce(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		if e.mode == ModePoll && !e.removed {
			r.pollEntryLocked(ctx, e)
		}
		e.mu.Unlock()
	}
}

func (r *Router) pollEntryLocked(ctx context.Context, e *entry) {
	if !e.breaker.Allow() {
		return
	}
	if e.path == "" {
		e.path = r.resolvePath(ctx, e.id)
		if e.path == "" {
			return
		}
		r.watchPath(e.path)
	}

	chunk, err := readFrom(e.path, e.offset)
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.offset = 0
		e.partial = nil
		return
	case errors.Is(err, errTruncated):
		if !e.truncated {
			r.logger.Warn("transcript shrank below consumed offset", "task", e.id, "path", e.path, "offset", e.offset)
			e.truncated = true
		}
		return
	case err != nil:
		if e.breaker.RecordFailure() {
			r.logger.Warn("transcript reads suspended", "task", e.id, "path", e.path, "err", err, "cooldown", r.failureCooldown)
		} else {
			r.logger.Warn("transcript read failed", "task", e.id, "path", e.path, "err", err)
		}
		return
	}
	e.breaker.RecordSuccess()
	e.truncated = false
	if len(chunk) == 0 {
		return
	}
	e.offset += int64(len(chunk))

	data := chunk
	if len(e.partial) > 0 {
		data = append(e.partial, chunk...)
	}
	lines := bytes.Split(data, []byte{'\n'})
	tail := lines[len(lines)-1]
	e.partial = append([]byte(nil), tail...)

	a := r.adapterFor(ctx, e.id)
	if a == nil {
		return
	}
	for _, line := range lines[:len(lines)-1] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, ok := a.NormalizeLine(line, len(e.cache))
		if !ok {
			continue
		}
		e.appendLocked(msg, r.logger)
	}
}

var errTruncated = errors.New("transcript truncated")

// readFrom returns the bytes of path past offset.
func readFrom(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < offset {
		return nil, errTruncated
	}
	if size == offset {
		return nil, nil
	}
	buf := make([]byte, size-offset)
	n, err := io.ReadFull(io.NewSectionReader(f, offset, size-offset), buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:n], nil
}
