package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider/circuit"
)

// entry is the router state of one task. Every field is guarded by mu.
type entry struct {
	mu sync.Mutex

	id    string
	cache []domain.Message
	subs  map[string]Conn
	mode  Mode

	path      string
	offset    int64
	partial   []byte
	truncated bool

	reasoning strings.Builder
	breaker   *circuit.Breaker

	// removed is set once the entry left the router map; holders of a stale
	// pointer must look the id up again.
	removed bool
}

func newEntry(id string, threshold int, cooldown time.Duration) *entry {
	return &entry{
		id:      id,
		subs:    make(map[string]Conn),
		mode:    ModeIdle,
		breaker: circuit.NewBreaker(threshold, cooldown),
	}
}

func (e *entry) removableLocked() bool {
	return len(e.subs) == 0 && len(e.cache) == 0 && e.mode != ModePush
}

// appendLocked stores msg at the next index and broadcasts it.
func (e *entry) appendLocked(msg domain.Message, logger *slog.Logger) domain.Message {
	msg = msg.Clone()
	msg.Index = len(e.cache)
	e.cache = append(e.cache, msg)
	if msg.HasReasoning() {
		e.reasoning.Reset()
	}
	e.broadcastLocked(domain.NewMessageEvent(e.id, msg), logger)
	return msg
}

func (e *entry) broadcastLocked(ev domain.Event, logger *slog.Logger) {
	for id, c := range e.subs {
		if err := c.Send(ev); err != nil {
			logger.Debug("dropping subscriber", "task", e.id, "conn", id, "err", err)
			delete(e.subs, id)
		}
	}
}
