package service

import (
	"context"
	"time"
)

// Run evicts idle tasks every SweepInterval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Sweep(o.now())
		}
	}
}

// Sweep removes tasks that finished more than IdleTTL before now and have no
// viewers. It returns the evicted ids.
func (o *Orchestrator) Sweep(now time.Time) []string {
	var evicted []string
	for _, t := range o.registry.List() {
		s := t.Snapshot()
		if !s.Status.IsTerminal() || s.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(s.FinishedAt) < o.idleTTL {
			continue
		}
		if o.router.SubscriberCount(s.ID) > 0 {
			continue
		}
		o.evict(s.ID)
		evicted = append(evicted, s.ID)
	}
	if len(evicted) > 0 {
		o.logger.Debug("sweep evicted tasks", "count", len(evicted))
	}
	return evicted
}
