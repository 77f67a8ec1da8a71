// Package circuit stops retrying an operation that keeps failing until a
// cooldown has passed.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit open")

// Breaker opens after threshold consecutive failures and stays open for the
// cooldown period. A success closes it and clears the count.
type Breaker struct {
	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	failureCount   int
	cooldownUntil  time.Time
	now            func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
	}
}

// RecordFailure returns true when this failure opened the breaker.
func (cb *Breaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.cooldownUntil = cb.now().Add(cb.cooldownPeriod)
		cb.failureCount = 0
		return true
	}
	return false
}

func (cb *Breaker) RecordSuccess() {
	cb.Reset()
}

// Allow reports whether the guarded operation may run now.
func (cb *Breaker) Allow() bool {
	return !cb.IsInCooldown()
}

func (cb *Breaker) IsInCooldown() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.now().Before(cb.cooldownUntil)
}

// Check returns ErrOpen, with the time left, while the breaker is open.
func (cb *Breaker) Check() error {
	if remaining := cb.CooldownRemaining(); remaining > 0 {
		return fmt.Errorf("%w: retry in %v", ErrOpen, remaining.Round(time.Second))
	}
	return nil
}

// CooldownRemaining is 0 when the breaker is closed.
func (cb *Breaker) CooldownRemaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now := cb.now(); now.Before(cb.cooldownUntil) {
		return cb.cooldownUntil.Sub(now)
	}
	return 0
}

func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.cooldownUntil = time.Time{}
}

func (cb *Breaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
