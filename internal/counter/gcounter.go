// Package counter implements the distributed G-Counter rate limiter (C10):
// a grow-only per-actor counter reconciled over a message bus, with fixed
// wall-clock window rollover.
package counter

import (
	"sync"
	"time"
)

// GCounter is a grow-only map actor_id -> value for one (resource, window).
// Merge is pointwise max; value is the sum of all slots (spec.md §3).
type GCounter struct {
	mu     sync.RWMutex
	slots  map[string]uint64
	selfID string
}

func NewGCounter(selfID string) *GCounter {
	return &GCounter{slots: make(map[string]uint64), selfID: selfID}
}

// IncrementSelf grows this node's own slot by delta and returns the new
// slot value. An actor may only increase its own slot (spec.md §4.10).
func (g *GCounter) IncrementSelf(delta uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[g.selfID] += delta
	return g.slots[g.selfID]
}

// SelfValue returns this node's own slot value, for broadcasting deltas.
func (g *GCounter) SelfValue() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.slots[g.selfID]
}

// Merge applies a pointwise max of the given actor's reported slot value.
// Commutative, associative, idempotent regardless of application order —
// satisfies spec.md §8 property 2 (CRDT convergence) and §5's ordering
// guarantee that merges need no ordering.
func (g *GCounter) Merge(actorID string, slotValue uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.slots[actorID]; !ok || slotValue > cur {
		g.slots[actorID] = slotValue
	}
}

// Value returns Σ slots, the counter's current value.
func (g *GCounter) Value() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var sum uint64
	for _, v := range g.slots {
		sum += v
	}
	return sum
}

// Snapshot returns a copy of every actor's slot, for merge-testing and
// for re-seeding a freshly rolled-over counter if desired.
func (g *GCounter) Snapshot() map[string]uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]uint64, len(g.slots))
	for k, v := range g.slots {
		out[k] = v
	}
	return out
}

// DenyResult is returned when an increment is attempted while the counter
// is already at or above its configured limit (spec.md §4.10).
type DenyResult struct {
	CurrentCount   uint64
	RetryAfterSecs int
}

// Window owns one GCounter for a fixed wall-clock-aligned duration and
// enforces the resource limit, replacing itself on rollover (spec.md §3:
// "On window rollover, a fresh counter replaces the old").
type Window struct {
	mu        sync.RWMutex
	resource  string
	duration  time.Duration
	limit     uint64
	selfID    string
	counter   *GCounter
	alignedAt time.Time
}

// NewWindow aligns the first window boundary to a multiple of duration
// since the Unix epoch, so independently-started nodes agree on window
// edges without coordination.
func NewWindow(resource, selfID string, duration time.Duration, limit uint64) *Window {
	w := &Window{resource: resource, duration: duration, limit: limit, selfID: selfID}
	w.rollIfNeeded()
	return w
}

func alignedWindowStart(now time.Time, duration time.Duration) time.Time {
	if duration < time.Second {
		return now
	}
	epoch := now.Unix()
	aligned := epoch - (epoch % int64(duration/time.Second))
	return time.Unix(aligned, 0)
}

func (w *Window) rollIfNeeded() {
	now := time.Now()
	start := alignedWindowStart(now, w.duration)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counter == nil || !start.Equal(w.alignedAt) {
		w.counter = NewGCounter(w.selfID)
		w.alignedAt = start
	}
}

// Increment attempts to grow this node's slot by delta. If the total is
// already at or above the limit, it returns Denied with the current total
// and the seconds remaining in the window, without incrementing; the
// increment that reaches the limit is itself allowed — satisfying the boundary
// law in spec.md §8 ("Counter at exactly the limit: next increment returns
// Denied with current_count == limit").
func (w *Window) Increment(delta uint64) (allowed bool, result DenyResult) {
	w.rollIfNeeded()
	w.mu.RLock()
	c := w.counter
	alignedAt := w.alignedAt
	w.mu.RUnlock()

	current := c.Value()
	if current >= w.limit {
		return false, DenyResult{CurrentCount: current, RetryAfterSecs: w.retryAfter(alignedAt)}
	}
	c.IncrementSelf(delta)
	newVal := c.Value()
	if newVal >= w.limit {
		return true, DenyResult{} // this increment itself reaches the limit; it is allowed
	}
	return true, DenyResult{}
}

func (w *Window) retryAfter(alignedAt time.Time) int {
	end := alignedAt.Add(w.duration)
	remaining := int(time.Until(end).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Merge applies a received delta to the current window's counter. Deltas
// carry no window generation, so one sent before a rollover is merged into
// the new window.
func (w *Window) Merge(actorID string, slotValue uint64) {
	w.rollIfNeeded()
	w.mu.RLock()
	c := w.counter
	w.mu.RUnlock()
	c.Merge(actorID, slotValue)
}

// Value returns the current window's total.
func (w *Window) Value() uint64 {
	w.rollIfNeeded()
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.counter.Value()
}
