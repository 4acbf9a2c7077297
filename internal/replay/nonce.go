// Package replay implements the per-issuer bounded sliding-window nonce
// cache used to reject replayed threat records, trust tokens, and
// distributed-counter deltas (spec.md §3, §4.11, §8 property 6).
//
// Generalized from the teacher's internal/security/attack_mitigation.go
// NonceStore, which tracked a single flat nonce map for agent-to-agent
// replay detection; this version partitions the cache per issuer public
// key (spec.md: "Nonces tracked per-issuer in a bounded sliding window").
package replay

import (
	"sync"
	"time"
)

// MinWindow is the minimum sliding-window size per issuer, per spec.md §3
// ("a bounded sliding window (≥ 100)").
const MinWindow = 100

// Cache tracks seen nonces per issuer fingerprint within a bounded window.
type Cache struct {
	mu      sync.Mutex
	window  int
	ttl     time.Duration
	issuers map[string]*issuerWindow
}

type issuerWindow struct {
	seen  map[string]time.Time
	order []string // insertion order, for bounded eviction
}

// New creates a replay cache. window is clamped up to MinWindow.
func New(window int, ttl time.Duration) *Cache {
	if window < MinWindow {
		window = MinWindow
	}
	return &Cache{
		window:  window,
		ttl:     ttl,
		issuers: make(map[string]*issuerWindow),
	}
}

// CheckAndRecord returns true if (issuerFingerprint, nonce) has not been
// seen before and records it; false if it is a replay. Satisfies spec.md §8
// property 6: a replayed nonce is dropped without any side effect — callers
// MUST check before applying any mutation, and CheckAndRecord itself is the
// only mutation allowed to happen as a result of the check.
func (c *Cache) CheckAndRecord(issuerFingerprint, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.issuers[issuerFingerprint]
	if !ok {
		w = &issuerWindow{seen: make(map[string]time.Time)}
		c.issuers[issuerFingerprint] = w
	}

	now := time.Now()
	if seenAt, dup := w.seen[nonce]; dup {
		if c.ttl == 0 || now.Before(seenAt.Add(c.ttl)) {
			return false // replay
		}
		// Expired occupant of the same nonce value — treat as fresh.
	}

	w.seen[nonce] = now
	w.order = append(w.order, nonce)
	if len(w.order) > c.window {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	return true
}

// Prune removes issuer windows untouched for longer than idleAfter, bounding
// memory when issuers churn (e.g. a revoked operator key).
func (c *Cache) Prune(idleAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for fp, w := range c.issuers {
		if len(w.order) == 0 {
			delete(c.issuers, fp)
			continue
		}
		lastNonce := w.order[len(w.order)-1]
		if last, ok := w.seen[lastNonce]; ok && now.Sub(last) > idleAfter {
			delete(c.issuers, fp)
		}
	}
}
