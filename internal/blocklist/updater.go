// Package blocklist implements the blocklist updater (C12): it reconciles
// verified threat records from the gossip fabric (C11) and severe-block
// events from the kernel filter (C1) into one authoritative view, and
// pushes deltas into the kernel tables.
package blocklist

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aegis-edge/node/internal/gossip"
	"github.com/aegis-edge/node/internal/kernelfilter"
)

// ObservabilityEvent is emitted on every insert/remove, per spec.md §4.12.
type ObservabilityEvent struct {
	IP        net.IP
	Inserted  bool // false means removed
	Source    gossip.BlocklistSource
	ExpiresAt time.Time
	At        time.Time
}

// Updater reconciles C11/C1 inputs into the kernel filter's tables and
// keeps an in-memory audit view alongside it.
type Updater struct {
	filter *kernelfilter.Filter

	mu      sync.Mutex
	entries map[string]gossip.BlocklistEntry

	events chan ObservabilityEvent

	reconcileEvery time.Duration
}

func NewUpdater(filter *kernelfilter.Filter, reconcileEvery time.Duration) *Updater {
	if reconcileEvery <= 0 {
		reconcileEvery = 30 * time.Second
	}
	return &Updater{
		filter:         filter,
		entries:        make(map[string]gossip.BlocklistEntry),
		events:         make(chan ObservabilityEvent, 1024),
		reconcileEvery: reconcileEvery,
	}
}

// Events exposes the observability stream (insert/remove notifications).
func (u *Updater) Events() <-chan ObservabilityEvent { return u.events }

// ApplyVerified inserts (or idempotently re-inserts) a gossip-verified
// threat record's ban. Applying the same verified threat twice leaves state
// unchanged beyond refreshing expires_at — this satisfies the idempotent-
// merge law in spec.md §8 as long as the caller only calls this after
// gossip.Verifier accepted the record (signature-before-effect, §8 property 1).
func (u *Updater) ApplyVerified(r *gossip.ThreatRecord) {
	u.mu.Lock()
	key := r.IP.String()
	existing, had := u.entries[key]
	if had && existing.Source == gossip.SourceVerified && existing.ExpiresAt.Equal(r.ExpiresAt) {
		u.mu.Unlock()
		return // exact duplicate application: no-op, preserves idempotence
	}
	u.entries[key] = gossip.BlocklistEntry{
		IP:        r.IP,
		ExpiresAt: r.ExpiresAt,
		Source:    gossip.SourceVerified,
		IssuerPK:  r.IssuerPK,
	}
	u.mu.Unlock()

	ttl := time.Until(r.ExpiresAt)
	if ttl <= 0 {
		return
	}
	u.filter.Insert(r.IP, ttl)
	u.emit(ObservabilityEvent{IP: r.IP, Inserted: true, Source: gossip.SourceVerified, ExpiresAt: r.ExpiresAt, At: time.Now()})
}

// ApplyLocalEvent consumes a severe-block event straight from the kernel
// filter's own event stream (C1), recording it with LocalAuto provenance.
func (u *Updater) ApplyLocalEvent(e kernelfilter.Event) {
	u.mu.Lock()
	u.entries[e.IP.String()] = gossip.BlocklistEntry{
		IP:        e.IP,
		ExpiresAt: e.ExpiresAt,
		Source:    gossip.SourceLocalAuto,
	}
	u.mu.Unlock()
	u.emit(ObservabilityEvent{IP: e.IP, Inserted: true, Source: gossip.SourceLocalAuto, ExpiresAt: e.ExpiresAt, At: time.Now()})
}

func (u *Updater) emit(ev ObservabilityEvent) {
	select {
	case u.events <- ev:
	default:
		slog.Warn("blocklist: observability channel full, dropping event", "ip", ev.IP)
	}
}

// ConsumeKernelEvents drains the kernel filter's own event channel forever,
// wiring C1 -> C12 as spec.md's data-flow diagram requires.
func (u *Updater) ConsumeKernelEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-u.filter.Events():
			if !ok {
				return
			}
			u.ApplyLocalEvent(e)
		}
	}
}

// Reconcile periodically compares the in-memory view against the kernel
// snapshot to detect drift (e.g. kernel table eviction on overflow) and
// re-pushes anything missing, per spec.md §4.12.
func (u *Updater) Reconcile(ctx context.Context) {
	ticker := time.NewTicker(u.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.reconcileOnce()
		}
	}
}

func (u *Updater) reconcileOnce() {
	v4, v6 := u.filter.Snapshot()
	u.mu.Lock()
	defer u.mu.Unlock()
	now := time.Now()
	for key, entry := range u.entries {
		if !entry.ExpiresAt.After(now) {
			delete(u.entries, key)
			continue
		}
		var present bool
		if entry.IP.To4() != nil {
			_, present = v4[key]
		} else {
			_, present = v6[key]
		}
		if !present {
			u.filter.Insert(entry.IP, time.Until(entry.ExpiresAt))
			slog.Info("blocklist: re-synced drifted entry", "ip", key)
		}
	}
}

// Snapshot returns the audit view, keyed by IP string.
func (u *Updater) Snapshot() map[string]gossip.BlocklistEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]gossip.BlocklistEntry, len(u.entries))
	for k, v := range u.entries {
		out[k] = v
	}
	return out
}
