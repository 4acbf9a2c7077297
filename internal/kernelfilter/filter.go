// Package kernelfilter implements the kernel packet filter (C1): IPv4/IPv6
// blocklist tables and per-source SYN/UDP rate counters, with an event ring
// buffer consumed by the threat-intel gossiper.
//
// Grounded on the teacher's internal/ringbuf/reader.go, which already loads
// a cilium/ebpf ring buffer reader and forwards parsed kernel events
// up into user space; this package generalizes that single-purpose tap
// (an escrow-gate event stream) into the full C1 contract: insert/remove/
// snapshot on the blocklist tables, plus the same ring-buffer event path
// for severe-block notifications.
package kernelfilter

import (
	"net"
	"sync"
	"time"
)

// SevereBlockTTL is the default TTL applied when a source is auto-blocked
// for exceeding SYN/UDP thresholds (spec.md §4.1).
const SevereBlockTTL = 30 * time.Second

// Verdict is the per-packet decision from spec.md §4.1.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictDropBlocklisted
	VerdictDropRateLimited
)

// Event is emitted on the ring buffer whenever a source is auto-blocked,
// consumed by the threat-intel gossiper (C11) to propagate the detection.
type Event struct {
	IP        net.IP
	Reason    string
	ExpiresAt time.Time
	At        time.Time
}

// Table is a bounded IP -> expires_at map. Insert failure on a full table
// evicts the oldest entry rather than failing (spec.md §4.1: "insert
// failure (table full) -> oldest entry evicted").
type Table struct {
	mu     sync.Mutex
	cap    int
	expiry map[string]time.Time
	order  []string
}

func NewTable(capacity int) *Table {
	return &Table{cap: capacity, expiry: make(map[string]time.Time)}
}

func (t *Table) Insert(ip net.IP, ttl time.Duration) {
	key := ip.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.expiry[key]; !exists && len(t.expiry) >= t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.expiry, oldest)
	}
	if _, exists := t.expiry[key]; !exists {
		t.order = append(t.order, key)
	}
	t.expiry[key] = time.Now().Add(ttl)
}

func (t *Table) Remove(ip net.IP) {
	key := ip.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.expiry, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Blocked reports whether ip is currently blocked (unexpired entry present).
func (t *Table) Blocked(ip net.IP) bool {
	key := ip.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.expiry[key]
	return ok && exp.After(time.Now())
}

// Snapshot returns a copy of the current table for reconciliation (C12).
func (t *Table) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.expiry))
	for k, v := range t.expiry {
		out[k] = v
	}
	return out
}

// rateCounter counts packets per source address and resets every second.
type rateCounter struct {
	mu          sync.Mutex
	counts      map[string]int
	windowStart time.Time
}

func newRateCounter() *rateCounter {
	return &rateCounter{counts: make(map[string]int), windowStart: time.Now()}
}

func (r *rateCounter) hit(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.windowStart) >= time.Second {
		r.counts = make(map[string]int)
		r.windowStart = time.Now()
	}
	r.counts[ip]++
	return r.counts[ip]
}

// Filter is the per-node packet filter: IPv4/IPv6 blocklist tables plus
// SYN/UDP rate counters, exposing the insert/remove/snapshot contract and
// an event channel for severe-block notifications (spec.md §4.1).
type Filter struct {
	v4, v6       *Table
	synCounter   *rateCounter
	udpCounter   *rateCounter
	synThreshold int
	udpThreshold int
	events       chan Event
}

func New(tableCapacity, synThreshold, udpThreshold int) *Filter {
	return &Filter{
		v4:           NewTable(tableCapacity),
		v6:           NewTable(tableCapacity),
		synCounter:   newRateCounter(),
		udpCounter:   newRateCounter(),
		synThreshold: synThreshold,
		udpThreshold: udpThreshold,
		events:       make(chan Event, 1024),
	}
}

func (f *Filter) tableFor(ip net.IP) *Table {
	if ip.To4() != nil {
		return f.v4
	}
	return f.v6
}

// Events exposes the ring-buffer-equivalent event stream for C11.
func (f *Filter) Events() <-chan Event { return f.events }

// Ingress applies the per-packet verdict logic from spec.md §4.1 to one
// packet. isSYN/isUDP classify the packet's kind for rate accounting.
func (f *Filter) Ingress(ip net.IP, isSYN, isUDP bool) Verdict {
	table := f.tableFor(ip)
	if table.Blocked(ip) {
		return VerdictDropBlocklisted
	}

	key := ip.String()
	var exceeded bool
	if isSYN && f.synCounter.hit(key) > f.synThreshold {
		exceeded = true
	}
	if isUDP && f.udpCounter.hit(key) > f.udpThreshold {
		exceeded = true
	}
	if exceeded {
		table.Insert(ip, SevereBlockTTL)
		f.emit(Event{IP: ip, Reason: "rate-threshold-exceeded", ExpiresAt: time.Now().Add(SevereBlockTTL), At: time.Now()})
		return VerdictDropRateLimited
	}
	return VerdictPass
}

func (f *Filter) emit(e Event) {
	select {
	case f.events <- e:
	default:
		// Ring buffer full: drop the event rather than block the filter —
		// the filter never blocks user-space traffic (spec.md §4.1).
	}
}

// Insert is the user-space-facing contract point used by the blocklist
// updater (C12) to push verified threat-intel bans into the filter.
func (f *Filter) Insert(ip net.IP, ttl time.Duration) {
	f.tableFor(ip).Insert(ip, ttl)
}

// Remove undoes an Insert, used on threat-record expiry reconciliation.
func (f *Filter) Remove(ip net.IP) {
	f.tableFor(ip).Remove(ip)
}

// Snapshot returns both tables' contents as two maps (v4, then v6), for C12's
// periodic drift reconciliation.
func (f *Filter) Snapshot() (v4, v6 map[string]time.Time) {
	return f.v4.Snapshot(), f.v6.Snapshot()
}
