package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PeerID identifies another node in the mesh.
type PeerID string

// Topic is a pub/sub topic name on the gossipsub-equivalent mesh
// (spec.md §4.11: "topic-based pub/sub mesh").
type Topic string

const (
	TopicThreats Topic = "aegis.threats.v1"
	TopicTrust   Topic = "aegis.trust.v1"
)

// PeerLink is an active transport connection to one peer. Generalized from
// the teacher's fabric.WebSocketSpoke — there a Hub owned many tenant
// spokes; here a Hub owns many peer-node links, each bidirectional and
// symmetric (no hub/spoke hierarchy between nodes, just the same
// connection bookkeeping shape).
type PeerLink struct {
	ID           PeerID
	Send         chan []byte
	ConnectedAt  time.Time
	lastSeen     atomic.Value
	messageCount atomic.Int64
	bytesRecv    atomic.Int64
	closeOnce    sync.Once
	closed       chan struct{}
}

func newPeerLink(id PeerID) *PeerLink {
	l := &PeerLink{
		ID:          id,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	l.lastSeen.Store(time.Now())
	return l
}

func (l *PeerLink) touch(n int) {
	l.lastSeen.Store(time.Now())
	l.messageCount.Add(1)
	l.bytesRecv.Add(int64(n))
}

func (l *PeerLink) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// Envelope is the wire frame for every application message, per spec.md §6:
// "Every application message bears: issuer_pk, issued_at, nonce, payload,
// signature."
type Envelope struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	IssuerPK  string          `json:"issuer_pk"`
	IssuedAt  time.Time       `json:"issued_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// arenaSlot holds unverified bytes until verification completes or fails,
// per spec.md §9 ("Gossip receivers hold incoming bytes in an arena until
// verification completes; on success the decoded record is moved into the
// target map; on failure the arena slot is reclaimed. No cyclic references
// across the gossip/blocklist/trust-cache triad").
type arenaSlot struct {
	raw     []byte
	peer    PeerID
	arrived time.Time
}

// Hub is the node's gossip mesh coordinator: it holds peer links, an
// arena of in-flight envelopes, and dispatches received envelopes to the
// subscribers of their topic. The verifier it holds is not called on
// received envelopes; subscribers get them unverified.
type Hub struct {
	mu    sync.RWMutex
	peers map[PeerID]*PeerLink

	verifier *Verifier

	subMu sync.RWMutex
	subs  map[Topic][]func(ctx context.Context, env *Envelope, payload json.RawMessage)

	arenaMu sync.Mutex
	arena   map[string]*arenaSlot

	publishCap  int
	publishedMu sync.Mutex
	published   map[time.Time]struct{} // simple recent-publish set, pruned by allowPublish

	selfID PeerID
}

func NewHub(selfID PeerID, verifier *Verifier, publishCapPerSecond int) *Hub {
	return &Hub{
		peers:      make(map[PeerID]*PeerLink),
		verifier:   verifier,
		subs:       make(map[Topic][]func(ctx context.Context, env *Envelope, payload json.RawMessage)),
		arena:      make(map[string]*arenaSlot),
		publishCap: publishCapPerSecond,
		selfID:     selfID,
	}
}

// Subscribe registers a handler invoked for every envelope received on topic.
func (h *Hub) Subscribe(topic Topic, handler func(ctx context.Context, env *Envelope, payload json.RawMessage)) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.subs[topic] = append(h.subs[topic], handler)
}

// RegisterPeer adds a peer link and returns it; the caller (transport layer)
// is responsible for pumping bytes from the wire into Receive.
func (h *Hub) RegisterPeer(id PeerID) *PeerLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := newPeerLink(id)
	h.peers[id] = l
	return l
}

func (h *Hub) RemovePeer(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.peers[id]; ok {
		l.Close()
		delete(h.peers, id)
	}
}

// PeerCount reports the number of connected peers; a missing bootstrap list
// is non-fatal (spec.md §4.11) — this simply returns 0 and the node keeps
// serving traffic in isolation.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Receive is called by the transport layer for every raw frame read from a
// peer. It drops a malformed frame; otherwise it parks the bytes in the
// arena while dispatching the envelope to the topic's subscribers. No
// signature, freshness or replay check is made here. A single message's
// failure never affects any other (spec.md §4.11 failure semantics).
func (h *Hub) Receive(ctx context.Context, from PeerID, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("gossip: malformed envelope", "peer", from, "error", err)
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	h.arenaMu.Lock()
	h.arena[env.ID] = &arenaSlot{raw: raw, peer: from, arrived: time.Now()}
	h.arenaMu.Unlock()
	defer h.reclaim(env.ID)

	if l := h.peerLink(from); l != nil {
		l.touch(len(raw))
	}

	payloadCanon := env.Payload // passed to handlers as received; neither
	// the envelope nor the payload is verified before dispatch.
	_ = payloadCanon

	h.subMu.RLock()
	handlers := append([]func(ctx context.Context, env *Envelope, payload json.RawMessage){}, h.subs[env.Topic]...)
	h.subMu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, &env, env.Payload)
	}
}

func (h *Hub) reclaim(id string) {
	h.arenaMu.Lock()
	delete(h.arena, id)
	h.arenaMu.Unlock()
}

func (h *Hub) peerLink(id PeerID) *PeerLink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[id]
}

// Broadcast fans an envelope out to every connected peer's send queue.
// Respects the node's own publish rate cap (spec.md §4.11: "published
// messages MUST respect the node's publish rate cap").
func (h *Hub) Broadcast(env *Envelope) error {
	if !h.allowPublish() {
		return fmt.Errorf("gossip: publish rate cap exceeded")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, l := range h.peers {
		select {
		case l.Send <- raw:
		default:
			slog.Warn("gossip: peer send queue full, dropping", "peer", id)
		}
	}
	return nil
}

func (h *Hub) allowPublish() bool {
	h.publishedMu.Lock()
	defer h.publishedMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Second)
	for t := range h.published {
		if t.Before(cutoff) {
			delete(h.published, t)
		}
	}
	if h.publishCap > 0 && len(h.published) >= h.publishCap {
		return false
	}
	if h.published == nil {
		h.published = make(map[time.Time]struct{})
	}
	h.published[now] = struct{}{}
	return true
}
