// Package challenge implements the challenge engine (C7): the
// invisible/managed/interactive challenge state machine, proof-of-work
// puzzle issuance and verification, and trust-token minting.
//
// The state machine here is grounded directly on
// internal/federation/state_machine.go's HandshakeStateMachine — same
// valid-transition map, transition history, and timeout-check shape —
// narrowed from the federation handshake's eleven-state protocol to the
// five-state Issued/Submitted/Completed/Expired/Rejected lifecycle spec.md
// §4.7 defines.
package challenge

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one point in a challenge's lifecycle (spec.md §4.7).
type State int

const (
	StateIssued State = iota
	StateSubmitted
	StateCompleted
	StateExpired
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "ISSUED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateCompleted:
		return "COMPLETED"
	case StateExpired:
		return "EXPIRED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is Completed, Expired, or Rejected.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateRejected
}

var validTransitions = map[State][]State{
	StateIssued:    {StateSubmitted, StateExpired},
	StateSubmitted: {StateCompleted, StateRejected},
}

func isValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition records one state change, for audit/debugging (spec.md §4.7
// doesn't require history, but the teacher's equivalent always keeps one
// and it costs little — kept for the same reason).
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
}

// ErrAlreadyTerminal is returned by Transition when the challenge already
// reached a terminal state — the caller MUST treat this as "return the
// prior outcome without re-evaluating" (spec.md §4.7), never as a fresh
// failure.
var ErrAlreadyTerminal = errors.New("challenge: already in a terminal state")

// Machine is one challenge id's state machine.
type Machine struct {
	mu        sync.Mutex
	current   State
	history   []Transition
	issuedAt  time.Time
	expiresAt time.Time
}

// NewMachine starts a challenge in StateIssued with the given validity
// window (the submission window; spec.md §4.7 requires ids to be removed
// only after a TTL ≥ this window, handled by the owning Engine's sweep).
func NewMachine(validFor time.Duration) *Machine {
	now := time.Now()
	return &Machine{
		current:   StateIssued,
		issuedAt:  now,
		expiresAt: now.Add(validFor),
	}
}

// Transition attempts from -> to. If the machine is already terminal, it
// returns ErrAlreadyTerminal and the CURRENT (prior) state rather than
// erroring the caller into treating this as a new rejection.
func (m *Machine) Transition(from, to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.IsTerminal() {
		return m.current, ErrAlreadyTerminal
	}
	if time.Now().After(m.expiresAt) && m.current == StateIssued {
		m.current = StateExpired
		m.history = append(m.history, Transition{From: StateIssued, To: StateExpired, Timestamp: time.Now()})
		return m.current, ErrAlreadyTerminal
	}
	if m.current != from {
		return m.current, fmt.Errorf("challenge: expected state %s, got %s", from, m.current)
	}
	if !isValidTransition(from, to) {
		return m.current, fmt.Errorf("challenge: invalid transition %s -> %s", from, to)
	}

	m.history = append(m.history, Transition{From: from, To: to, Timestamp: time.Now()})
	m.current = to
	return m.current, nil
}

// Current returns the present state, resolving a stale Issued state past
// its expiry to Expired as a side effect (lazy expiry, checked on read).
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == StateIssued && time.Now().After(m.expiresAt) {
		m.current = StateExpired
		m.history = append(m.history, Transition{From: StateIssued, To: StateExpired, Timestamp: time.Now()})
	}
	return m.current
}

// History returns a copy of every transition recorded so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// ExpiresAt returns when an Issued challenge lapses if unsubmitted.
func (m *Machine) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}
