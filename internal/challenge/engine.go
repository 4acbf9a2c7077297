package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-edge/node/internal/gossip"
	"github.com/aegis-edge/node/internal/signing"
)

// Kind is the challenge type, in order of client friction (spec.md §4.7).
type Kind string

const (
	KindInvisible   Kind = "invisible"
	KindManaged     Kind = "managed"
	KindInteractive Kind = "interactive"
)

// Score caps per component, per spec.md §4.7.
const (
	MaxTLSContribution        = 20
	MaxChallengeContribution  = 30
	MaxBehavioralContribution = 50
)

// Default trust-score action thresholds (spec.md §4.7): configurable, but
// never per-request.
type Thresholds struct {
	Allow     int // score >= Allow -> allow
	Challenge int // Challenge <= score < Allow -> challenge
	// score < Challenge -> block
}

func DefaultThresholds() Thresholds { return Thresholds{Allow: 60, Challenge: 30} }

// Action is the dispatcher-facing outcome of trust-score composition.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Decide maps a composed trust score to an Action per spec.md §4.7's
// thresholds ("score ≥ 60 → allow; 30 ≤ score < 60 → challenge; score < 30
// → block").
func Decide(score int, t Thresholds) Action {
	switch {
	case score >= t.Allow:
		return ActionAllow
	case score >= t.Challenge:
		return ActionChallenge
	default:
		return ActionBlock
	}
}

// ComposeScore sums the three contributions, clamping each to its cap
// before summing so a caller passing an out-of-range component can never
// inflate the total beyond spec.md §4.7's maximum of 100.
func ComposeScore(tls, challengeScore, behavioral int) int {
	return clamp(tls, 0, MaxTLSContribution) +
		clamp(challengeScore, 0, MaxChallengeContribution) +
		clamp(behavioral, 0, MaxBehavioralContribution)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// record is one outstanding or resolved challenge.
type record struct {
	id      string
	kind    Kind
	machine *Machine
	puzzle  *Puzzle // nil for Kind == KindInvisible
	fpHash  string
	outcome moduleVerdictShape // cached result for idempotent re-submission
}

// moduleVerdictShape avoids importing pkg/moduleapi here to keep this
// package's dependency surface narrow; the dispatcher translates this into
// a moduleapi.Verdict at the pipeline boundary.
type moduleVerdictShape struct {
	Action Action
	Token  *gossip.TrustToken
}

// Engine issues and resolves challenges, and mints trust tokens on success.
// Grounded on internal/security/attack_mitigation.go's ChallengeVerifier
// for the issue/verify/expire shape, generalized from a single HMAC
// challenge-response into the full Issued/Submitted/Completed/Expired/
// Rejected lifecycle plus PoW and trust-token minting.
type Engine struct {
	mu         sync.Mutex
	challenges map[string]*record
	nodeSecret []byte

	signPub  signing.PublicKey
	signPriv signing.PrivateKey

	submissionWindow time.Duration
	idRetention      time.Duration // >= submissionWindow, per spec.md §4.7
	thresholds       Thresholds
}

// NewEngine creates a challenge engine bound to this node's signing
// identity (used to mint trust tokens) and a node-local secret (used to
// seed PoW puzzles).
func NewEngine(nodeSecret []byte, pub signing.PublicKey, priv signing.PrivateKey, submissionWindow time.Duration) *Engine {
	if submissionWindow <= 0 {
		submissionWindow = 30 * time.Second
	}
	return &Engine{
		challenges:       make(map[string]*record),
		nodeSecret:       nodeSecret,
		signPub:          pub,
		signPriv:         priv,
		submissionWindow: submissionWindow,
		idRetention:      2 * submissionWindow,
		thresholds:       DefaultThresholds(),
	}
}

// SetThresholds overrides the default allow/challenge/block thresholds
// (configurable per deployment, never per-request — spec.md §4.7).
func (e *Engine) SetThresholds(t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
}

// HashFingerprint derives the stable, non-reversible client identity trust
// tokens bind to, instead of a raw IP (spec.md §4.7: "tokens bind to a
// hashed client fingerprint, not to a raw IP").
func HashFingerprint(tlsFP, userAgent string) string {
	h := sha256.Sum256([]byte(tlsFP + "|" + userAgent))
	return hex.EncodeToString(h[:])
}

// Issue starts a new challenge of the given kind for a client fingerprint.
// KindManaged and KindInteractive additionally generate a PoW puzzle at the
// given bit-difficulty; KindInvisible has none (it is decided purely from
// TLS fingerprint + an existing trust token, with no further client
// interaction — spec.md §4.7).
func (e *Engine) Issue(kind Kind, fpHash string, powDifficulty int) (*record, error) {
	id := uuid.NewString()
	m := NewMachine(e.submissionWindow)

	rec := &record{id: id, kind: kind, machine: m, fpHash: fpHash}
	if kind != KindInvisible {
		puzzle, err := NewPuzzle(e.nodeSecret, []byte(fpHash), powDifficulty)
		if err != nil {
			return nil, err
		}
		rec.puzzle = puzzle
	}

	e.mu.Lock()
	e.challenges[id] = rec
	e.mu.Unlock()
	return rec, nil
}

// ID, Kind, ExpiresAt, and SeedHex expose the client-facing pieces of an
// issued challenge.
func (r *record) ID() string           { return r.id }
func (r *record) Kind() Kind           { return r.kind }
func (r *record) ExpiresAt() time.Time { return r.machine.ExpiresAt() }
func (r *record) SeedHex() string {
	if r.puzzle == nil {
		return ""
	}
	return r.puzzle.SeedHex()
}

// ErrUnknownChallenge is returned by Submit for an id this engine never
// issued (or one that has already been pruned past its retention TTL).
var ErrUnknownChallenge = fmt.Errorf("challenge: unknown or expired challenge id")

// Submit resolves a challenge with a client's PoW nonce (ignored for
// KindInvisible, where behavioral/TLS signal alone decides). Re-submission
// after a terminal state returns the CACHED prior outcome without
// re-evaluating anything (spec.md §4.7: "re-submission after Completed or
// Rejected returns the prior outcome without re-evaluating").
func (e *Engine) Submit(id string, nonce uint64, tlsScore, behavioralScore int) (Action, *gossip.TrustToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.challenges[id]
	if !ok {
		return ActionBlock, nil, ErrUnknownChallenge
	}

	// rec.outcome is only ever read or written while e.mu is held, so two
	// concurrent submissions of the same challenge id can never race on it
	// — the loser of the Transition below just replays the winner's cached
	// outcome instead of re-evaluating.
	if rec.machine.Current().IsTerminal() {
		if rec.outcome.Action == "" {
			// Reached a terminal state (Expired) without ever being
			// submitted — there is no prior evaluated outcome to replay.
			return ActionBlock, nil, nil
		}
		return rec.outcome.Action, rec.outcome.Token, nil
	}

	if _, err := rec.machine.Transition(StateIssued, StateSubmitted); err != nil {
		if rec.outcome.Action != "" {
			return rec.outcome.Action, rec.outcome.Token, nil
		}
		return ActionBlock, nil, err
	}

	solved := rec.kind == KindInvisible || (rec.puzzle != nil && rec.puzzle.Verify(nonce))

	if !solved {
		rec.machine.Transition(StateSubmitted, StateRejected)
		rec.outcome = moduleVerdictShape{Action: ActionBlock}
		return ActionBlock, nil, nil
	}

	rec.machine.Transition(StateSubmitted, StateCompleted)

	challengeContribution := MaxChallengeContribution
	if rec.kind == KindInvisible {
		challengeContribution = MaxChallengeContribution / 2 // partial credit: no active proof was solved
	}
	score := ComposeScore(tlsScore, challengeContribution, behavioralScore)
	action := Decide(score, e.thresholds)

	var token *gossip.TrustToken
	if action != ActionBlock {
		now := time.Now()
		token = &gossip.TrustToken{
			ClientFingerprintHash: rec.fpHash,
			TrustScore:            score,
			IssuedAt:              now,
			ExpiresAt:             now.Add(24 * time.Hour),
			Nonce:                 uuid.NewString(),
			Federated:             false,
		}
		if err := token.Sign(e.signPub, e.signPriv); err != nil {
			return ActionBlock, nil, fmt.Errorf("challenge: sign trust token: %w", err)
		}
	}

	rec.outcome = moduleVerdictShape{Action: action, Token: token}
	return action, token, nil
}

// Sweep removes challenges whose retention TTL has elapsed, preventing id
// reuse from being exploitable (spec.md §4.7: "Challenge ids are removed
// only after TTL (≥ submission window) to prevent replay via id reuse").
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for id, rec := range e.challenges {
		if now.After(rec.machine.ExpiresAt().Add(e.idRetention)) {
			delete(e.challenges, id)
		}
	}
}
