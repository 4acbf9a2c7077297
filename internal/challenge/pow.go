package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Puzzle is a proof-of-work challenge: find a nonce such that
// sha256(seed ‖ nonce) has at least Difficulty leading zero bits. Bound to
// the issuing node's secret via an HMAC of the seed, mirroring
// internal/security/attack_mitigation.go's ChallengeVerifier (HMAC(nonce,
// timestamp, agentID) -> challengeID), generalized here from an
// agent-identity HMAC to a client-fingerprint-bound PoW seed.
type Puzzle struct {
	Seed       []byte
	Difficulty int // number of required leading zero bits, configurable per spec.md §4.7
}

// NewPuzzle derives a seed from the node's secret and the client's hashed
// fingerprint, so a solved puzzle cannot be replayed against a different
// fingerprint or a different node.
func NewPuzzle(nodeSecret, clientFPHash []byte, difficulty int) (*Puzzle, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("challenge: generate puzzle randomness: %w", err)
	}

	mac := hmac.New(sha256.New, nodeSecret)
	mac.Write(clientFPHash)
	mac.Write(random)
	seed := mac.Sum(nil)

	return &Puzzle{Seed: append(seed, random...), Difficulty: difficulty}, nil
}

// leadingZeroBits counts the number of leading zero bits in h.
func leadingZeroBits(h []byte) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// Verify checks whether nonce solves p: sha256(p.Seed ‖ nonce) must carry
// at least p.Difficulty leading zero bits.
func (p *Puzzle) Verify(nonce uint64) bool {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	h := sha256.Sum256(append(append([]byte(nil), p.Seed...), buf...))
	return leadingZeroBits(h[:]) >= p.Difficulty
}

// Solve brute-forces a solution. Only used by tests and internal tooling —
// real clients solve this, the node never does, except to validate the
// puzzle generator itself.
func (p *Puzzle) Solve(maxAttempts uint64) (uint64, bool) {
	for nonce := uint64(0); nonce < maxAttempts; nonce++ {
		if p.Verify(nonce) {
			return nonce, true
		}
	}
	return 0, false
}

// SeedHex returns the puzzle seed as a client-facing hex string.
func (p *Puzzle) SeedHex() string { return hex.EncodeToString(p.Seed) }
