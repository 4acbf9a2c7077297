// Package signing provides the canonical serialization and signature
// primitives shared by every signed wire type in AEGIS: threat records
// (C11), trust tokens (C7), and distributed-counter deltas (C10).
//
// Grounded on the teacher's internal/federation/crypto_provider.go, which
// already abstracts signing over Ed25519 and ECDSA P-256 for inter-OCX
// handshakes; this package generalizes the same dual-provider shape to the
// node's gossip fabric instead of the federation handshake.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Algorithm identifies the signing scheme. AEGIS defaults to Ed25519 for
// gossip and trust tokens — fixed 64-byte signatures, fast verification on
// every received message, no per-curve parameter churn.
type Algorithm string

const AlgorithmEd25519 Algorithm = "ed25519"

// PublicKey is the wire form of an issuer's verification key: the raw
// Ed25519 public key bytes, hex would be the transport encoding but the
// in-process type stays raw bytes for comparison speed.
type PublicKey = ed25519.PublicKey

// PrivateKey is this node's own signing key.
type PrivateKey = ed25519.PrivateKey

// GenerateKeyPair creates a new Ed25519 key pair for a node's signing identity.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// Canonical produces a deterministic byte encoding of fields, used as the
// input to both signing and verification. Determinism is required so that
// a record forwarded through any number of hops re-serializes identically
// and the signature still checks (spec.md §6, "Canonical serialization MUST
// be deterministic").
//
// fields must be a map[string]interface{} whose values are JSON-marshalable
// and whose nested maps are themselves canonicalized recursively — Go's
// encoding/json does not sort map keys by default, so Canonical re-encodes
// through a key-sorted intermediate representation instead of relying on it.
func Canonical(fields map[string]any) ([]byte, error) {
	ordered, err := canonicalize(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ordered)
}

func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]canonicalPair, 0, len(keys))
		for _, k := range keys {
			cv, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, canonicalPair{Key: k, Val: cv})
		}
		return canonicalObject(out), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			cv, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

type canonicalPair struct {
	Key string
	Val any
}

// canonicalObject marshals as a JSON object with keys in the order given,
// bypassing map's nondeterministic key order.
type canonicalObject []canonicalPair

func (c canonicalObject) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range c {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.Val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Sign signs the canonical encoding of fields with priv.
func Sign(priv PrivateKey, fields map[string]any) ([]byte, error) {
	msg, err := Canonical(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return ed25519.Sign(priv, msg), nil
}

// ErrBadSignature is returned by Verify on any signature failure.
var ErrBadSignature = errors.New("signing: signature verification failed")

// Verify re-serializes fields canonically and checks sig against pub.
// Spec.md §6 requires re-serialize-then-compare "to avoid ambiguity in
// JSON-like encodings" before calling the verify primitive — Canonical's
// sorted-key encoding is exactly that step.
func Verify(pub PublicKey, fields map[string]any, sig []byte) error {
	msg, err := Canonical(fields)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Fingerprint returns a short stable identifier for a public key, used in
// logs and as a map key where the raw key would be awkward.
func Fingerprint(pub PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum[:8])
}

// TrustedSet is the trusted-operator public-key set consulted by strict-mode
// verification across C4 (module signer), C10 (counter deltas), and C11
// (threat records / trust tokens). It is swapped atomically on config reload
// like the route table (spec.md §9).
type TrustedSet struct {
	keys map[string]PublicKey // fingerprint -> key
}

func NewTrustedSet(keys []PublicKey) *TrustedSet {
	m := make(map[string]PublicKey, len(keys))
	for _, k := range keys {
		m[Fingerprint(k)] = k
	}
	return &TrustedSet{keys: m}
}

func (t *TrustedSet) Contains(pub PublicKey) bool {
	if t == nil {
		return false
	}
	_, ok := t.keys[Fingerprint(pub)]
	return ok
}

func (t *TrustedSet) Lookup(fingerprint string) (PublicKey, bool) {
	if t == nil {
		return nil, false
	}
	k, ok := t.keys[fingerprint]
	return k, ok
}

// Keys returns every trusted public key, for callers (e.g. the module
// registry fetcher's detached-signature check) that must try verification
// against each trusted operator rather than a single known key.
func (t *TrustedSet) Keys() []PublicKey {
	if t == nil {
		return nil
	}
	out := make([]PublicKey, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, k)
	}
	return out
}
