// Package gossip implements the threat-intel gossip fabric (C11): signed
// threat records and trust tokens propagated peer-to-peer and verified
// through the six-step pipeline in spec.md §4.11.
//
// The hub/spoke addressing model is grounded on the teacher's
// internal/fabric/hub.go (capability-routed spokes with atomic touch
// bookkeeping); the transport is grounded on internal/fabric/websocket.go,
// generalized from hub-to-tenant-agent connections to node-to-node peer
// links carrying signed envelopes instead of raw agent traffic.
package gossip

import (
	"fmt"
	"net"
	"time"

	"github.com/aegis-edge/node/internal/signing"
)

// ThreatType enumerates the threat categories in spec.md §3.
type ThreatType string

const (
	ThreatSynFlood  ThreatType = "SynFlood"
	ThreatUDPFlood  ThreatType = "UdpFlood"
	ThreatExploit   ThreatType = "Exploit"
	ThreatCredStuff ThreatType = "CredStuff"
)

// ThreatRecord is the signed artifact described in spec.md §3.
type ThreatRecord struct {
	IP         net.IP
	ThreatType ThreatType
	Severity   int // [0,100]
	IssuerPK   signing.PublicKey
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Nonce      string
	Signature  []byte
}

// Fields returns the canonical field map covering every signed field
// (spec.md §3: "Signature covers all other fields serialized canonically").
func (r *ThreatRecord) Fields() map[string]any {
	return map[string]any{
		"ip":          r.IP.String(),
		"threat_type": string(r.ThreatType),
		"severity":    r.Severity,
		"issuer_pk":   fmt.Sprintf("%x", []byte(r.IssuerPK)),
		"issued_at":   r.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":  r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"nonce":       r.Nonce,
	}
}

// Sign signs the record in place with priv, setting IssuerPK to the
// corresponding public key.
func (r *ThreatRecord) Sign(pub signing.PublicKey, priv signing.PrivateKey) error {
	r.IssuerPK = pub
	sig, err := signing.Sign(priv, r.Fields())
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// TrustToken is the signed envelope described in spec.md §3.
type TrustToken struct {
	ClientFingerprintHash string
	TrustScore            int // [0,100]
	IssuedAt              time.Time
	ExpiresAt             time.Time
	IssuerPK              signing.PublicKey
	Nonce                 string
	IPHintHash            string
	Signature             []byte
	Federated             bool // opt-in cross-node usability, default false (§9 open question, resolved local-only)
}

func (t *TrustToken) Fields() map[string]any {
	return map[string]any{
		"client_fingerprint_hash": t.ClientFingerprintHash,
		"trust_score":             t.TrustScore,
		"issued_at":               t.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":              t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"issuer_pk":               fmt.Sprintf("%x", []byte(t.IssuerPK)),
		"nonce":                   t.Nonce,
		"ip_hint_hash":            t.IPHintHash,
	}
}

func (t *TrustToken) Sign(pub signing.PublicKey, priv signing.PrivateKey) error {
	t.IssuerPK = pub
	sig, err := signing.Sign(priv, t.Fields())
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// BlocklistSource distinguishes gossip-verified entries from locally
// auto-detected ones, per spec.md §3.
type BlocklistSource int

const (
	SourceVerified BlocklistSource = iota
	SourceLocalAuto
)

func (s BlocklistSource) String() string {
	if s == SourceVerified {
		return "Verified"
	}
	return "LocalAuto"
}

// BlocklistEntry is the reconciled view described in spec.md §3.
type BlocklistEntry struct {
	IP        net.IP
	ExpiresAt time.Time
	Source    BlocklistSource
	IssuerPK  signing.PublicKey // zero value when Source == SourceLocalAuto
}
