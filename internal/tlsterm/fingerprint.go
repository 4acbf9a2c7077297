// Package tlsterm terminates TLS 1.3 connections and derives a stable
// client fingerprint from the ClientHello (spec.md §4.2).
package tlsterm

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint derives a stable hash from the structured ClientHello fields
// crypto/tls exposes to a GetConfigForClient callback: cipher suites,
// supported groups (curves), EC point formats, signature algorithms, and
// offered (ALPN) protocols. Order is preserved exactly as the client
// sent it rather than sorted — the ordering itself is part of what makes
// one client stack's hello distinguishable from another's.
//
// crypto/tls has already fully decoded and bounds-checked the ClientHello
// before GetConfigForClient runs; a malformed hello never reaches this
// function; the handshake is aborted by the standard library first
// (spec.md §4.2's "a malformed hello is discarded without parsing the
// tail" is satisfied by the library itself, not by this package).
func Fingerprint(chi *tls.ClientHelloInfo) string {
	var b strings.Builder

	writeUint16s(&b, chi.CipherSuites)
	b.WriteByte('|')
	writeCurves(&b, chi.SupportedCurves)
	b.WriteByte('|')
	writeUint8s(&b, chi.SupportedPoints)
	b.WriteByte('|')
	writeSchemes(&b, chi.SignatureSchemes)
	b.WriteByte('|')
	b.WriteString(strings.Join(chi.SupportedProtos, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeUint16s(b *strings.Builder, vals []uint16) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}

func writeUint8s(b *strings.Builder, vals []uint8) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}

func writeCurves(b *strings.Builder, vals []tls.CurveID) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}

func writeSchemes(b *strings.Builder, vals []tls.SignatureScheme) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
}
