package tlsterm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edge.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"edge.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
}

func TestTerminator_AcceptDerivesFingerprint(t *testing.T) {
	cert := selfSignedCert(t)
	term := NewTerminator([]tls.Certificate{cert})

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	type result struct {
		fp  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, fp, err := term.Accept(context.Background(), server)
		done <- result{fp, err}
	}()

	clientCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
	clientConn := tls.Client(client, clientCfg)
	require.NoError(t, clientConn.HandshakeContext(context.Background()))
	defer clientConn.Close()

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.fp, 64, "fingerprint must be a hex-encoded sha256 digest")
}

func TestTerminator_RejectsEarlierVersions(t *testing.T) {
	cert := selfSignedCert(t)
	term := NewTerminator([]tls.Certificate{cert})

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := term.Accept(context.Background(), server)
		done <- err
	}()

	clientCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	clientConn := tls.Client(client, clientCfg)
	clientErr := clientConn.HandshakeContext(context.Background())
	assert.Error(t, clientErr, "a TLS 1.2 client must be refused with a handshake alert")

	serverErr := <-done
	assert.Error(t, serverErr)
}

func TestFingerprint_StableAcrossIdenticalHellos(t *testing.T) {
	chi := &tls.ClientHelloInfo{
		CipherSuites:     []uint16{0x1301, 0x1302},
		SupportedCurves:  []tls.CurveID{tls.X25519, tls.CurveP256},
		SupportedPoints:  []uint8{0},
		SignatureSchemes: []tls.SignatureScheme{tls.Ed25519, tls.PSSWithSHA256},
		SupportedProtos:  []string{"h2", "http/1.1"},
	}

	a := Fingerprint(chi)
	b := Fingerprint(chi)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_DiffersOnCipherOrder(t *testing.T) {
	base := &tls.ClientHelloInfo{CipherSuites: []uint16{0x1301, 0x1302}}
	reordered := &tls.ClientHelloInfo{CipherSuites: []uint16{0x1302, 0x1301}}

	assert.NotEqual(t, Fingerprint(base), Fingerprint(reordered),
		"cipher-suite order is itself a fingerprinting signal and must not be normalized away")
}
