package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/sandbox"
	"github.com/aegis-edge/node/internal/signing"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

// minimalWasm is a well-formed, empty WebAssembly module: the magic number
// and version, no sections. wazero compiles it successfully, which is all
// these tests need to confirm Resolve's wiring reaches Compile intact.
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestValidContentID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"sha256-abc123", true},
		{"waf-module-v1", true},
		{"", false},
		{"../etc/passwd", false},
		{"foo/bar", false},
		{"foo\\bar", false},
		{"has space", false},
		{string(make([]byte, 200)), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ValidContentID(c.id), "id=%q", c.id)
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 1<<20)
	require.NoError(t, err)

	require.NoError(t, s.Put("module-a", []byte("hello")))
	data, ok := s.Get("module-a")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	_, ok = s.Get("module-missing")
	assert.False(t, ok)
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	// Budget big enough for two 10-byte entries, not three.
	s, err := NewStore(dir, 20)
	require.NoError(t, err)

	require.NoError(t, s.Put("a", []byte("0123456789")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Put("b", []byte("0123456789")))

	// Touch "a" so it is more recently used than "b".
	time.Sleep(5 * time.Millisecond)
	_, ok := s.Get("a")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Put("c", []byte("0123456789")))

	_, aOK := s.Get("a")
	_, bOK := s.Get("b")
	_, cOK := s.Get("c")
	assert.True(t, aOK, "a was touched most recently and should survive eviction")
	assert.False(t, bOK, "b is the least recently used and should be evicted")
	assert.True(t, cOK, "c was just written")
}

func TestStore_RejectsInvalidContentID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 1<<20)
	require.NoError(t, err)

	err = s.Put("../escape", []byte("x"))
	require.Error(t, err)

	_, ok := s.Get("../escape")
	assert.False(t, ok)
}

// fakeDaemon is an in-memory stand-in for the gRPC daemon tier.
type fakeDaemon struct {
	bytesByID map[string][]byte
	err       error
	calls     int
}

func (f *fakeDaemon) Fetch(ctx context.Context, contentID string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bytesByID[contentID]
	if !ok {
		return nil, errors.New("fakeDaemon: not found")
	}
	return b, nil
}

func newTestFetcher(t *testing.T, daemon DaemonClient, gateways []string, trusted *signing.TrustedSet, strict bool) *Fetcher {
	t.Helper()
	f, err := New(Options{
		StoreDir:      t.TempDir(),
		MaxStoreBytes: 1 << 20,
		Gateways:      gateways,
		FetchTimeout:  2 * time.Second,
		MaxFetchBytes: 1 << 20,
		Strict:        strict,
	}, trusted, circuitbreaker.NewNodeCircuitBreakers(), sandbox.NewRuntime(moduleapi.DefaultHostLimits()))
	require.NoError(t, err)
	if daemon != nil {
		f.daemon = daemon
	}
	return f
}

func TestFetcher_StoreHitSkipsDaemonAndGateways(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	daemon := &fakeDaemon{}
	f := newTestFetcher(t, daemon, nil, signing.NewTrustedSet(nil), false)

	require.NoError(t, f.store.Put(contentID, minimalWasm))

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Equal(t, contentID, artifact.ContentID)
	assert.Equal(t, 0, daemon.calls, "store hit must not reach the daemon tier")
}

func TestFetcher_DaemonSuccessSkipsGateways(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	daemon := &fakeDaemon{bytesByID: map[string][]byte{contentID: minimalWasm}}

	contentGatewayHits := 0
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+contentID {
			contentGatewayHits++
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gw.Close()

	f := newTestFetcher(t, daemon, []string{gw.URL}, signing.NewTrustedSet(nil), false)

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Equal(t, contentID, artifact.ContentID)
	assert.Equal(t, 0, contentGatewayHits, "daemon success on the module bytes must not fall through to a gateway for the same content_id")
}

func TestFetcher_GatewayFallbackAfterDaemonFailure(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	daemon := &fakeDaemon{err: errors.New("daemon unreachable")}

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+contentID {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(minimalWasm)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gw.Close()

	f := newTestFetcher(t, daemon, []string{gw.URL}, signing.NewTrustedSet(nil), false)

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Equal(t, contentID, artifact.ContentID)

	_, stored := f.store.Get(contentID)
	assert.True(t, stored, "a remote fetch must be persisted to the store")
}

func TestFetcher_OrderedGatewaysTryEachInTurn(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)

	badGW := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badGW.Close()

	goodGW := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(minimalWasm)
	}))
	defer goodGW.Close()

	f := newTestFetcher(t, nil, []string{badGW.URL, goodGW.URL}, signing.NewTrustedSet(nil), false)

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Equal(t, contentID, artifact.ContentID)
}

func TestFetcher_AllTiersFailReturnsError(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	f := newTestFetcher(t, nil, nil, signing.NewTrustedSet(nil), false)

	_, err := f.Resolve(context.Background(), contentID)
	require.Error(t, err)
}

func TestFetcher_RejectsInvalidContentID(t *testing.T) {
	f := newTestFetcher(t, nil, nil, signing.NewTrustedSet(nil), false)
	_, err := f.Resolve(context.Background(), "../escape")
	require.Error(t, err)
}

func TestFetcher_CIDMismatchIsFatal(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not the bytes that hash to this id"))
	}))
	defer gw.Close()

	wrongID := sandbox.HashBytes(minimalWasm)
	f := newTestFetcher(t, nil, []string{gw.URL}, signing.NewTrustedSet(nil), false)

	_, err := f.Resolve(context.Background(), wrongID)
	require.Error(t, err)
	var mismatch *sandbox.ErrCIDMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestFetcher_StrictModeRejectsUnsignedModule(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+contentID {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(minimalWasm)
			return
		}
		w.WriteHeader(http.StatusNotFound) // no .sig available
	}))
	defer gw.Close()

	f := newTestFetcher(t, nil, []string{gw.URL}, signing.NewTrustedSet(nil), true)

	_, err := f.Resolve(context.Background(), contentID)
	require.Error(t, err)
}

func TestFetcher_StrictModeAcceptsModuleSignedByTrustedKey(t *testing.T) {
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trusted := signing.NewTrustedSet([]signing.PublicKey{pub})

	contentID := sandbox.HashBytes(minimalWasm)
	sig := ed25519.Sign(priv, minimalWasm)

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + contentID:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(minimalWasm)
		case "/" + contentID + ".sig":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(sig)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer gw.Close()

	f := newTestFetcher(t, nil, []string{gw.URL}, trusted, true)

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Equal(t, signing.Fingerprint(pub), artifact.VerifiedSigner)
}

func TestFetcher_StrictModeRejectsSignatureFromUntrustedKey(t *testing.T) {
	_, untrustedPriv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trustedPub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trusted := signing.NewTrustedSet([]signing.PublicKey{trustedPub})

	contentID := sandbox.HashBytes(minimalWasm)
	sig := ed25519.Sign(untrustedPriv, minimalWasm)

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + contentID:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(minimalWasm)
		case "/" + contentID + ".sig":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(sig)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer gw.Close()

	f := newTestFetcher(t, nil, []string{gw.URL}, trusted, true)

	_, err = f.Resolve(context.Background(), contentID)
	require.Error(t, err)
}

func TestFetcher_NonStrictModeAllowsUnsignedModule(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+contentID {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(minimalWasm)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gw.Close()

	f := newTestFetcher(t, nil, []string{gw.URL}, signing.NewTrustedSet(nil), false)

	artifact, err := f.Resolve(context.Background(), contentID)
	require.NoError(t, err)
	assert.Empty(t, artifact.VerifiedSigner)
}

func TestFetcher_GatewayResponseOverMaxFetchBytesRejected(t *testing.T) {
	contentID := sandbox.HashBytes(minimalWasm)
	big := make([]byte, 128)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(big)
	}))
	defer gw.Close()

	f, err := New(Options{
		StoreDir:      t.TempDir(),
		MaxStoreBytes: 1 << 20,
		Gateways:      []string{gw.URL},
		FetchTimeout:  2 * time.Second,
		MaxFetchBytes: 16,
	}, signing.NewTrustedSet(nil), circuitbreaker.NewNodeCircuitBreakers(), sandbox.NewRuntime(moduleapi.DefaultHostLimits()))
	require.NoError(t, err)

	_, err = f.Resolve(context.Background(), contentID)
	require.Error(t, err)
}

func TestNewStore_CreatesDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "modules")
	_, err := NewStore(dir, 1<<20)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
