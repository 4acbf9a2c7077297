package registry

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/sandbox"
	"github.com/aegis-edge/node/internal/signing"
)

// Fetcher implements the module registry fetcher (C13) and satisfies
// internal/dispatcher.ArtifactProvider: given a content_id, resolve it
// through the tiered lookup spec.md §4.4 describes for the Wasm sandbox's
// module acquisition, then hand the verified bytes to the sandbox runtime
// to compile.
type Fetcher struct {
	store      *Store
	daemon     DaemonClient
	gateways   []string
	httpClient *http.Client
	breakers   *circuitbreaker.NodeCircuitBreakers
	sandboxRT  *sandbox.Runtime
	trusted    atomic.Pointer[signing.TrustedSet]
	strict     bool

	fetchTimeout time.Duration
	maxFetch     int64
}

// Options configures a Fetcher. DaemonAddr may be empty (daemon tier
// skipped). Strict mirrors spec.md §4.4's "strict mode (default for
// release builds)": when true, a module with no valid detached signature
// from a trusted operator is a fatal load error even if the route never
// set RequiredPubKey.
type Options struct {
	StoreDir      string
	MaxStoreBytes int64
	DaemonAddr    string
	Gateways      []string
	FetchTimeout  time.Duration
	MaxFetchBytes int64
	Strict        bool
}

// New builds a Fetcher. trusted is the node's current trusted-operator set
// (swapped on every config reload, like the route table); breakers and
// sandboxRT are shared, process-lifetime singletons.
func New(opts Options, trusted *signing.TrustedSet, breakers *circuitbreaker.NodeCircuitBreakers, sandboxRT *sandbox.Runtime) (*Fetcher, error) {
	store, err := NewStore(opts.StoreDir, opts.MaxStoreBytes)
	if err != nil {
		return nil, err
	}

	var daemon DaemonClient
	if opts.DaemonAddr != "" {
		daemon = NewDaemonClient(opts.DaemonAddr)
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxFetch := opts.MaxFetchBytes
	if maxFetch <= 0 {
		maxFetch = 10 << 20
	}

	f := &Fetcher{
		store:        store,
		daemon:       daemon,
		gateways:     opts.Gateways,
		httpClient:   &http.Client{Timeout: timeout},
		breakers:     breakers,
		sandboxRT:    sandboxRT,
		strict:       opts.Strict,
		fetchTimeout: timeout,
		maxFetch:     maxFetch,
	}
	f.trusted.Store(trusted)
	return f, nil
}

// SetTrusted swaps the trusted-operator set used for signature
// verification, called by the config loader (C14) on every reload
// alongside the route table and WAF rule set.
func (f *Fetcher) SetTrusted(trusted *signing.TrustedSet) {
	f.trusted.Store(trusted)
}

// Resolve implements internal/dispatcher.ArtifactProvider. It is the
// dispatcher-facing entry point for an EdgeFunction ModuleRef.
func (f *Fetcher) Resolve(ctx context.Context, contentID string) (*sandbox.Artifact, error) {
	if !ValidContentID(contentID) {
		return nil, fmt.Errorf("registry: invalid content_id %q", contentID)
	}

	data, fromStore, err := f.fetchBytes(ctx, contentID)
	if err != nil {
		return nil, err
	}

	verifiedSigner, sigErr := f.verifySignature(ctx, contentID, data, fromStore)
	if sigErr != nil {
		return nil, sigErr
	}

	if !fromStore {
		if actual := sandbox.HashBytes(data); actual != contentID {
			return nil, &sandbox.ErrCIDMismatch{Requested: contentID, Actual: actual}
		}
		if err := f.store.Put(contentID, data); err != nil {
			slog.Warn("registry: failed to persist fetched module", "content_id", contentID, "err", err)
		}
	}

	return f.sandboxRT.Compile(ctx, contentID, data, verifiedSigner)
}

// fetchBytes runs the tiered lookup: on-disk store, then local daemon,
// then the configured gateways in order, per spec.md §4.4. The second
// return value reports whether the hit came from the store (already
// verified and persisted on a prior fetch, so it is not re-signature-
// checked against strict mode a second time).
func (f *Fetcher) fetchBytes(ctx context.Context, contentID string) ([]byte, bool, error) {
	if data, ok := f.store.Get(contentID); ok {
		return data, true, nil
	}

	if f.daemon != nil {
		if data, err := f.fetchFromDaemon(ctx, contentID); err == nil {
			return data, false, nil
		} else {
			slog.Warn("registry: daemon fetch failed, falling back to gateways", "content_id", contentID, "err", err)
		}
	}

	for _, gw := range f.gateways {
		data, err := f.fetchFromGateway(ctx, gw, contentID)
		if err == nil {
			return data, false, nil
		}
		slog.Warn("registry: gateway fetch failed, trying next", "gateway", gw, "content_id", contentID, "err", err)
	}

	return nil, false, fmt.Errorf("registry: %s unresolvable: store miss, daemon unavailable, all gateways failed", contentID)
}

func (f *Fetcher) fetchFromDaemon(ctx context.Context, contentID string) ([]byte, error) {
	breaker := f.breakers.RegistryDaemon
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (any, error) {
		data, err := f.daemon.Fetch(ctx, contentID)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > f.maxFetch {
			return nil, fmt.Errorf("daemon response exceeds max fetch size of %d bytes", f.maxFetch)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (f *Fetcher) fetchFromGateway(ctx context.Context, gateway, contentID string) ([]byte, error) {
	breaker := f.breakers.RegistryGateway
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (any, error) {
		return f.httpGet(ctx, gateway+"/"+contentID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (f *Fetcher) httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, f.maxFetch+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if int64(len(data)) > f.maxFetch {
		return nil, fmt.Errorf("gateway response exceeds max fetch size of %d bytes", f.maxFetch)
	}
	return data, nil
}

// verifySignature fetches the detached signature for contentID's bytes
// (store, then daemon, then gateways, whichever tier the bytes came from)
// and checks it against every trusted
// operator key, returning the hex fingerprint of whichever key verifies
// (empty if none does). In strict mode, an unsigned or unverifiable module
// is a fatal error per spec.md §4.4; outside strict mode it is merely
// unsigned (a route with RequiredPubKey set will still reject it, in the
// dispatcher, by comparing against an empty VerifiedSigner).
func (f *Fetcher) verifySignature(ctx context.Context, contentID string, data []byte, fromStore bool) (string, error) {
	sig, ok := f.fetchSignature(ctx, contentID, fromStore)
	if !ok {
		if f.strict {
			return "", fmt.Errorf("registry: %s: strict mode requires a detached signature, none found", contentID)
		}
		return "", nil
	}

	for _, key := range f.trusted.Load().Keys() {
		if ed25519.Verify(key, data, sig) {
			return signing.Fingerprint(key), nil
		}
	}
	if f.strict {
		return "", fmt.Errorf("registry: %s: signature present but verifies against no trusted operator key", contentID)
	}
	return "", nil
}

func (f *Fetcher) fetchSignature(ctx context.Context, contentID string, fromStore bool) ([]byte, bool) {
	sigID := contentID + ".sig"
	if data, ok := f.store.Get(sigID); ok {
		return data, true
	}
	if fromStore {
		// The module itself came from the local store; its signature
		// would have been fetched and persisted alongside it the first
		// time, so a miss here means it was never signed.
		return nil, false
	}

	if f.daemon != nil {
		if data, err := f.fetchFromDaemon(ctx, sigID); err == nil {
			_ = f.store.Put(sigID, data)
			return data, true
		}
	}
	for _, gw := range f.gateways {
		if data, err := f.fetchFromGateway(ctx, gw, sigID); err == nil {
			_ = f.store.Put(sigID, data)
			return data, true
		}
	}
	return nil, false
}
