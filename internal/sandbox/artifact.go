// Package sandbox implements the Wasm module sandbox (C4): module
// acquisition, compilation/instantiation, and resource governance.
//
// Compilation is grounded on the pack's use of wazero for WASM execution
// (orbas1-Synnergy's core/contracts.go compiles and runs contract bytecode
// through wazero); the acquisition/eviction shape is grounded on the
// teacher's internal/gvisor sandbox executor and internal/ghostpool pool
// manager, generalized from process-per-invocation sandboxing to
// Wasm-instance-per-invocation sandboxing.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Artifact is a compiled module kept once per process, per spec.md §4.4
// ("compiled once per process and kept in a content_id → artifact map
// behind a read-mostly lock").
type Artifact struct {
	ContentID      string
	BytesHash      string
	VerifiedSigner string // signing fingerprint of the verifying key, empty if unsigned
	Compiled       wazero.CompiledModule
}

// ArtifactCache is the read-mostly content_id -> Artifact map.
type ArtifactCache struct {
	mu    sync.RWMutex
	byCID map[string]*Artifact
}

func NewArtifactCache() *ArtifactCache {
	return &ArtifactCache{byCID: make(map[string]*Artifact)}
}

func (c *ArtifactCache) Get(contentID string) (*Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byCID[contentID]
	return a, ok
}

func (c *ArtifactCache) Put(a *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCID[a.ContentID] = a
}

func (c *ArtifactCache) Evict(contentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.byCID[contentID]; ok {
		a.Compiled.Close(context.Background())
		delete(c.byCID, contentID)
	}
}

// HashBytes computes the content-addressing hash used to validate a
// downloaded module against its requested content_id (spec.md §4.4: "the
// hash MUST equal content_id — mismatch is a fatal load error").
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ErrCIDMismatch is returned when downloaded bytes don't hash to the
// requested content_id. Fatal: the module is never instantiated
// (spec.md §8 property 7, "CID integrity").
type ErrCIDMismatch struct {
	Requested, Actual string
}

func (e *ErrCIDMismatch) Error() string {
	return fmt.Sprintf("content hash mismatch: requested %s, got %s", e.Requested, e.Actual)
}

// Compile verifies the content hash, compiles the module with the shared
// wazero runtime, and stores the result keyed by content_id. It does not
// verify signatures — that happens in the registry fetcher (C13) before
// Compile is ever called, so an unsigned-but-hash-valid module never
// reaches this stage in strict mode.
func (rt *Runtime) Compile(ctx context.Context, contentID string, wasmBytes []byte, verifiedSigner string) (*Artifact, error) {
	actual := HashBytes(wasmBytes)
	if actual != contentID {
		return nil, &ErrCIDMismatch{Requested: contentID, Actual: actual}
	}

	if cached, ok := rt.artifacts.Get(contentID); ok {
		return cached, nil
	}

	compiled, err := rt.engine.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", contentID, err)
	}

	a := &Artifact{
		ContentID:      contentID,
		BytesHash:      actual,
		VerifiedSigner: verifiedSigner,
		Compiled:       compiled,
	}
	rt.artifacts.Put(a)
	slog.Info("sandbox: module compiled", "content_id", contentID, "signed", verifiedSigner != "")
	return a, nil
}
