package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aegis-edge/node/pkg/moduleapi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostServices is the set of capabilities a module invocation may reach
// through the host API (spec.md §4.4). It is injected per invocation so
// each call is scoped to one request's cache/envelope/SSRF policy.
type HostServices interface {
	CacheGet(ctx context.Context, key []byte) (value []byte, found bool)
	CacheSet(ctx context.Context, key, value []byte, ttl time.Duration) error
	RequestMeta() moduleapi.RequestMeta
	SetResponse(status int, headers map[string][]string, body []byte) error
	EmitVerdict(kind moduleapi.VerdictKind, reason string)
	Log(level, msg string)
	SSRFDenied(host string) bool
	// LastVerdict returns the verdict recorded by the most recent
	// EmitVerdict call, or VerdictPass if the module never called it.
	LastVerdict() moduleapi.Verdict
}

// callBudget enforces the per-invocation host-API call cap from spec.md §4.4.
type callBudget struct {
	max  int
	used atomic.Int64
}

func (b *callBudget) take() error {
	if int(b.used.Add(1)) > b.max {
		return fmt.Errorf("host-api call budget exceeded (max %d)", b.max)
	}
	return nil
}

// buildHostModule wires the narrow host API table into a wazero host module
// named "aegis". Every size-prefixed argument is bounds-checked against its
// declared maximum BEFORE any allocation, per spec.md §4.4's invariant that
// a length prefix of u32::MAX must never cause a matching allocation — each
// function below rejects a length above that argument's maximum before
// calling mem.Read, which itself fails on a range outside linear memory.
func buildHostModule(rt wazero.Runtime, svc HostServices, budget *callBudget, logRate *rateGate) (wazero.HostModuleBuilder, error) {
	b := rt.NewHostModuleBuilder("aegis")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) uint32 {
			if err := budget.take(); err != nil {
				return 1
			}
			if fc := fuelFromContext(ctx); fc != nil && !fc.charge(hostCallFuelCost) {
				return 1
			}
			if msgLen > moduleapi.MaxLogMessage {
				return 1
			}
			level, ok1 := readBounded(mod, levelPtr, levelLen, 64)
			msg, ok2 := readBounded(mod, msgPtr, msgLen, moduleapi.MaxLogMessage)
			if !ok1 || !ok2 {
				return 1
			}
			if logRate.allow() {
				svc.Log(string(level), string(msg))
			}
			return 0
		}).
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) uint64 {
			if err := budget.take(); err != nil {
				return packNotFound()
			}
			if fc := fuelFromContext(ctx); fc != nil && !fc.charge(hostCallFuelCost) {
				return packNotFound()
			}
			if keyLen > moduleapi.MaxCacheKey {
				return packNotFound()
			}
			key, ok := readBounded(mod, keyPtr, keyLen, moduleapi.MaxCacheKey)
			if !ok {
				return packNotFound()
			}
			val, found := svc.CacheGet(ctx, key)
			if !found || len(val) > moduleapi.MaxCacheValue {
				return packNotFound()
			}
			// The guest pre-allocates (outPtr, outCap) and owns that memory;
			// the host never allocates on the guest's behalf. A value that
			// does not fit in the guest's buffer is reported the same way as
			// a miss, so the guest can retry with a larger buffer.
			if len(val) > int(outCap) {
				return packNotFound()
			}
			if !mod.Memory().Write(outPtr, val) {
				return packNotFound()
			}
			return uint64(len(val))
		}).
		Export("cache_get")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32, ttlSecs uint32) uint32 {
			if err := budget.take(); err != nil {
				return 1
			}
			if fc := fuelFromContext(ctx); fc != nil && !fc.charge(hostCallFuelCost) {
				return 1
			}
			if keyLen > moduleapi.MaxCacheKey || valLen > moduleapi.MaxCacheValue {
				return 1
			}
			ttl := time.Duration(ttlSecs) * time.Second
			if ttl > moduleapi.MaxCacheTTL {
				return 1
			}
			key, ok1 := readBounded(mod, keyPtr, keyLen, moduleapi.MaxCacheKey)
			val, ok2 := readBounded(mod, valPtr, valLen, moduleapi.MaxCacheValue)
			if !ok1 || !ok2 {
				return 1
			}
			if err := svc.CacheSet(ctx, key, val, ttl); err != nil {
				return 1
			}
			return 0
		}).
		Export("cache_set")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen, outPtr, outCap uint32) uint64 {
			if err := budget.take(); err != nil {
				return packNotFound()
			}
			if fc := fuelFromContext(ctx); fc != nil && !fc.charge(hostCallFuelCost*20) {
				return packNotFound()
			}
			if urlLen > 2048 {
				return packNotFound()
			}
			raw, ok := readBounded(mod, urlPtr, urlLen, 2048)
			if !ok {
				return packNotFound()
			}
			u, err := url.Parse(string(raw))
			if err != nil || u.Scheme != "https" {
				return packNotFound()
			}
			if svc.SSRFDenied(u.Hostname()) {
				return packNotFound()
			}
			hctx, cancel := context.WithTimeout(ctx, moduleapi.HTTPFetchTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(hctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return packNotFound()
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return packNotFound()
			}
			defer resp.Body.Close()

			// Read at most MaxHTTPFetch+1 bytes so an oversized response is
			// detected and rejected rather than silently truncated.
			limited := io.LimitReader(resp.Body, int64(moduleapi.MaxHTTPFetch)+1)
			body, err := io.ReadAll(limited)
			if err != nil || len(body) > moduleapi.MaxHTTPFetch {
				return packNotFound()
			}
			// As with cache_get, the guest owns (outPtr, outCap); a body
			// that doesn't fit is reported as a failed fetch.
			if len(body) > int(outCap) {
				return packNotFound()
			}
			if !mod.Memory().Write(outPtr, body) {
				return packNotFound()
			}
			return uint64(len(body))
		}).
		Export("http_get")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, status uint32, headersPtr, headersLen, bodyPtr, bodyLen uint32) uint32 {
			if err := budget.take(); err != nil {
				return 1
			}
			if fc := fuelFromContext(ctx); fc != nil && !fc.charge(hostCallFuelCost) {
				return 1
			}
			if headersLen > moduleapi.MaxSetResponseHeaders || bodyLen > moduleapi.MaxSetResponseBody {
				return 1
			}
			var headers map[string][]string
			if headersLen > 0 {
				raw, ok := readBounded(mod, headersPtr, headersLen, moduleapi.MaxSetResponseHeaders)
				if !ok {
					return 1
				}
				// Headers cross the ABI as a JSON object of name -> values,
				// the same encoding already used for every other structured
				// value (trust tokens, gossip envelopes) that crosses a
				// serialization boundary in this codebase.
				if err := json.Unmarshal(raw, &headers); err != nil {
					return 1
				}
			}
			var body []byte
			if bodyLen > 0 {
				b, ok := readBounded(mod, bodyPtr, bodyLen, moduleapi.MaxSetResponseBody)
				if !ok {
					return 1
				}
				body = b
			}
			if err := svc.SetResponse(int(status), headers, body); err != nil {
				return 1
			}
			return 0
		}).
		Export("set_response")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, kind uint32, reasonPtr, reasonLen uint32) {
			_ = budget.take()
			if fc := fuelFromContext(ctx); fc != nil {
				fc.charge(hostCallFuelCost)
			}
			reason, _ := readBounded(mod, reasonPtr, reasonLen, 1024)
			var vk moduleapi.VerdictKind
			switch kind {
			case 0:
				vk = moduleapi.VerdictPass
			case 1:
				vk = moduleapi.VerdictBlock
			case 2:
				vk = moduleapi.VerdictChallenge
			case 3:
				vk = moduleapi.VerdictModified
			default:
				vk = moduleapi.VerdictBlock
			}
			svc.EmitVerdict(vk, string(reason))
		}).
		Export("emit_verdict")

	return b, nil
}

// readBounded reads a (ptr, len) pair from guest memory, rejecting before
// any allocation if len exceeds max. This is the one checkpoint that
// guarantees a declared length of u32::MAX never reaches an allocation.
func readBounded(mod api.Module, ptr, length uint32, max int) ([]byte, bool) {
	if length > uint32(max) {
		return nil, false
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func packNotFound() uint64 { return ^uint64(0) }

// rateGate is a simple token-bucket limiter for the log() host call,
// satisfying "Rate-limited" in spec.md §4.4's host-API table.
type rateGate struct {
	tokens   atomic.Int64
	max      int64
	lastFill atomic.Int64
}

func newRateGate(perSecond int64) *rateGate {
	g := &rateGate{max: perSecond}
	g.tokens.Store(perSecond)
	g.lastFill.Store(time.Now().UnixNano())
	return g
}

func (g *rateGate) allow() bool {
	now := time.Now().UnixNano()
	last := g.lastFill.Load()
	if now-last > int64(time.Second) {
		if g.lastFill.CompareAndSwap(last, now) {
			g.tokens.Store(g.max)
		}
	}
	for {
		cur := g.tokens.Load()
		if cur <= 0 {
			return false
		}
		if g.tokens.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
