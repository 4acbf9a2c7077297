// Package dispatcher implements the module dispatcher (C5): it executes a
// matched route's pipeline sequentially, diverts to the challenge engine on
// a Challenge verdict, short-circuits on Block, and otherwise hands the
// request on to the cache and upstream client.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-edge/node/internal/cache"
	"github.com/aegis-edge/node/internal/config"
	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/internal/router"
	"github.com/aegis-edge/node/internal/sandbox"
	"github.com/aegis-edge/node/internal/upstream"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

// defaultUpstreamTimeout bounds the upstream call when nothing tighter
// applies. spec.md §3's Route type carries a body limit but no dedicated
// upstream timeout field, so the dispatcher applies one uniform default
// here rather than inventing a schema field the specification never names.
const defaultUpstreamTimeout = 30 * time.Second

// ArtifactProvider resolves a content-addressed module reference to a
// compiled sandbox artifact, implemented by the module registry fetcher
// (C13) and supplied to the dispatcher at construction.
type ArtifactProvider interface {
	Resolve(ctx context.Context, contentID string) (*sandbox.Artifact, error)
}

// ModuleTiming records one pipeline step's outcome with microsecond
// precision, per spec.md §4.5.
type ModuleTiming struct {
	ModuleID  string
	ContentID string
	Kind      router.ModuleKind
	Elapsed   time.Duration
	Verdict   moduleapi.VerdictKind
	Err       error
}

// Result is the dispatcher's final decision for one request, ready for an
// HTTP handler to write back to the client.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FromCache  bool
	Route      *router.Route
	Timings    []ModuleTiming
}

// Dispatcher owns no per-request state; every Handle call is independent,
// reading the current configuration generation fresh each time so a
// concurrent config reload (C14) never affects a request already in
// flight but is picked up by the very next one.
type Dispatcher struct {
	manager     *config.Manager
	sandboxRT   *sandbox.Runtime
	artifacts   ArtifactProvider
	cacheStore  *cache.Store
	upstreamCli *upstream.Client
	botDetector *BotDetector
}

// New builds a Dispatcher. artifacts, cacheStore, and botDetector may be
// nil (EdgeFunction modules, caching, and bot-detection are then each
// skipped with a Pass verdict or an explicit error, rather than panicking).
func New(manager *config.Manager, sandboxRT *sandbox.Runtime, artifacts ArtifactProvider, cacheStore *cache.Store, upstreamCli *upstream.Client, botDetector *BotDetector) *Dispatcher {
	return &Dispatcher{
		manager:     manager,
		sandboxRT:   sandboxRT,
		artifacts:   artifacts,
		cacheStore:  cacheStore,
		upstreamCli: upstreamCli,
		botDetector: botDetector,
	}
}

// Handle runs the full per-request pipeline: route match against the
// active generation, cache lookup, the matched route's module pipeline,
// then upstream forwarding and write-through caching, per spec.md §2's
// data flow C3 -> C5 -> (C6/C7/C4)* -> C8 -> C9.
func (d *Dispatcher) Handle(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	gen := d.manager.Current()
	if gen == nil {
		return nil, fmt.Errorf("dispatcher: no configuration loaded")
	}

	route := gen.Routes.Match(env.Method, env.Path, env.Headers)
	authority := env.Headers.Get("Host")
	cacheable := env.Method == http.MethodGet

	if env.BodyTooBig() || (route.BodyLimit > 0 && len(env.Body()) > route.BodyLimit) {
		return &Result{
			StatusCode: http.StatusRequestEntityTooLarge,
			Headers:    http.Header{"X-Aegis-Block-Reason": []string{"body_too_large"}},
			Route:      route,
		}, nil
	}

	var cacheKey string
	if cacheable && d.cacheStore != nil {
		cacheKey = env.CacheKeyHex(authority, route.VaryHeaders)
		if entry, hit := d.cacheStore.Get(ctx, cacheKey); hit {
			return &Result{
				StatusCode: entry.StatusCode,
				Headers:    cloneHeaderMap(entry.Headers),
				Body:       entry.Body,
				FromCache:  true,
				Route:      route,
			}, nil
		}
	}

	timings := make([]ModuleTiming, 0, len(route.Pipeline))
	for _, ref := range route.Pipeline {
		start := time.Now()
		verdict, err := d.invokeRecovered(ctx, ref, env, gen)
		timings = append(timings, ModuleTiming{
			ModuleID: ref.ModuleID, ContentID: ref.ContentID, Kind: ref.Kind,
			Elapsed: time.Since(start), Verdict: verdict.Kind, Err: err,
		})

		if err != nil {
			if route.ContinueOnError {
				slog.Warn("dispatcher: module failed, continuing", "module_id", ref.ModuleID, "content_id", ref.ContentID, "err", err)
				continue
			}
			slog.Error("dispatcher: module failed, aborting request", "module_id", ref.ModuleID, "content_id", ref.ContentID, "err", err)
			return &Result{StatusCode: http.StatusInternalServerError, Route: route, Timings: timings}, nil
		}

		switch verdict.Kind {
		case moduleapi.VerdictPass, moduleapi.VerdictModified:
			continue
		case moduleapi.VerdictBlock:
			status := http.StatusForbidden
			if verdict.Reason == "body_too_large" {
				// spec.md §4.6: oversized bodies trigger 413, not a generic block.
				status = http.StatusRequestEntityTooLarge
			}
			return &Result{
				StatusCode: status,
				Headers:    http.Header{"X-Aegis-Block-Reason": []string{verdict.Reason}},
				Route:      route,
				Timings:    timings,
			}, nil
		case moduleapi.VerdictChallenge:
			return d.challengeResult(verdict, route, timings), nil
		default:
			return &Result{StatusCode: http.StatusInternalServerError, Route: route, Timings: timings}, nil
		}
	}

	// A module may have called set_response (or the bot detector may have
	// attached a trust token header) without itself returning Block or
	// Challenge — spec.md §4.4's "Only one call honored" on set_response,
	// surfaced here as the module's own response winning over upstream.
	if env.ResponseStatus != 0 {
		return &Result{
			StatusCode: env.ResponseStatus,
			Headers:    cloneHeaderOrNew(env.ResponseHeaders),
			Body:       env.ResponseBody,
			Route:      route,
			Timings:    timings,
		}, nil
	}

	if d.upstreamCli == nil {
		return &Result{StatusCode: http.StatusBadGateway, Route: route, Timings: timings}, nil
	}

	resp, err := d.forwardUpstream(ctx, env, route, authority)
	if err != nil {
		slog.Error("dispatcher: upstream forward failed", "route", route.Name, "err", err)
		return &Result{StatusCode: http.StatusBadGateway, Route: route, Timings: timings}, nil
	}

	if cacheable && d.cacheStore != nil && isCacheableResponse(resp) {
		d.cacheStore.Set(ctx, cacheKey, &cache.Entry{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       resp.Body,
			StoredAt:   time.Now(),
			TTL:        gen.Raw.Cache.TTLDefault(),
		})
	}

	headers := resp.Headers
	if len(env.ResponseHeaders) > 0 {
		headers = cloneHeaderMap(resp.Headers)
		for name, values := range env.ResponseHeaders {
			for _, v := range values {
				headers.Add(name, v)
			}
		}
	}
	return &Result{StatusCode: resp.StatusCode, Headers: headers, Body: resp.Body, Route: route, Timings: timings}, nil
}

// invokeRecovered wraps invoke in a recover so one module's panic degrades
// to an ordinary pipeline error rather than taking down the process — the
// "a module failure MUST NOT terminate the process" invariant in spec.md
// §4.5.
func (d *Dispatcher) invokeRecovered(ctx context.Context, ref router.ModuleRef, env *envelope.Envelope, gen *config.Generation) (verdict moduleapi.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s panicked: %v", ref.ModuleID, r)
		}
	}()
	return d.invoke(ctx, ref, env, gen)
}

func (d *Dispatcher) invoke(ctx context.Context, ref router.ModuleRef, env *envelope.Envelope, gen *config.Generation) (moduleapi.Verdict, error) {
	switch ref.Kind {
	case router.KindWAF:
		return gen.WAF.Evaluate(env), nil
	case router.KindBotDetector:
		if d.botDetector == nil {
			return moduleapi.Verdict{Kind: moduleapi.VerdictPass}, nil
		}
		return d.botDetector.Evaluate(env), nil
	case router.KindEdgeFunction:
		return d.invokeEdgeFunction(ctx, ref, env)
	default:
		return moduleapi.Verdict{}, fmt.Errorf("unknown module kind %q", ref.Kind)
	}
}

func (d *Dispatcher) invokeEdgeFunction(ctx context.Context, ref router.ModuleRef, env *envelope.Envelope) (moduleapi.Verdict, error) {
	if d.sandboxRT == nil || d.artifacts == nil {
		return moduleapi.Verdict{}, fmt.Errorf("edge function modules unavailable: no sandbox runtime configured")
	}
	artifact, err := d.artifacts.Resolve(ctx, ref.ContentID)
	if err != nil {
		return moduleapi.Verdict{}, fmt.Errorf("resolve module %s: %w", ref.ContentID, err)
	}
	if ref.RequiredPubKey != "" && artifact.VerifiedSigner != ref.RequiredPubKey {
		return moduleapi.Verdict{}, fmt.Errorf("module %s: signer %q does not satisfy required key", ref.ContentID, artifact.VerifiedSigner)
	}

	svc := newRequestHostServices(env, d.cacheStore, ssrfDenylistedHost)
	res, err := d.sandboxRT.Invoke(ctx, artifact, svc)
	if err != nil {
		return moduleapi.Verdict{}, err
	}
	return res.Verdict, nil
}

// challengeResult translates a Challenge verdict into the HTTP response a
// client must solve and retry with, carrying the challenge id and PoW seed
// BotDetector packed into Reason as "<id>:<seedHex>".
func (d *Dispatcher) challengeResult(verdict moduleapi.Verdict, route *router.Route, timings []ModuleTiming) *Result {
	id, seed, _ := strings.Cut(verdict.Reason, ":")
	h := http.Header{}
	h.Set("X-Aegis-Challenge-Id", id)
	h.Set("X-Aegis-Challenge-Seed", seed)
	return &Result{
		StatusCode: http.StatusUnauthorized,
		Headers:    h,
		Body:       []byte("challenge required"),
		Route:      route,
		Timings:    timings,
	}
}

func (d *Dispatcher) forwardUpstream(ctx context.Context, env *envelope.Envelope, route *router.Route, authority string) (*upstream.Response, error) {
	host, port := splitAuthority(authority)
	key := upstream.PoolKey{Host: host, Port: port, SNI: host}

	limit := route.BodyLimit
	if limit <= 0 {
		limit = envelope.MaxBodyBytes
	}
	opts := upstream.Options{Timeout: defaultUpstreamTimeout, MaxBody: limit, TLS: true}
	return d.upstreamCli.Forward(ctx, key, env, opts)
}

func splitAuthority(authority string) (string, int) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 443
	}
	return host, port
}

// isCacheableResponse applies spec.md §4.8's write-through rule: GET (the
// caller already filtered on that), 2xx, and not explicitly marked
// no-store.
func isCacheableResponse(resp *upstream.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return !strings.Contains(strings.ToLower(resp.Headers.Get("Cache-Control")), "no-store")
}

func cloneHeaderMap(src map[string][]string) http.Header {
	h := make(http.Header, len(src))
	for k, v := range src {
		h[k] = append([]string(nil), v...)
	}
	return h
}

func cloneHeaderOrNew(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h
}
