// Command aegisd is the AEGIS edge node daemon: it loads a node
// configuration, terminates TLS 1.3, and runs every inbound request
// through the module dispatcher (route match -> WAF/bot-detector/edge
// functions -> cache -> upstream).
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-edge/node/internal/cache"
	"github.com/aegis-edge/node/internal/challenge"
	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/config"
	"github.com/aegis-edge/node/internal/counter"
	"github.com/aegis-edge/node/internal/dispatcher"
	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/internal/gossip"
	"github.com/aegis-edge/node/internal/registry"
	"github.com/aegis-edge/node/internal/replay"
	"github.com/aegis-edge/node/internal/sandbox"
	"github.com/aegis-edge/node/internal/signing"
	"github.com/aegis-edge/node/internal/telemetry"
	"github.com/aegis-edge/node/internal/tlsterm"
	"github.com/aegis-edge/node/internal/upstream"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/aegis/node.yaml", "path to the node configuration file")
		tlsCert    = flag.String("tls-cert", "", "path to the PEM-encoded TLS certificate chain")
		tlsKey     = flag.String("tls-key", "", "path to the PEM-encoded TLS private key")
		listenAddr = flag.String("listen", "", "override the configured listener address (host:port)")
		strictReg  = flag.Bool("registry-strict", true, "require a verified signature for every fetched module")
		adminAddr  = flag.String("admin-listen", "127.0.0.1:9091", "address for the aegisctl-facing admin API")
	)
	flag.Parse()

	if err := run(*configPath, *tlsCert, *tlsKey, *listenAddr, *adminAddr, *strictReg); err != nil {
		slog.Error("aegisd: fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath, tlsCertPath, tlsKeyPath, listenOverride, adminAddr string, strictRegistry bool) error {
	mgr := config.NewManager()
	gen, err := mgr.Load(configPath)
	if err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}

	configureLogging(gen.Raw.Observability.LogLevel)
	slog.Info("aegisd: configuration loaded", "generation", gen.Number, "routes", len(gen.Raw.Routes))

	nodePub, nodePriv, err := loadOrGenerateNodeIdentity(gen.Raw.NodeSigningPrivateKey)
	if err != nil {
		return fmt.Errorf("node signing identity: %w", err)
	}
	slog.Info("aegisd: node signing identity ready", "fingerprint", signing.Fingerprint(nodePub))

	breakers := circuitbreaker.NewNodeCircuitBreakers()
	sandboxRT := sandbox.NewRuntime(sandboxLimitsFromConfig(gen.Raw.Sandbox))

	fetcher, err := registry.New(registry.Options{
		StoreDir:      gen.Raw.Registry.StoreDir,
		MaxStoreBytes: gen.Raw.Registry.MaxStoreBytes,
		DaemonAddr:    gen.Raw.Registry.DaemonAddr,
		Gateways:      gen.Raw.Registry.Gateways,
		FetchTimeout:  time.Duration(gen.Raw.Registry.FetchTimeoutMs) * time.Millisecond,
		MaxFetchBytes: gen.Raw.Registry.MaxFetchBytes,
		Strict:        strictRegistry,
	}, trustedWithNode(gen.Trusted, nodePub), breakers, sandboxRT)
	if err != nil {
		return fmt.Errorf("module registry fetcher: %w", err)
	}

	var remoteTier cache.RemoteTier
	if gen.Raw.Cache.RedisAddr != "" {
		rt, err := cache.NewRedisTier(gen.Raw.Cache.RedisAddr, gen.Raw.Cache.RedisPassword, gen.Raw.Cache.RedisDB)
		if err != nil {
			slog.Warn("aegisd: redis cache tier unavailable, continuing memory-only", "err", err)
		} else {
			remoteTier = rt
		}
	}
	cacheStore := cache.NewStore(
		time.Duration(gen.Raw.Cache.TTLDefaultSec)*time.Second,
		gen.Raw.Cache.MaxEntries,
		remoteTier,
	)

	upstreamCli := upstream.New(breakers, gen.Raw.Server.Env == "production")

	nodeSecret := make([]byte, 32)
	if _, err := rand.Read(nodeSecret); err != nil {
		return fmt.Errorf("generate PoW seed secret: %w", err)
	}
	challengeEngine := challenge.NewEngine(
		nodeSecret,
		nodePub, nodePriv,
		time.Duration(gen.Raw.Challenge.SubmissionWindowSec)*time.Second,
	)
	challengeEngine.SetThresholds(challenge.Thresholds{
		Allow:     gen.Raw.Challenge.AllowThreshold,
		Challenge: gen.Raw.Challenge.ChallengeThreshold,
	})
	botDetector := dispatcher.NewBotDetector(
		challengeEngine,
		trustedWithNode(gen.Trusted, nodePub),
		gen.Raw.Challenge.DefaultPoWDifficulty,
		gen.Raw.Challenge.AllowThreshold,
	)

	d := dispatcher.New(mgr, sandboxRT, fetcher, cacheStore, upstreamCli, botDetector)
	metrics := telemetry.NewMetrics()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	hub := startBackgroundServices(bgCtx, gen, nodePub, nodePriv, metrics)

	tlsCertPath, tlsKeyPath = resolveTLSMaterial(gen, tlsCertPath, tlsKeyPath)
	cert, err := tls.LoadX509KeyPair(tlsCertPath, tlsKeyPath)
	if err != nil {
		return fmt.Errorf("load TLS material: %w", err)
	}
	term := tlsterm.NewTerminator([]tls.Certificate{cert})

	addr := gen.Raw.Server.Interface + ":" + gen.Raw.Server.Port
	if listenOverride != "" {
		addr = listenOverride
	}
	rawListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	listener := tlsterm.NewListener(rawListener, term)

	httpSrv := &http.Server{
		Handler:      requestHandler(d, gen.Raw.Server, metrics),
		ReadTimeout:  time.Duration(gen.Raw.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(gen.Raw.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(gen.Raw.Server.IdleTimeoutSec) * time.Second,
		ConnContext:  stashFingerprint,
	}

	var metricsSrv *http.Server
	if gen.Raw.Observability.MetricsAddr != "" {
		metricsSrv = newMetricsServer(gen.Raw.Observability.MetricsAddr, gen.Raw.Observability.MetricsAuthKey)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("aegisd: metrics server failed", "err", err)
			}
		}()
	}

	go watchReloadSignal(mgr, configPath, fetcher, botDetector, nodePub)

	adminSrv := &http.Server{Addr: adminAddr, Handler: adminHandler(mgr, configPath, fetcher, botDetector, cacheStore, hub, nodePub)}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("aegisd: admin server failed", "err", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(listener) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-stopCtx.Done():
		slog.Info("aegisd: shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(gen.Raw.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// trustedWithNode extends the configured trusted-operator set with the
// node's own signing key: trust tokens and module signatures minted by
// this node must verify against the same set used to check tokens and
// modules signed by peer operators.
func trustedWithNode(trusted *signing.TrustedSet, nodePub signing.PublicKey) *signing.TrustedSet {
	keys := append(trusted.Keys(), nodePub)
	return signing.NewTrustedSet(keys)
}

func loadOrGenerateNodeIdentity(hexPriv string) (signing.PublicKey, signing.PrivateKey, error) {
	if hexPriv == "" {
		return signing.GenerateKeyPair()
	}
	raw, err := hex.DecodeString(hexPriv)
	if err != nil {
		return nil, nil, fmt.Errorf("node_signing_private_key: invalid hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("node_signing_private_key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := signing.PrivateKey(raw)
	pub, ok := priv.Public().(signing.PublicKey)
	if !ok {
		return nil, nil, errors.New("node_signing_private_key: malformed ed25519 key")
	}
	return pub, priv, nil
}

// configureLogging installs a process-wide structured logger at the
// configured level, mirroring the level-gated slog setup
// internal/identity/spiffe.go uses for SPIFFE handshake events.
func configureLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func sandboxLimitsFromConfig(sc config.SandboxConfig) moduleapi.HostLimits {
	limits := moduleapi.DefaultHostLimits()
	if sc.Fuel > 0 {
		limits.MaxFuel = sc.Fuel
	}
	if sc.MemoryBytes > 0 {
		limits.MaxMemoryBytes = sc.MemoryBytes
	}
	if sc.DeadlineMs > 0 {
		limits.Deadline = time.Duration(sc.DeadlineMs) * time.Millisecond
	}
	if sc.MaxHostCalls > 0 {
		limits.MaxHostCalls = sc.MaxHostCalls
	}
	return limits
}

// resolveTLSMaterial prefers explicit flags over any future config-driven
// certificate path, since certificate material is operational secret
// material that belongs outside the versioned configuration file.
func resolveTLSMaterial(gen *config.Generation, certPath, keyPath string) (string, string) {
	return certPath, keyPath
}

type fingerprintConnKey struct{}

// stashFingerprint threads the TLS terminator's per-connection client
// fingerprint (C2's sole contribution to the request envelope) into the
// request context so requestHandler can recover it without re-parsing
// the connection.
func stashFingerprint(ctx context.Context, c net.Conn) context.Context {
	if tc, ok := c.(*tlsterm.Conn); ok {
		return context.WithValue(ctx, fingerprintConnKey{}, tc.Fingerprint())
	}
	return ctx
}

func fingerprintFromContext(ctx context.Context) string {
	fp, _ := ctx.Value(fingerprintConnKey{}).(string)
	return fp
}

// requestHandler adapts net/http's request/response model to the
// dispatcher's envelope/Result model.
func requestHandler(d *dispatcher.Dispatcher, sc config.ServerConfig, metrics *telemetry.Metrics) http.Handler {
	deadline := time.Duration(sc.RequestDeadlineSec) * time.Second
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}

		env := envelope.New(r, r.RemoteAddr, fingerprintFromContext(r.Context()), envelope.MaxBodyBytes)
		if r.Body != nil {
			if err := env.ReadBody(r.Body); err != nil {
				var tooBig *envelope.ErrBodyTooLarge
				if errors.As(err, &tooBig) {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					metrics.RecordRequest(env.Path, http.StatusRequestEntityTooLarge, time.Since(start))
					return
				}
			}
		}

		result, err := d.Handle(ctx, env)
		if err != nil {
			slog.Error("aegisd: dispatch failed", "path", env.Path, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			metrics.RecordRequest(env.Path, http.StatusInternalServerError, time.Since(start))
			return
		}

		for name, values := range result.Headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(result.StatusCode)
		if len(result.Body) > 0 {
			_, _ = io.Copy(w, bytes.NewReader(result.Body))
		}

		route := "unmatched"
		if result.Route != nil {
			route = result.Route.Name
		}
		metrics.RecordRequest(route, result.StatusCode, time.Since(start))
		if result.FromCache {
			metrics.RecordCacheLookup("hit")
		} else {
			metrics.RecordCacheLookup("miss")
		}
	})
}

// newMetricsServer exposes the process's registered Prometheus metrics,
// gated by a shared key when one is configured — the metrics surface
// carries no request content, but still reveals traffic volume and block
// rates to whoever can reach it.
func newMetricsServer(addr, authKey string) *http.Server {
	mux := http.NewServeMux()
	handler := promhttp.Handler()
	mux.Handle("/metrics", authGate(authKey, handler))
	return &http.Server{Addr: addr, Handler: mux}
}

func authGate(authKey string, next http.Handler) http.Handler {
	if authKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Aegis-Metrics-Key") != authKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startBackgroundServices launches C10 (distributed counter bus) and C11
// (threat-intel gossip hub) as best-effort background services, each gated
// on whether its configuration section is actually populated — a node
// running standalone, with no bus project or gossip listener configured,
// runs the full request-serving path without either.
//
// C12's blocklist updater and C1's eBPF kernel packet filter are
// deliberately not started here: both require a pinned BPF map and
// CAP_BPF/CAP_NET_ADMIN provided by a privileged loader process outside
// this daemon's process boundary, and internal/kernelfilter's RingReader
// already documents the mock-mode fallback that stands in for that loader
// in environments without it.
func startBackgroundServices(ctx context.Context, gen *config.Generation, nodePub signing.PublicKey, nodePriv signing.PrivateKey, metrics *telemetry.Metrics) *gossip.Hub {
	var hub *gossip.Hub
	if gen.Raw.Bus.ProjectID != "" {
		trusted := trustedWithNode(gen.Trusted, nodePub)
		bus, err := counter.NewBus(ctx, gen.Raw.Bus.ProjectID, gen.Raw.Bus.TopicID, gen.Raw.Bus.SubID, nodePub, nodePriv, trusted)
		if err != nil {
			slog.Warn("aegisd: counter bus unavailable, running without cross-node counter sync", "err", err)
		} else {
			for _, spec := range gen.Raw.Counter.Windows {
				window := counter.NewWindow(spec.Resource, signing.Fingerprint(nodePub), time.Duration(spec.WindowSec)*time.Second, spec.Limit)
				bus.Register(spec.Resource, window)
			}
			slog.Info("aegisd: counter bus started", "project", gen.Raw.Bus.ProjectID, "topic", gen.Raw.Bus.TopicID, "windows", len(gen.Raw.Counter.Windows))
			go func() {
				defer bus.Close()
				err := bus.Listen(ctx, func(reason string) {
					metrics.RecordCounterDelta(reason, "dropped")
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("aegisd: counter bus listen failed", "err", err)
				}
			}()
		}
	}

	if gen.Raw.Gossip.ListenAddr != "" {
		nonces := replay.New(4096, time.Duration(gen.Raw.Gossip.ClockSkewSec)*2*time.Second)
		trusted := trustedWithNode(gen.Trusted, nodePub)
		verifier := gossip.NewVerifier(trusted, gen.Raw.Gossip.StrictMode, time.Duration(gen.Raw.Gossip.ClockSkewSec)*time.Second, nonces, gen.Raw.Gossip.PublishRatePerSec)
		hub = gossip.NewHub(gossip.PeerID(signing.Fingerprint(nodePub)), verifier, gen.Raw.Gossip.PublishRatePerSec)
		for _, topic := range []gossip.Topic{gossip.TopicThreats, gossip.TopicTrust} {
			topic := topic
			hub.Subscribe(topic, func(ctx context.Context, env *gossip.Envelope, payload json.RawMessage) {
				metrics.RecordGossipMessage(string(topic), "inbound")
			})
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/gossip", hub.ServeHTTP)
		srv := &http.Server{Addr: gen.Raw.Gossip.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("aegisd: gossip listener failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		if len(gen.Raw.Gossip.SeedPeers) > 0 {
			go hub.Bootstrap(ctx, gen.Raw.Gossip.SeedPeers, nil)
		}
		slog.Info("aegisd: gossip hub started", "listen_addr", gen.Raw.Gossip.ListenAddr, "seed_peers", len(gen.Raw.Gossip.SeedPeers))
	}

	return hub
}

// adminHandler serves the local-only API aegisctl drives: status, reload,
// rollback, cache purge, and peer count. It is deliberately a separate
// listener from the public data-plane one (bound to loopback by default),
// the same "admin surface is a distinct bind address, not a path prefix on
// the public listener" split the teacher's own internal tooling endpoints
// use.
func adminHandler(mgr *config.Manager, configPath string, fetcher *registry.Fetcher, botDetector *dispatcher.BotDetector, cacheStore *cache.Store, hub *gossip.Hub, nodePub signing.PublicKey) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		gen := mgr.Current()
		peerCount := -1
		if hub != nil {
			peerCount = hub.PeerCount()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"generation":    gen.Number,
			"loaded_at":     gen.LoadedAt,
			"source_file":   gen.SourceFile,
			"route_count":   len(gen.Raw.Routes),
			"history":       mgr.History(),
			"gossip_peers":  peerCount,
			"node_pub_hint": signing.Fingerprint(nodePub),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/reload", func(w http.ResponseWriter, req *http.Request) {
		gen, err := mgr.Load(configPath)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		trusted := trustedWithNode(gen.Trusted, nodePub)
		fetcher.SetTrusted(trusted)
		botDetector.SetTrusted(trusted)
		writeJSON(w, http.StatusOK, map[string]any{"generation": gen.Number})
	}).Methods(http.MethodPost)

	router.HandleFunc("/rollback", func(w http.ResponseWriter, req *http.Request) {
		target, err := strconv.Atoi(req.URL.Query().Get("to"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing or invalid ?to=<generation>"})
			return
		}
		gen, err := mgr.Rollback(target)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		trusted := trustedWithNode(gen.Trusted, nodePub)
		fetcher.SetTrusted(trusted)
		botDetector.SetTrusted(trusted)
		writeJSON(w, http.StatusOK, map[string]any{"generation": gen.Number})
	}).Methods(http.MethodPost)

	router.HandleFunc("/cache/purge", func(w http.ResponseWriter, req *http.Request) {
		cacheStore.Purge()
		writeJSON(w, http.StatusOK, map[string]any{"purged": true})
	}).Methods(http.MethodPost)

	router.HandleFunc("/peers", func(w http.ResponseWriter, req *http.Request) {
		if hub == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "gossip hub not enabled on this node"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"peer_count": hub.PeerCount()})
	}).Methods(http.MethodGet)

	return router
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// watchReloadSignal reloads the node configuration on SIGHUP (spec.md
// §4.14's "operators trigger a reload via SIGHUP or aegisctl reload"),
// re-publishing the trusted-operator set (plus the node's own key) to
// every component that independently tracks it.
func watchReloadSignal(mgr *config.Manager, configPath string, fetcher *registry.Fetcher, botDetector *dispatcher.BotDetector, nodePub signing.PublicKey) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	for range sighup {
		gen, err := mgr.Load(configPath)
		if err != nil {
			slog.Error("aegisd: config reload failed, retaining previous generation", "err", err)
			continue
		}
		trusted := trustedWithNode(gen.Trusted, nodePub)
		fetcher.SetTrusted(trusted)
		botDetector.SetTrusted(trusted)
		slog.Info("aegisd: configuration reloaded", "generation", gen.Number)
	}
}
