package dispatcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/cache"
	"github.com/aegis-edge/node/internal/challenge"
	"github.com/aegis-edge/node/internal/circuitbreaker"
	"github.com/aegis-edge/node/internal/config"
	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/internal/sandbox"
	"github.com/aegis-edge/node/internal/signing"
	"github.com/aegis-edge/node/internal/upstream"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

func writeNodeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const baseConfigYAML = `
max_modules_per_request: 10
routes:
  - name: api
    priority: 100
    match_kind: prefix
    path_pattern: /api
    methods: [GET, POST]
    enabled: true
    body_limit: 1048576
    vary_headers: ["Accept"]
    pipeline:
      - kind: WAF
        module_id: waf-main
        content_id: waf-module-v1
waf:
  mode: classic
  threshold: 5
  body_limit: 1048576
  rules:
    - id: "1000"
      phase: 2
      severity: 10
      field: ARGS
      operator: "@detectSQLi"
cache:
  ttl_default_sec: 60
  max_entries: 100
`

const continueOnErrorConfigYAML = `
max_modules_per_request: 10
routes:
  - name: edge
    priority: 100
    match_kind: prefix
    path_pattern: /edge
    methods: [GET]
    enabled: true
    continue_on_error: %t
    body_limit: 1048576
    pipeline:
      - kind: EdgeFunction
        module_id: broken-fn
        content_id: sha256-broken
waf:
  mode: classic
  threshold: 5
  body_limit: 1048576
`

const tinyBodyConfigYAML = `
max_modules_per_request: 10
routes:
  - name: upload
    priority: 100
    match_kind: prefix
    path_pattern: /upload
    methods: [POST]
    enabled: true
    body_limit: 8
waf:
  mode: classic
  threshold: 5
  body_limit: 8
`

func loadGenManager(t *testing.T, yamlBody string) *config.Manager {
	t.Helper()
	path := writeNodeConfig(t, yamlBody)
	m := config.NewManager()
	_, err := m.Load(path)
	require.NoError(t, err)
	return m
}

func newEnvelopeFor(t *testing.T, method, rawPath, body string, bodyLimit int) *envelope.Envelope {
	t.Helper()
	u, err := url.Parse(rawPath)
	require.NoError(t, err)
	req := httptest.NewRequest(method, rawPath, nil)
	req.URL = u
	req.Header.Set("Host", "example.test")
	env := envelope.New(req, "203.0.113.5:4242", "deadbeef", bodyLimit)
	_ = env.ReadBody(strings.NewReader(body)) // oversized-body tests expect ErrBodyTooLarge here
	env.Headers.Set("Host", "example.test")
	return env
}

func newUpstreamClient() *upstream.Client {
	return upstream.New(circuitbreaker.NewNodeCircuitBreakers(), false)
}

func TestDispatcher_PassesThroughToUpstream(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("X-From-Origin", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("origin body"))
	}))
	defer srv.Close()

	manager := loadGenManager(t, baseConfigYAML)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	d := New(manager, nil, nil, nil, newUpstreamClient(), nil)

	env := newEnvelopeFor(t, http.MethodGet, "/api/widgets?q=hello", "", 1<<20)
	env.Headers.Set("Host", u.Hostname()+":"+strconv.Itoa(port))

	res, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "origin body", string(res.Body))
	assert.Equal(t, "yes", res.Headers.Get("X-From-Origin"))
	assert.Equal(t, 1, hits)
}

func TestDispatcher_WAFBlocksSQLi(t *testing.T) {
	manager := loadGenManager(t, baseConfigYAML)
	d := New(manager, nil, nil, nil, newUpstreamClient(), nil)

	env := newEnvelopeFor(t, http.MethodGet, "/api/widgets?q=1%20UNION%20SELECT%20*%20FROM%20users", "", 1<<20)
	env.Headers.Set("Host", "example.test")

	res, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.NotEmpty(t, res.Headers.Get("X-Aegis-Block-Reason"))
}

func TestDispatcher_OversizedBodyReturns413(t *testing.T) {
	manager := loadGenManager(t, tinyBodyConfigYAML)
	d := New(manager, nil, nil, nil, newUpstreamClient(), nil)

	env := newEnvelopeFor(t, http.MethodPost, "/upload", "this body is far larger than eight bytes", 8)
	env.Headers.Set("Host", "example.test")
	require.True(t, env.BodyTooBig())

	res, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	assert.Equal(t, "body_too_large", res.Headers.Get("X-Aegis-Block-Reason"))
}

func TestDispatcher_CacheHitShortCircuitsAndWriteThroughPopulates(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cacheable"))
	}))
	defer srv.Close()

	manager := loadGenManager(t, baseConfigYAML)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	authority := u.Hostname() + ":" + strconv.Itoa(port)

	store := cache.NewStore(time.Minute, 100, nil)
	d := New(manager, nil, nil, store, newUpstreamClient(), nil)

	env1 := newEnvelopeFor(t, http.MethodGet, "/api/widgets", "", 1<<20)
	env1.Headers.Set("Host", authority)
	res1, err := d.Handle(context.Background(), env1)
	require.NoError(t, err)
	require.False(t, res1.FromCache)
	require.Equal(t, 1, hits)

	env2 := newEnvelopeFor(t, http.MethodGet, "/api/widgets", "", 1<<20)
	env2.Headers.Set("Host", authority)
	res2, err := d.Handle(context.Background(), env2)
	require.NoError(t, err)
	assert.True(t, res2.FromCache)
	assert.Equal(t, "cacheable", string(res2.Body))
	assert.Equal(t, 1, hits, "a cache hit must not reach the origin a second time")
}

func TestDispatcher_ModuleErrorAbortsWhenContinueOnErrorFalse(t *testing.T) {
	manager := loadGenManager(t, sprintfConfig(continueOnErrorConfigYAML, false))
	d := New(manager, sandbox.NewRuntime(moduleapi.DefaultHostLimits()), failingArtifacts{}, nil, newUpstreamClient(), nil)

	env := newEnvelopeFor(t, http.MethodGet, "/edge/x", "", 1<<20)
	env.Headers.Set("Host", "example.test")

	res, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Len(t, res.Timings, 1)
	assert.Error(t, res.Timings[0].Err)
}

func TestDispatcher_ModuleErrorSkippedWhenContinueOnErrorTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("reached upstream"))
	}))
	defer srv.Close()

	manager := loadGenManager(t, sprintfConfig(continueOnErrorConfigYAML, true))
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	d := New(manager, sandbox.NewRuntime(moduleapi.DefaultHostLimits()), failingArtifacts{}, nil, newUpstreamClient(), nil)

	env := newEnvelopeFor(t, http.MethodGet, "/edge/x", "", 1<<20)
	env.Headers.Set("Host", u.Hostname()+":"+strconv.Itoa(port))

	res, err := d.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "reached upstream", string(res.Body))
}

// failingArtifacts always fails resolution, exercising invokeRecovered's
// ordinary (non-panicking) error path for an EdgeFunction module.
type failingArtifacts struct{}

func (failingArtifacts) Resolve(ctx context.Context, contentID string) (*sandbox.Artifact, error) {
	return nil, errors.New("module registry unavailable")
}

func sprintfConfig(tmpl string, b bool) string {
	return fmt.Sprintf(tmpl, b)
}

func TestSSRFDenylistedHost(t *testing.T) {
	assert.True(t, ssrfDenylistedHost("169.254.169.254"))
	assert.True(t, ssrfDenylistedHost("metadata.google.internal"))
	assert.True(t, ssrfDenylistedHost("127.0.0.1"))
	assert.True(t, ssrfDenylistedHost("10.0.0.5"))
	assert.True(t, ssrfDenylistedHost("no-such-host.invalid.test"))
	assert.False(t, ssrfDenylistedHost("93.184.216.34")) // public IP literal
}

func TestBotDetector_IssuesChallengeThenAllowsOnValidSolution(t *testing.T) {
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trusted := signing.NewTrustedSet([]signing.PublicKey{pub})
	engine := challenge.NewEngine([]byte("node-secret"), pub, priv, 30*time.Second)
	bd := NewBotDetector(engine, trusted, 8, 50)

	env := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	env.Headers.Set("Host", "example.test")
	env.Headers.Set("User-Agent", "test-agent")

	verdict := bd.Evaluate(env)
	require.Equal(t, moduleapi.VerdictChallenge, verdict.Kind)
	id, seedHex, ok := strings.Cut(verdict.Reason, ":")
	require.True(t, ok)

	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	puzzle := &challenge.Puzzle{Seed: seed, Difficulty: 8}
	nonce, solved := puzzle.Solve(1 << 20)
	require.True(t, solved)

	submitEnv := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	submitEnv.Headers.Set("Host", "example.test")
	submitEnv.Headers.Set("User-Agent", "test-agent")
	submitEnv.Headers.Set(HeaderChallengeID, id)
	submitEnv.Headers.Set(HeaderChallengeNonce, strconv.FormatUint(nonce, 10))

	verdict2 := bd.Evaluate(submitEnv)
	assert.Equal(t, moduleapi.VerdictPass, verdict2.Kind)
	assert.NotEmpty(t, submitEnv.ResponseHeaders.Get(HeaderTrustToken))
}

func TestBotDetector_TrustTokenGrantsSkipOnSubsequentRequest(t *testing.T) {
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trusted := signing.NewTrustedSet([]signing.PublicKey{pub})
	engine := challenge.NewEngine([]byte("node-secret"), pub, priv, 30*time.Second)
	bd := NewBotDetector(engine, trusted, 4, 50)

	env := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	env.Headers.Set("Host", "example.test")
	env.Headers.Set("User-Agent", "trusted-client")

	verdict := bd.Evaluate(env)
	require.Equal(t, moduleapi.VerdictChallenge, verdict.Kind)
	id, seedHex, _ := strings.Cut(verdict.Reason, ":")
	seed, _ := hex.DecodeString(seedHex)
	puzzle := &challenge.Puzzle{Seed: seed, Difficulty: 4}
	nonce, solved := puzzle.Solve(1 << 20)
	require.True(t, solved)

	submitEnv := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	submitEnv.Headers.Set("Host", "example.test")
	submitEnv.Headers.Set("User-Agent", "trusted-client")
	submitEnv.Headers.Set(HeaderChallengeID, id)
	submitEnv.Headers.Set(HeaderChallengeNonce, strconv.FormatUint(nonce, 10))
	bd.Evaluate(submitEnv)
	token := submitEnv.ResponseHeaders.Get(HeaderTrustToken)
	require.NotEmpty(t, token)

	nextEnv := newEnvelopeFor(t, http.MethodGet, "/api/y", "", 1<<20)
	nextEnv.Headers.Set("Host", "example.test")
	nextEnv.Headers.Set("User-Agent", "trusted-client")
	nextEnv.Headers.Set(HeaderTrustToken, token)

	finalVerdict := bd.Evaluate(nextEnv)
	assert.Equal(t, moduleapi.VerdictPass, finalVerdict.Kind)
}

func TestBotDetector_RejectsWrongFingerprintToken(t *testing.T) {
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	trusted := signing.NewTrustedSet([]signing.PublicKey{pub})
	engine := challenge.NewEngine([]byte("node-secret"), pub, priv, 30*time.Second)
	bd := NewBotDetector(engine, trusted, 4, 50)

	// A token minted for one fingerprint must not grant a skip for a
	// request carrying a different User-Agent (and therefore a different
	// fingerprint hash), even if otherwise well-formed.
	env := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	env.Headers.Set("Host", "example.test")
	env.Headers.Set("User-Agent", "agent-a")
	verdict := bd.Evaluate(env)
	id, seedHex, _ := strings.Cut(verdict.Reason, ":")
	seed, _ := hex.DecodeString(seedHex)
	puzzle := &challenge.Puzzle{Seed: seed, Difficulty: 4}
	nonce, _ := puzzle.Solve(1 << 20)

	submitEnv := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	submitEnv.Headers.Set("Host", "example.test")
	submitEnv.Headers.Set("User-Agent", "agent-a")
	submitEnv.Headers.Set(HeaderChallengeID, id)
	submitEnv.Headers.Set(HeaderChallengeNonce, strconv.FormatUint(nonce, 10))
	bd.Evaluate(submitEnv)
	token := submitEnv.ResponseHeaders.Get(HeaderTrustToken)
	require.NotEmpty(t, token)

	otherEnv := newEnvelopeFor(t, http.MethodGet, "/api/x", "", 1<<20)
	otherEnv.Headers.Set("Host", "example.test")
	otherEnv.Headers.Set("User-Agent", "agent-b")
	otherEnv.Headers.Set(HeaderTrustToken, token)

	final := bd.Evaluate(otherEnv)
	assert.Equal(t, moduleapi.VerdictChallenge, final.Kind, "a token for a different fingerprint must not skip the challenge")
}
