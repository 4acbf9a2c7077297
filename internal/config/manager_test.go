package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/signing"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTrustedOperator(t *testing.T) (signing.PublicKey, string) {
	t.Helper()
	pub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return pub, hex.EncodeToString(pub)
}

func validConfigYAML(operatorHex string) string {
	return `
max_modules_per_request: 10
trusted_operators:
  - "` + operatorHex + `"
routes:
  - name: api
    priority: 100
    match_kind: prefix
    path_pattern: /api
    methods: [GET, POST]
    enabled: true
    body_limit: 1048576
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
      severity: 3
      field: ARGS
      operator: "@detectSQLi"
`
}

func TestManager_LoadValidConfig_BecomesCurrentGeneration(t *testing.T) {
	dir := t.TempDir()
	pub, pubHex := newTrustedOperator(t)
	path := writeConfig(t, dir, "node.yaml", validConfigYAML(pubHex))

	m := NewManager()
	gen, err := m.Load(path)
	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.Equal(t, 1, gen.Number)
	assert.Same(t, gen, m.Current())
	assert.Len(t, gen.Routes.Routes(), 1)
	assert.Len(t, gen.WAF.Rules, 1)
	assert.True(t, gen.Trusted.Contains(pub))
}

func TestManager_LoadParseError_RetainsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	_, pubHex := newTrustedOperator(t)
	good := writeConfig(t, dir, "node.yaml", validConfigYAML(pubHex))

	m := NewManager()
	firstGen, err := m.Load(good)
	require.NoError(t, err)

	bad := writeConfig(t, dir, "bad.yaml", "routes: [this is not: valid: yaml: at all")
	_, err = m.Load(bad)
	require.Error(t, err)

	assert.Same(t, firstGen, m.Current(), "a parse error must retain the previous generation untouched")
}

func TestManager_LoadSanityFailure_RetainsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	_, pubHex := newTrustedOperator(t)
	good := writeConfig(t, dir, "node.yaml", validConfigYAML(pubHex))

	m := NewManager()
	firstGen, err := m.Load(good)
	require.NoError(t, err)

	invalidPriority := `
max_modules_per_request: 10
routes:
  - name: bad
    priority: 99999
    match_kind: prefix
    path_pattern: /x
    enabled: true
    pipeline: []
`
	bad := writeConfig(t, dir, "bad-priority.yaml", invalidPriority)
	_, err = m.Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	assert.Same(t, firstGen, m.Current(), "a sanity-check failure must retain the previous generation untouched")
}

func TestManager_Rollback(t *testing.T) {
	dir := t.TempDir()
	_, pub1Hex := newTrustedOperator(t)
	_, pub2Hex := newTrustedOperator(t)
	v1 := writeConfig(t, dir, "v1.yaml", validConfigYAML(pub1Hex))
	v2 := writeConfig(t, dir, "v2.yaml", validConfigYAML(pub2Hex))

	m := NewManager()
	gen1, err := m.Load(v1)
	require.NoError(t, err)
	gen2, err := m.Load(v2)
	require.NoError(t, err)
	require.NotEqual(t, gen1.Number, gen2.Number)
	assert.Same(t, gen2, m.Current())

	rolledBack, err := m.Rollback(gen1.Number)
	require.NoError(t, err)
	assert.Same(t, gen1, rolledBack)
	assert.Same(t, gen1, m.Current())

	assert.Contains(t, m.History(), gen2.Number)
}

func TestManager_RollbackUnknownGenerationErrors(t *testing.T) {
	m := NewManager()
	_, err := m.Rollback(999)
	assert.Error(t, err)
}

func TestContentIDValid(t *testing.T) {
	assert.True(t, contentIDValid("sha256-abc123_v1.0"))
	assert.False(t, contentIDValid(""))
	assert.False(t, contentIDValid("../etc/passwd"))
	assert.False(t, contentIDValid("a/b"))
	assert.False(t, contentIDValid(`a\b`))
}

func TestRouteFromSpec_RejectsBadPriority(t *testing.T) {
	_, err := routeFromSpec(RouteSpec{Name: "x", Priority: -1, MatchKind: "prefix", Enabled: true}, 10)
	assert.Error(t, err)
}

func TestRouteFromSpec_RejectsPipelineOverCap(t *testing.T) {
	spec := RouteSpec{
		Name: "x", Priority: 1, MatchKind: "prefix", Enabled: true,
		Pipeline: []ModuleRefSpec{
			{Kind: "WAF", ModuleID: "a", ContentID: "ok-1"},
			{Kind: "WAF", ModuleID: "b", ContentID: "ok-2"},
		},
	}
	_, err := routeFromSpec(spec, 1)
	assert.Error(t, err)
}

func TestRouteFromSpec_RejectsUnknownMatchKind(t *testing.T) {
	_, err := routeFromSpec(RouteSpec{Name: "x", Priority: 1, MatchKind: "glob", Enabled: true}, 10)
	assert.Error(t, err)
}

func TestModuleRefFromSpec_RejectsPathLikeContentID(t *testing.T) {
	_, err := moduleRefFromSpec(ModuleRefSpec{Kind: "WAF", ModuleID: "m", ContentID: "../escape"})
	assert.Error(t, err)
}

func TestWafRuleFromSpec_RejectsUnknownOperator(t *testing.T) {
	_, err := wafRuleFromSpec(WAFRuleSpec{ID: "1", Field: "ARGS", Operator: "@bogus"})
	assert.Error(t, err)
}

func TestWafRuleFromSpec_CompilesChain(t *testing.T) {
	spec := WAFRuleSpec{
		ID: "1", Field: "ARGS", Operator: "@contains", Pattern: "union",
		Chain: []WAFRuleSpec{
			{ID: "1-chain1", Field: "HEADERS", Operator: "@detectSQLi"},
		},
	}
	rule, err := wafRuleFromSpec(spec)
	require.NoError(t, err)
	assert.Len(t, rule.Chain, 1)
}
