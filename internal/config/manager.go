package config

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aegis-edge/node/internal/router"
	"github.com/aegis-edge/node/internal/signing"
	"github.com/aegis-edge/node/internal/waf"
)

// maxGenerationHistory bounds how many prior fully-applied generations
// Manager retains for aegisctl rollback, generalized from
// internal/catalog/policy_versioning.go's per-tool version list (here there
// is one lineage for the whole node rather than one per tool).
const maxGenerationHistory = 10

// Generation is one fully-parsed, fully-validated, fully-compiled
// configuration snapshot: the raw schema plus every derived artifact the
// rest of the node consults on the hot path (route table, WAF engine,
// trusted-operator set). Generations are immutable once built.
type Generation struct {
	Number     int
	Raw        *NodeConfig
	Routes     *router.Table
	WAF        *waf.Engine
	Trusted    *signing.TrustedSet
	LoadedAt   time.Time
	SourceFile string
}

// Manager owns the current generation and a bounded history of prior ones.
// Route set, WAF rule set, and trusted-operator set are swapped together,
// atomically, by Load — exactly the "read-mostly, swapped by atomic
// pointer flip" policy spec.md §5 requires for this state.
type Manager struct {
	mu      sync.RWMutex
	current *Generation
	history []*Generation // oldest first, bounded to maxGenerationHistory
	nextNum int
}

func NewManager() *Manager {
	return &Manager{nextNum: 1}
}

// Current returns the active generation, or nil if nothing has ever loaded
// successfully.
func (m *Manager) Current() *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Load implements spec.md §4.14's three-step process:
//  1. parse into typed structures; any parse error aborts the load and
//     retains the previous fully-applied configuration;
//  2. compile-time sanity checks (regex complexity, priority range,
//     content_id well-formedness, pipeline length);
//  3. atomic swap — in-flight requests keep running against the old
//     generation, new requests see the new one.
//
// On any failure in steps 1 or 2, Manager's current generation is left
// completely untouched and the error is returned for the caller to log;
// per spec.md's "fail open" principle this must never panic the process.
func (m *Manager) Load(path string) (*Generation, error) {
	cfg, err := LoadConfig(path) // step 1
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w (retaining previous generation)", path, err)
	}
	cfg.applyEnvOverrides()

	gen, err := m.build(cfg, path) // step 2
	if err != nil {
		return nil, fmt.Errorf("config: %s failed sanity checks: %w (retaining previous generation)", path, err)
	}

	m.mu.Lock() // step 3
	defer m.mu.Unlock()
	gen.Number = m.nextNum
	m.nextNum++
	if m.current != nil {
		m.history = append(m.history, m.current)
		if len(m.history) > maxGenerationHistory {
			m.history = m.history[len(m.history)-maxGenerationHistory:]
		}
	}
	m.current = gen
	return gen, nil
}

// Rollback activates a previously applied generation by number, pushing the
// generation being replaced back onto the history list — the supplemented
// "aegisctl rollback --to <generation>" operation, generalized from
// internal/catalog/policy_versioning.go's Rollback (there: per-tool policy
// version; here: one node-wide configuration lineage).
func (m *Manager) Rollback(number int) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Number == number {
		return m.current, nil
	}
	for i, g := range m.history {
		if g.Number == number {
			displaced := m.current
			m.current = g
			m.history = append(m.history[:i], m.history[i+1:]...)
			if displaced != nil {
				m.history = append(m.history, displaced)
			}
			return g, nil
		}
	}
	return nil, fmt.Errorf("config: no retained generation numbered %d", number)
}

// History returns the generation numbers retained, oldest first, not
// including the current generation.
func (m *Manager) History() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, len(m.history))
	for i, g := range m.history {
		out[i] = g.Number
	}
	return out
}

// build runs step 2 (compile-time sanity) and produces the compiled
// artifacts for step 3, without mutating Manager state — callers only see
// its result once Load decides to swap it in.
func (m *Manager) build(cfg *NodeConfig, sourceFile string) (*Generation, error) {
	if cfg.MaxModulesPerRequest <= 0 {
		return nil, fmt.Errorf("max_modules_per_request must be positive")
	}

	routes := make([]*router.Route, 0, len(cfg.Routes))
	for _, rs := range cfg.Routes {
		r, err := routeFromSpec(rs, cfg.MaxModulesPerRequest)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rs.Name, err)
		}
		routes = append(routes, r)
	}
	table, err := router.NewTable(routes, defaultLegacyRoute())
	if err != nil {
		return nil, err
	}

	rules := make([]*waf.Rule, 0, len(cfg.WAF.Rules))
	for _, rs := range cfg.WAF.Rules {
		r, err := wafRuleFromSpec(rs)
		if err != nil {
			return nil, fmt.Errorf("waf rule %q: %w", rs.ID, err)
		}
		rules = append(rules, r)
	}
	mode := waf.ModeClassic
	if cfg.WAF.Mode == "enhanced" {
		mode = waf.ModeEnhanced
	}
	engine, err := waf.NewEngine(mode, rules, cfg.WAF.Threshold, cfg.WAF.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("waf engine: %w", err)
	}

	keys := make([]signing.PublicKey, 0, len(cfg.TrustedOperators))
	for _, hexKey := range cfg.TrustedOperators {
		raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
		if err != nil {
			return nil, fmt.Errorf("trusted_operators: invalid hex public key %q: %w", hexKey, err)
		}
		keys = append(keys, signing.PublicKey(raw))
	}

	return &Generation{
		Raw:        cfg,
		Routes:     table,
		WAF:        engine,
		Trusted:    signing.NewTrustedSet(keys),
		LoadedAt:   time.Now(),
		SourceFile: sourceFile,
	}, nil
}

// defaultLegacyRoute is the "no route matched" fallback pipeline spec.md
// §3 requires: WAF plus basic bot checks, unconditionally enabled.
func defaultLegacyRoute() *router.Route {
	return &router.Route{
		Name:        "legacy-default",
		Priority:    0,
		MatchKind:   router.MatchPrefix,
		PathPattern: "/",
		Methods:     nil, // nil -> matches every method
		Pipeline: []router.ModuleRef{
			{Kind: router.KindWAF, ModuleID: "default-waf", ContentID: "builtin-waf"},
			{Kind: router.KindBotDetector, ModuleID: "default-bot-detector", ContentID: "builtin-bot-detector"},
		},
		ContinueOnError: false,
		Enabled:         true,
		BodyLimit:       10 << 20,
	}
}

// routeFromSpec validates and converts one RouteSpec into a *router.Route,
// enforcing spec.md §4.14 step 2's bounds: priority in [0, 10000], every
// ModuleRef's content_id well-formed, pipeline length <= maxModules.
func routeFromSpec(rs RouteSpec, maxModules int) (*router.Route, error) {
	if rs.Priority < 0 || rs.Priority > 10000 {
		return nil, fmt.Errorf("priority %d out of range [0, 10000]", rs.Priority)
	}
	if len(rs.Pipeline) > maxModules {
		return nil, fmt.Errorf("pipeline length %d exceeds max_modules_per_request %d", len(rs.Pipeline), maxModules)
	}

	var matchKind router.MatchKind
	switch rs.MatchKind {
	case "exact":
		matchKind = router.MatchExact
	case "prefix":
		matchKind = router.MatchPrefix
	case "regex":
		matchKind = router.MatchRegex
	default:
		return nil, fmt.Errorf("unknown match_kind %q", rs.MatchKind)
	}

	var methods map[string]bool
	if len(rs.Methods) > 0 {
		methods = make(map[string]bool, len(rs.Methods))
		for _, meth := range rs.Methods {
			m := strings.ToUpper(meth)
			if !validHTTPMethod(m) {
				return nil, fmt.Errorf("unrecognized HTTP method %q", meth)
			}
			methods[m] = true
		}
	}

	headers := make([]router.HeaderMatcher, 0, len(rs.Headers))
	for _, h := range rs.Headers {
		headers = append(headers, router.HeaderMatcher{Name: h.Name, Pattern: h.Pattern, Present: h.Present})
	}

	pipeline := make([]router.ModuleRef, 0, len(rs.Pipeline))
	for _, mr := range rs.Pipeline {
		ref, err := moduleRefFromSpec(mr)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, ref)
	}

	route := &router.Route{
		Name:            rs.Name,
		Priority:        rs.Priority,
		MatchKind:       matchKind,
		PathPattern:     rs.PathPattern,
		Methods:         methods,
		HeaderMatchers:  headers,
		Pipeline:        pipeline,
		ContinueOnError: rs.ContinueOnError,
		Enabled:         rs.Enabled,
		BodyLimit:       rs.BodyLimit,
		VaryHeaders:     rs.VaryHeaders,
	}
	if err := route.Compile(); err != nil { // regex complexity guard, §4.3/§4.14
		return nil, err
	}
	return route, nil
}

func validHTTPMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// contentIDValid restricts content_id to a safe, opaque token shape —
// spec.md §6: "do not interpret as paths" and §4.13: "file-system path
// components are rejected".
func contentIDValid(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

func moduleRefFromSpec(mr ModuleRefSpec) (router.ModuleRef, error) {
	if !contentIDValid(mr.ContentID) {
		return router.ModuleRef{}, fmt.Errorf("module %q: malformed content_id %q", mr.ModuleID, mr.ContentID)
	}
	var kind router.ModuleKind
	switch mr.Kind {
	case string(router.KindWAF):
		kind = router.KindWAF
	case string(router.KindBotDetector):
		kind = router.KindBotDetector
	case string(router.KindEdgeFunction):
		kind = router.KindEdgeFunction
	default:
		return router.ModuleRef{}, fmt.Errorf("module %q: unknown kind %q", mr.ModuleID, mr.Kind)
	}
	return router.ModuleRef{
		Kind:           kind,
		ModuleID:       mr.ModuleID,
		ContentID:      mr.ContentID,
		RequiredPubKey: mr.RequiredPubKey,
	}, nil
}

// wafRuleFromSpec recursively converts a WAFRuleSpec (and its Chain) into a
// *waf.Rule. Unknown operator/field/transform strings are rejected here
// rather than silently ignored, per spec.md §7's "retain last-known-good,
// never apply partially."
func wafRuleFromSpec(rs WAFRuleSpec) (*waf.Rule, error) {
	field, err := validateField(rs.Field)
	if err != nil {
		return nil, err
	}
	op, err := validateOperator(rs.Operator)
	if err != nil {
		return nil, err
	}
	transforms := make([]waf.Transform, 0, len(rs.Transforms))
	for _, t := range rs.Transforms {
		tr, err := validateTransform(t)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, tr)
	}
	chain := make([]*waf.Rule, 0, len(rs.Chain))
	for _, c := range rs.Chain {
		cr, err := wafRuleFromSpec(c)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cr)
	}
	var action waf.Action
	if rs.Action != "" {
		if rs.Action != string(waf.ActionSkip) {
			return nil, fmt.Errorf("unknown action %q", rs.Action)
		}
		action = waf.ActionSkip
	}

	rule := &waf.Rule{
		ID:         rs.ID,
		Phase:      rs.Phase,
		Severity:   rs.Severity,
		Tags:       rs.Tags,
		Field:      field,
		Operator:   op,
		Pattern:    rs.Pattern,
		Phrases:    rs.Phrases,
		Transforms: transforms,
		Chain:      chain,
		Action:     action,
		Negate:     rs.Negate,
	}
	if err := rule.Compile(); err != nil { // regex complexity guard, §4.3/§4.6
		return nil, err
	}
	return rule, nil
}

func validateField(f string) (waf.Field, error) {
	switch waf.Field(f) {
	case waf.FieldURI, waf.FieldArgs, waf.FieldHeaders, waf.FieldBody:
		return waf.Field(f), nil
	default:
		return "", fmt.Errorf("unknown field %q", f)
	}
}

func validateOperator(o string) (waf.Operator, error) {
	switch waf.Operator(o) {
	case waf.OpRegex, waf.OpEquals, waf.OpContains, waf.OpDetectSQLi, waf.OpDetectXSS, waf.OpPhraseMatch:
		return waf.Operator(o), nil
	default:
		return "", fmt.Errorf("unknown operator %q", o)
	}
}

func validateTransform(t string) (waf.Transform, error) {
	switch waf.Transform(t) {
	case waf.TransformLowercase, waf.TransformURLDecode, waf.TransformHTMLEntityDecode,
		waf.TransformCompressWhitespace, waf.TransformRemoveNulls:
		return waf.Transform(t), nil
	default:
		return "", fmt.Errorf("unknown transform %q", t)
	}
}
