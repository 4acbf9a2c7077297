// Package router implements the route matcher (C3): given a request
// envelope, find the ordered pipeline of modules that should run against it.
package router

import (
	"fmt"
	"net/http"
	"regexp"
	"regexp/syntax"
	"sort"
	"strings"
	"sync"
)

// ModuleKind is the tagged variant a ModuleRef selects (spec.md §3 / §9:
// "polymorphism over modules ... a tagged variant, not implementation
// inheritance").
type ModuleKind string

const (
	KindWAF          ModuleKind = "WAF"
	KindBotDetector  ModuleKind = "BotDetector"
	KindEdgeFunction ModuleKind = "EdgeFunction"
)

// ModuleRef identifies one pipeline step. Two ModuleRefs with the same
// ContentID share a single instantiated sandbox module (C4).
type ModuleRef struct {
	Kind           ModuleKind
	ModuleID       string
	ContentID      string
	RequiredPubKey string // optional; empty means unsigned modules accepted unless strict mode
}

// MatchKind selects how PathPattern is interpreted.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPrefix
	MatchRegex
)

// HeaderMatcher requires the named header to match Pattern (exact string,
// case-insensitive) when Present is true, or to be absent when false.
type HeaderMatcher struct {
	Name    string
	Pattern string
	Present bool
}

// Route is the immutable routing unit described in spec.md §3. Routes are
// swapped as a whole set by the config loader (C14); never mutated in place.
type Route struct {
	Name            string
	Priority        int32
	MatchKind       MatchKind
	PathPattern     string
	Methods         map[string]bool
	HeaderMatchers  []HeaderMatcher
	Pipeline        []ModuleRef
	ContinueOnError bool
	Enabled         bool
	BodyLimit       int
	VaryHeaders     []string

	compiled *regexp.Regexp // only set when MatchKind == MatchRegex
}

// MaxRegexComplexity bounds the number of instructions the compiled regex
// program may contain — the "compile-time complexity cap" spec.md §3/§4.3
// requires. Patterns exceeding it are rejected at load time.
const MaxRegexComplexity = 4000

// CompileGuard compiles pattern and rejects it if its program size exceeds
// MaxRegexComplexity. It is shared between the route matcher (C3) and the
// WAF rule engine (C6), which must use the same guard per spec.md §4.6.
func CompileGuard(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regex compile: %w", err)
	}
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("regex parse: %w", err)
	}
	prog, err := syntax.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("regex program compile: %w", err)
	}
	if len(prog.Inst) > MaxRegexComplexity {
		return nil, fmt.Errorf("regex exceeds complexity cap: %d instructions > %d", len(prog.Inst), MaxRegexComplexity)
	}
	return re, nil
}

// Compile finalizes a route's regex pattern (no-op for non-regex routes).
// Must be called once before the route is added to a Table.
func (r *Route) Compile() error {
	if r.MatchKind != MatchRegex {
		return nil
	}
	re, err := CompileGuard(r.PathPattern)
	if err != nil {
		return fmt.Errorf("route %q: %w", r.Name, err)
	}
	r.compiled = re
	return nil
}

func (r *Route) matchesPath(path string) bool {
	switch r.MatchKind {
	case MatchExact:
		return path == r.PathPattern
	case MatchPrefix:
		return strings.HasPrefix(path, r.PathPattern)
	case MatchRegex:
		if r.compiled == nil {
			return false
		}
		return r.compiled.MatchString(path)
	default:
		return false
	}
}

func (r *Route) matchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	return r.Methods[strings.ToUpper(method)]
}

func (r *Route) matchesHeaders(h http.Header) bool {
	for _, hm := range r.HeaderMatchers {
		val := h.Get(hm.Name)
		present := val != ""
		if hm.Present && !present {
			return false
		}
		if !hm.Present && present {
			return false
		}
		if hm.Present && hm.Pattern != "" && !strings.EqualFold(val, hm.Pattern) {
			return false
		}
	}
	return true
}

// Matches reports whether this route should handle (method, path, headers).
func (r *Route) Matches(method, path string, h http.Header) bool {
	if !r.Enabled {
		return false
	}
	return r.matchesMethod(method) && r.matchesPath(path) && r.matchesHeaders(h)
}

// Table is an immutable, ordered route set. A new Table is built and
// atomically swapped in on every successful config reload (C14); in-flight
// requests keep using the Table they started with.
type Table struct {
	routes  []*Route // sorted: descending priority, ties in load order
	Default *Route   // legacy fallback pipeline (WAF + basic bot checks)
}

// NewTable sorts routes by descending priority (stable, so ties preserve
// load order per spec.md §4.3) and compiles every regex route.
func NewTable(routes []*Route, def *Route) (*Table, error) {
	for _, r := range routes {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	sorted := append([]*Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Table{routes: sorted, Default: def}, nil
}

// Match returns the first route whose pattern, method, and header matchers
// all match, or the default legacy pipeline if none do.
func (t *Table) Match(method, path string, h http.Header) *Route {
	for _, r := range t.routes {
		if r.Matches(method, path, h) {
			return r
		}
	}
	return t.Default
}

// Routes returns the ordered route slice (read-only; callers must not mutate).
func (t *Table) Routes() []*Route { return t.routes }

// AtomicTable holds the current Table behind an RWMutex-guarded swap point, per
// spec.md §9 ("no process-wide mutable singletons on the hot path").
type AtomicTable struct {
	mu  sync.RWMutex
	cur *Table
}

func NewAtomicTable(initial *Table) *AtomicTable {
	return &AtomicTable{cur: initial}
}

func (a *AtomicTable) Load() *Table {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

func (a *AtomicTable) Store(t *Table) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur = t
}
