// Package moduleapi defines the narrow host API surface that sandboxed
// modules (C4) are allowed to use, per spec.md §4.4. It is the Go-side
// mirror of the ABI a Wasm module links against: every function here has a
// corresponding host import wired by internal/sandbox.
//
// Modeled on the teacher's pkg/sdk — that package let external agents call
// into the governance pipeline over HTTP; this one lets sandboxed modules
// call back out of the pipeline, but the shape (narrow Config, bounded
// request/response types, explicit error returns) is the same idiom.
package moduleapi

import "time"

// VerdictKind is the result a module hands back to the dispatcher (C5).
type VerdictKind string

const (
	VerdictPass      VerdictKind = "pass"
	VerdictBlock     VerdictKind = "block"
	VerdictChallenge VerdictKind = "challenge"
	VerdictModified  VerdictKind = "modified"
)

// Verdict is the output of one module invocation.
type Verdict struct {
	Kind    VerdictKind
	Reason  string // set when Kind == VerdictBlock or VerdictChallenge
	RuleID  string // optional, e.g. the WAF rule that fired
	Latency time.Duration
}

// RequestMeta is the immutable, read-only view of the request envelope
// exposed to a module via get_request_meta(). It deliberately omits the
// body unless the module's pipeline step explicitly requested body access
// at load time (spec.md §4.4: "No bodies unless explicitly requested").
type RequestMeta struct {
	Method          string
	Path            string
	Query           string
	Headers         map[string][]string
	ClientAddr      string
	TLSFP           string
	ArrivalUnixNano int64
	Body            []byte // nil unless the module was granted body access
}

// MaxLogMessage bounds log(level, msg) per spec.md §4.4.
const MaxLogMessage = 4096

// MaxCacheKey / MaxCacheValue bound cache_get/cache_set per spec.md §3/§4.4.
const (
	MaxCacheKey   = 256
	MaxCacheValue = 1 << 20 // 1 MiB
	MaxCacheTTL   = 24 * time.Hour
)

// MaxHTTPFetch bounds http_get per spec.md §4.4.
const MaxHTTPFetch = 1 << 20 // 1 MiB

// MaxSetResponseHeaders / MaxSetResponseBody bound set_response's two
// variable-length arguments per spec.md §4.4.
const (
	MaxSetResponseHeaders = 16 << 10 // 16 KiB of JSON-encoded header data
	MaxSetResponseBody    = 1 << 20  // 1 MiB
)

// HTTPFetchTimeout is the fixed per-call timeout for http_get.
const HTTPFetchTimeout = 5 * time.Second

// ValidateHeaderField validates that no header name/value contains CR, LF, or
// NUL and that neither exceeds a sane length cap, per set_response's
// constraint in spec.md §4.4.
func ValidateHeaderField(s string) bool {
	if len(s) > 8192 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0:
			return false
		}
	}
	return true
}

// HostLimits is the resource governance envelope enforced by the sandbox
// runtime for every invocation, per spec.md §4.4.
type HostLimits struct {
	MaxMemoryBytes int64
	MaxFuel        uint64
	Deadline       time.Duration
	MaxHostCalls   int // per-invocation cap on host-API calls in aggregate
}

// DefaultHostLimits returns the spec.md §4.4 defaults.
func DefaultHostLimits() HostLimits {
	return HostLimits{
		MaxMemoryBytes: 50 << 20,
		MaxFuel:        5_000_000,
		Deadline:       50 * time.Millisecond,
		MaxHostCalls:   256,
	}
}
