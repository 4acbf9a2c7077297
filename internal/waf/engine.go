package waf

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/internal/security"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

// Mode selects the engine variant for a route (spec.md §4.6).
type Mode string

const (
	ModeClassic  Mode = "classic"
	ModeEnhanced Mode = "enhanced"
)

// Engine evaluates an ordered rule set against a request, accumulating an
// anomaly score and returning Block once the configured threshold is
// crossed.
type Engine struct {
	Mode      Mode
	Rules     []*Rule
	Threshold float64
	BodyLimit int

	mu        sync.Mutex
	baselines map[string]*rollingStat // enhanced mode only, keyed by field
}

// NewEngine builds an engine and compiles every rule (and its chain) up
// front, so a malformed pattern is caught at config-load time rather than
// on the first matching request (spec.md §4.14).
func NewEngine(mode Mode, rules []*Rule, threshold float64, bodyLimit int) (*Engine, error) {
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	return &Engine{
		Mode:      mode,
		Rules:     rules,
		Threshold: threshold,
		BodyLimit: bodyLimit,
		baselines: make(map[string]*rollingStat),
	}, nil
}

func (e *Engine) fieldValues(env *envelope.Envelope, field Field) []string {
	switch field {
	case FieldURI:
		return []string{env.Path}
	case FieldArgs:
		q, err := url.ParseQuery(env.Query)
		if err != nil {
			return nil
		}
		var out []string
		for _, vs := range q {
			out = append(out, vs...)
		}
		return out
	case FieldHeaders:
		var out []string
		for _, vs := range env.Headers {
			out = append(out, vs...)
		}
		return out
	case FieldBody:
		if env.BodyTooBig() {
			return nil
		}
		return []string{string(env.Body())}
	default:
		return nil
	}
}

// Evaluate scores one request. If the body exceeds BodyLimit this returns a
// Block verdict with reason "body_too_large" rather than truncating
// silently (spec.md §4.6: "oversized bodies trigger a 413 rather than
// silent truncation" — the dispatcher maps this reason to a 413 response).
func (e *Engine) Evaluate(env *envelope.Envelope) moduleapi.Verdict {
	if env.BodyTooBig() || (e.BodyLimit > 0 && len(env.Body()) > e.BodyLimit) {
		return moduleapi.Verdict{Kind: moduleapi.VerdictBlock, Reason: "body_too_large"}
	}

	var score float64
	var firedRuleID string

	for _, r := range e.Rules {
		values := e.fieldValues(env, r.Field)
		if len(values) == 0 {
			continue
		}
		if r.Matches(values) {
			if r.Action == ActionSkip {
				break
			}
			score += float64(r.Severity)
			if firedRuleID == "" {
				firedRuleID = r.ID
			}
			if score > e.Threshold {
				return moduleapi.Verdict{Kind: moduleapi.VerdictBlock, Reason: "anomaly_score_exceeded", RuleID: r.ID}
			}
		}
	}

	if e.Mode == ModeEnhanced {
		enhancedScore := e.enhancedScore(env)
		score += enhancedScore
		if score > e.Threshold {
			reason := "enhanced_anomaly_score_exceeded"
			return moduleapi.Verdict{Kind: moduleapi.VerdictBlock, Reason: reason, RuleID: firedRuleID}
		}
	}

	return moduleapi.Verdict{Kind: moduleapi.VerdictPass}
}

// rollingStat is a Welford-style online mean/variance accumulator, used to
// z-score-normalize a field's entropy and keyword density against its own
// recent history rather than a fixed constant (spec.md §4.6: "z-score-
// normalized against a rolling baseline").
type rollingStat struct {
	n     int
	mean  float64
	m2    float64
	limit int
}

func newRollingStat(limit int) *rollingStat { return &rollingStat{limit: limit} }

func (s *rollingStat) update(x float64) (z float64) {
	s.n++
	if s.limit > 0 && s.n > s.limit {
		// Cap n so the baseline adapts instead of freezing after a long run
		// — decays toward a fixed-size moving window without storing one.
		s.n = s.limit
	}
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2

	variance := 0.0
	if s.n > 1 {
		variance = s.m2 / float64(s.n-1)
	}
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return (x - s.mean) / stddev
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// enhancedScore computes per-field entropy and keyword density, z-score
// normalizes each against this engine's rolling baseline, and combines them
// through a sigmoid into an additional anomaly contribution (spec.md §4.6).
func (e *Engine) enhancedScore(env *envelope.Envelope) float64 {
	fields := []Field{FieldURI, FieldArgs, FieldBody}
	var total float64

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range fields {
		values := e.fieldValues(env, f)
		if len(values) == 0 {
			continue
		}
		for _, v := range values {
			entropy := security.CalculateShannonEntropy(v)
			density := keywordDensity(v)

			key := fmt.Sprintf("%s:entropy", f)
			stat, ok := e.baselines[key]
			if !ok {
				stat = newRollingStat(2000)
				e.baselines[key] = stat
			}
			entropyZ := stat.update(entropy)

			densityKey := fmt.Sprintf("%s:density", f)
			dStat, ok := e.baselines[densityKey]
			if !ok {
				dStat = newRollingStat(2000)
				e.baselines[densityKey] = dStat
			}
			densityZ := dStat.update(density)

			combined := sigmoid(entropyZ+densityZ) * 10 // scaled into the same range as rule severities
			total += combined
		}
	}
	return total
}

// suspiciousKeywords is a small fixed vocabulary used for the enhanced
// mode's keyword-density signal — deliberately distinct from the classic
// rules' @detectSQLi/@detectXSS patterns, which look for shapes rather than
// individual tokens.
var suspiciousKeywords = []string{
	"union", "select", "script", "onerror", "onload", "base64", "eval(",
	"cmd.exe", "/etc/passwd", "../", "%00", "drop table",
}

func keywordDensity(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	lower := strings.ToLower(s)
	hits := 0
	for _, kw := range suspiciousKeywords {
		hits += countOccurrences(lower, kw)
	}
	return float64(hits) / float64(len(s))
}

func countOccurrences(s, substr string) int {
	if substr == "" {
		return 0
	}
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
