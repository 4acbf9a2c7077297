package waf

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/envelope"
	"github.com/aegis-edge/node/pkg/moduleapi"
)

func newEnv(method, path, query, body string) *envelope.Envelope {
	req, _ := http.NewRequest(method, "http://example.test"+path+"?"+query, nil)
	env := envelope.New(req, "203.0.113.5:1234", "", 1<<20)
	_ = env.ReadBody(strings.NewReader(body))
	return env
}

func TestEngine_ClassicBlocksOnSQLi(t *testing.T) {
	rules := []*Rule{
		{ID: "942100", Phase: 2, Severity: 5, Field: FieldArgs, Operator: OpDetectSQLi},
	}
	eng, err := NewEngine(ModeClassic, rules, 4, 1<<20)
	require.NoError(t, err)

	v := eng.Evaluate(newEnv("POST", "/api/login", "id=1%27%20OR%20%271%27%3D%271", ""))
	assert.Equal(t, moduleapi.VerdictBlock, v.Kind)
	assert.Equal(t, "942100", v.RuleID)
}

func TestEngine_ClassicPassesCleanRequest(t *testing.T) {
	rules := []*Rule{
		{ID: "942100", Phase: 2, Severity: 5, Field: FieldArgs, Operator: OpDetectSQLi},
	}
	eng, err := NewEngine(ModeClassic, rules, 4, 1<<20)
	require.NoError(t, err)

	v := eng.Evaluate(newEnv("GET", "/api/products", "category=shoes", ""))
	assert.Equal(t, moduleapi.VerdictPass, v.Kind)
}

func TestEngine_ScoreAccumulatesBelowThreshold(t *testing.T) {
	rules := []*Rule{
		{ID: "r1", Severity: 2, Field: FieldURI, Operator: OpContains, Pattern: "wp-admin"},
		{ID: "r2", Severity: 2, Field: FieldURI, Operator: OpContains, Pattern: ".php"},
	}
	eng, err := NewEngine(ModeClassic, rules, 10, 1<<20)
	require.NoError(t, err)

	// Both rules fire (score 4) but stay under the threshold of 10.
	v := eng.Evaluate(newEnv("GET", "/wp-admin/install.php", "", ""))
	assert.Equal(t, moduleapi.VerdictPass, v.Kind)
}

func TestEngine_ChainRequiresAllLinksToMatch(t *testing.T) {
	rules := []*Rule{
		{
			ID: "chained", Severity: 5, Field: FieldURI, Operator: OpContains, Pattern: "/admin",
			Chain: []*Rule{
				{Field: FieldArgs, Operator: OpContains, Pattern: "debug=1"},
			},
		},
	}
	eng, err := NewEngine(ModeClassic, rules, 4, 1<<20)
	require.NoError(t, err)

	// URI matches but the chained ARGS condition does not -> rule must not fire.
	v := eng.Evaluate(newEnv("GET", "/admin/panel", "debug=0", ""))
	assert.Equal(t, moduleapi.VerdictPass, v.Kind)

	// Both links match -> rule fires and exceeds the threshold.
	v = eng.Evaluate(newEnv("GET", "/admin/panel", "debug=1", ""))
	assert.Equal(t, moduleapi.VerdictBlock, v.Kind)
}

func TestEngine_SkipActionNeverScores(t *testing.T) {
	rules := []*Rule{
		{ID: "skip-me", Severity: 100, Field: FieldURI, Operator: OpContains, Pattern: "/healthz", Action: ActionSkip},
	}
	eng, err := NewEngine(ModeClassic, rules, 1, 1<<20)
	require.NoError(t, err)

	v := eng.Evaluate(newEnv("GET", "/healthz", "", ""))
	assert.Equal(t, moduleapi.VerdictPass, v.Kind)
}

func TestEngine_BodyTooBigBlocksImmediately(t *testing.T) {
	eng, err := NewEngine(ModeClassic, nil, 100, 8)
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "http://example.test/upload", nil)
	env := envelope.New(req, "203.0.113.5:1234", "", 8)
	err = env.ReadBody(strings.NewReader("this body is far larger than eight bytes"))
	require.Error(t, err)

	v := eng.Evaluate(env)
	assert.Equal(t, moduleapi.VerdictBlock, v.Kind)
	assert.Equal(t, "body_too_large", v.Reason)
}

func TestEngine_TransformsNormalizeBeforeMatch(t *testing.T) {
	rules := []*Rule{
		{
			ID: "obfuscated-script", Severity: 5, Field: FieldArgs, Operator: OpContains,
			Pattern:    "<script",
			Transforms: []Transform{TransformURLDecode, TransformLowercase, TransformHTMLEntityDecode},
		},
	}
	eng, err := NewEngine(ModeClassic, rules, 4, 1<<20)
	require.NoError(t, err)

	v := eng.Evaluate(newEnv("GET", "/search", "q=%3CSCRIPT%3Ealert(1)", ""))
	assert.Equal(t, moduleapi.VerdictBlock, v.Kind)
}

func TestEngine_EnhancedModeScoresHighEntropyBody(t *testing.T) {
	eng, err := NewEngine(ModeEnhanced, nil, 1000, 1<<20)
	require.NoError(t, err)

	// Seed the baseline with ordinary low-entropy bodies.
	for i := 0; i < 50; i++ {
		eng.Evaluate(newEnv("POST", "/submit", "", "name=alice&comment=looks good thanks"))
	}

	// A high-entropy payload should score meaningfully higher than baseline,
	// though with this threshold it still passes — asserting the mode does
	// not panic and returns a structured verdict is the contract under test.
	v := eng.Evaluate(newEnv("POST", "/submit", "", "aXZhbiB0aGUgdGVycmlibGUgZW5jb2RlZCBwYXlsb2Fk"))
	assert.Equal(t, moduleapi.VerdictPass, v.Kind)
}

func TestRollingStat_ZScoreZeroWithNoVariance(t *testing.T) {
	s := newRollingStat(100)
	z1 := s.update(5.0)
	z2 := s.update(5.0)
	assert.Equal(t, 0.0, z1)
	assert.Equal(t, 0.0, z2)
}

func TestDetectSQLiAndXSSHeuristics(t *testing.T) {
	assert.True(t, detectSQLi("1' OR '1'='1"))
	assert.True(t, detectSQLi("1 UNION SELECT username, password FROM users"))
	assert.False(t, detectSQLi("order status"))

	assert.True(t, detectXSS("<script>alert(1)</script>"))
	assert.True(t, detectXSS(`<img src=x onerror=alert(1)>`))
	assert.False(t, detectXSS("hello world"))
}
