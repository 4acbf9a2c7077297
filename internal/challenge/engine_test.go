package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-edge/node/internal/signing"
)

func newTestEngine(t *testing.T, window time.Duration) *Engine {
	t.Helper()
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return NewEngine([]byte("node-secret"), pub, priv, window)
}

func TestEngine_ManagedChallenge_SolveGrantsTrustToken(t *testing.T) {
	eng := newTestEngine(t, time.Minute)
	fp := HashFingerprint("tls-fp-abc", "curl/8.0")

	rec, err := eng.Issue(KindManaged, fp, 8)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, rec.machine.Current())

	nonce, solved := rec.puzzle.Solve(1 << 20)
	require.True(t, solved, "8-bit difficulty puzzle should solve quickly")

	action, token, err := eng.Submit(rec.ID(), nonce, 15, 40)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, action)
	require.NotNil(t, token)
	assert.Equal(t, fp, token.ClientFingerprintHash)
	assert.True(t, token.TrustScore >= 60)
}

func TestEngine_ManagedChallenge_WrongNonceRejects(t *testing.T) {
	eng := newTestEngine(t, time.Minute)
	fp := HashFingerprint("tls-fp-xyz", "bot/1.0")

	rec, err := eng.Issue(KindManaged, fp, 24) // hard enough that nonce 0 won't solve it
	require.NoError(t, err)

	action, token, err := eng.Submit(rec.ID(), 0, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, action)
	assert.Nil(t, token)
}

func TestEngine_ResubmissionReturnsCachedOutcome(t *testing.T) {
	eng := newTestEngine(t, time.Minute)
	fp := HashFingerprint("tls-fp-repeat", "curl/8.0")

	rec, err := eng.Issue(KindManaged, fp, 8)
	require.NoError(t, err)
	nonce, solved := rec.puzzle.Solve(1 << 20)
	require.True(t, solved)

	action1, token1, err := eng.Submit(rec.ID(), nonce, 15, 40)
	require.NoError(t, err)

	// Re-submitting with a different (bogus) nonce must NOT re-evaluate —
	// it must return the same outcome already reached.
	action2, token2, err := eng.Submit(rec.ID(), 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, action1, action2)
	assert.Equal(t, token1, token2)
}

func TestEngine_UnknownChallengeIDErrors(t *testing.T) {
	eng := newTestEngine(t, time.Minute)
	_, _, err := eng.Submit("does-not-exist", 0, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownChallenge)
}

func TestEngine_ExpiredChallengeBlocksWithoutPriorOutcome(t *testing.T) {
	eng := newTestEngine(t, time.Millisecond)
	fp := HashFingerprint("tls-fp-slow", "curl/8.0")

	rec, err := eng.Issue(KindManaged, fp, 8)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	action, token, err := eng.Submit(rec.ID(), 0, 15, 40)
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, action)
	assert.Nil(t, token)
}

func TestComposeScore_ClampsEachContribution(t *testing.T) {
	score := ComposeScore(9999, 9999, 9999)
	assert.Equal(t, MaxTLSContribution+MaxChallengeContribution+MaxBehavioralContribution, score)
}

func TestDecide_Thresholds(t *testing.T) {
	thr := DefaultThresholds()
	assert.Equal(t, ActionAllow, Decide(60, thr))
	assert.Equal(t, ActionChallenge, Decide(59, thr))
	assert.Equal(t, ActionChallenge, Decide(30, thr))
	assert.Equal(t, ActionBlock, Decide(29, thr))
}

func TestPuzzle_VerifyAcceptsOnlyASolvingNonce(t *testing.T) {
	p, err := NewPuzzle([]byte("secret"), []byte("fp-hash"), 16)
	require.NoError(t, err)

	nonce, solved := p.Solve(1 << 20)
	require.True(t, solved)
	assert.True(t, p.Verify(nonce))
	assert.False(t, p.Verify(0), "nonce 0 is vanishingly unlikely to solve a 16-bit puzzle")
}
