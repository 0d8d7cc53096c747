package hybrid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/domain"
)

const testDim = 4 + 3

func testFeatures(seed int64) domain.Features {
	rnd := rand.New(rand.NewSource(seed))
	emb := make([]float64, 4)
	for i := range emb {
		emb[i] = rnd.Float64()
	}
	return domain.Features{Embedding: emb, TokenCount: 100, ComplexityScore: 0.5, DomainConfidence: 0.8}
}

func newTestRouter(threshold int64) *Router {
	return New(bandit.NewLinUCB(testDim, 1.0, 1.0), Config{SwitchThreshold: threshold, TransferKMax: 50})
}

// TestPhaseTransition: with a switch threshold of 10, the first 10
// decisions are phase 1; the 11th select transitions to phase 2 and
// carries the contextual phase tag.
func TestPhaseTransition(t *testing.T) {
	r := newTestRouter(10)
	rnd := rand.New(rand.NewSource(1))
	arms := []string{"a", "b", "c"}

	for i := 0; i < 10; i++ {
		arm, _, phase, err := r.Select(rnd, arms, testFeatures(int64(i)))
		require.NoError(t, err)
		assert.Equal(t, domain.PhaseExploration, phase, "query %d should be exploration", i)
		r.Update(arm, testFeatures(int64(i)), 0.5+0.1*float64(i%3), phase)
	}
	assert.Equal(t, domain.PhaseExploration, r.Phase())

	_, _, phase, err := r.Select(rnd, arms, testFeatures(99))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseContextual, phase)
	assert.Equal(t, domain.PhaseContextual, r.Phase())
}

// TestKnowledgeTransferSeedsPhase2 checks that the transition replays each
// arm's phase-1 pulls into the contextual policy: arms pulled in phase 1
// must show non-trivial posterior state afterwards.
func TestKnowledgeTransferSeedsPhase2(t *testing.T) {
	phase2 := bandit.NewContextualThompson(testDim, 1.0, 1.0, 0)
	r := New(phase2, Config{SwitchThreshold: 6, TransferKMax: 50})
	rnd := rand.New(rand.NewSource(2))
	arms := []string{"a", "b"}

	for i := 0; i < 6; i++ {
		arm, _, phase, err := r.Select(rnd, arms, testFeatures(int64(i)))
		require.NoError(t, err)
		r.Update(arm, testFeatures(int64(i)), 0.7, phase)
	}
	// Trigger the transition.
	_, _, phase, err := r.Select(rnd, arms, testFeatures(50))
	require.NoError(t, err)
	require.Equal(t, domain.PhaseContextual, phase)

	stats := phase2.Stats()
	var seeded int64
	for _, s := range stats {
		seeded += s.Pulls
	}
	assert.Equal(t, int64(6), seeded, "every phase-1 pull should be replayed as a pseudo-observation")
}

// TestLateFeedbackRoutesByPhaseTag: feedback tagged with the exploration
// phase must update phase 1 even after the router has moved to phase 2.
func TestLateFeedbackRoutesByPhaseTag(t *testing.T) {
	r := newTestRouter(2)
	rnd := rand.New(rand.NewSource(3))
	arms := []string{"a", "b"}

	arm1, _, phase1, err := r.Select(rnd, arms, testFeatures(1))
	require.NoError(t, err)
	r.Update(arm1, testFeatures(1), 0.5, phase1)
	arm2, _, _, err := r.Select(rnd, arms, testFeatures(2))
	require.NoError(t, err)
	r.Update(arm2, testFeatures(2), 0.5, domain.PhaseExploration)

	// Transition.
	_, _, phase, err := r.Select(rnd, arms, testFeatures(3))
	require.NoError(t, err)
	require.Equal(t, domain.PhaseContextual, phase)

	before := r.Phase1().Stats()["a"].Pulls + r.Phase1().Stats()["b"].Pulls
	r.Update("a", testFeatures(4), 0.9, domain.PhaseExploration) // late phase-1 feedback
	after := r.Phase1().Stats()["a"].Pulls + r.Phase1().Stats()["b"].Pulls
	assert.Equal(t, before+1, after)
}

func TestTransitionCallback(t *testing.T) {
	var fired bool
	r := New(bandit.NewLinUCB(testDim, 1.0, 1.0), Config{
		SwitchThreshold: 1,
		OnTransition: func(from, to domain.Phase) {
			fired = true
			assert.Equal(t, domain.PhaseExploration, from)
			assert.Equal(t, domain.PhaseContextual, to)
		},
	})
	rnd := rand.New(rand.NewSource(4))
	arm, _, phase, err := r.Select(rnd, []string{"a"}, testFeatures(1))
	require.NoError(t, err)
	r.Update(arm, testFeatures(1), 0.5, phase)
	_, _, _, err = r.Select(rnd, []string{"a"}, testFeatures(2))
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestStartContextualSkipsExploration(t *testing.T) {
	r := New(bandit.NewLinUCB(testDim, 1.0, 1.0), Config{StartContextual: true})
	rnd := rand.New(rand.NewSource(5))
	_, _, phase, err := r.Select(rnd, []string{"a", "b"}, testFeatures(1))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseContextual, phase)
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	r := newTestRouter(5)
	rnd := rand.New(rand.NewSource(6))
	for i := 0; i < 3; i++ {
		arm, _, phase, err := r.Select(rnd, []string{"a", "b"}, testFeatures(int64(i)))
		require.NoError(t, err)
		r.Update(arm, testFeatures(int64(i)), 0.6, phase)
	}

	payload, err := r.Serialize()
	require.NoError(t, err)

	restored := newTestRouter(5)
	require.NoError(t, restored.Restore(payload))
	assert.Equal(t, r.Phase(), restored.Phase())
	assert.Equal(t, r.queryCount, restored.queryCount)
	assert.Equal(t, r.mean.N, restored.mean.N)
}
