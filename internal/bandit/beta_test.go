package bandit

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

var noFeatures = domain.Features{}

func TestBetaThompsonEmptyCandidates(t *testing.T) {
	b := NewBetaThompson(0.7)
	_, _, err := b.Select(rand.New(rand.NewSource(1)), nil, noFeatures)
	require.Error(t, err)
	var ce *conduiterr.ConduitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, conduiterr.CodeRoutingFailed, ce.Code)
}

func TestBetaThompsonSingleArm(t *testing.T) {
	b := NewBetaThompson(0.7)
	for i := 0; i < 10; i++ {
		arm, _, err := b.Select(rand.New(rand.NewSource(int64(i))), []string{"only:arm"}, noFeatures)
		require.NoError(t, err)
		assert.Equal(t, "only:arm", arm)
	}
}

func TestBetaThompsonSuccessThreshold(t *testing.T) {
	b := NewBetaThompson(0.7)
	b.Update("a", noFeatures, 0.8) // success
	b.Update("a", noFeatures, 0.7) // success (at threshold)
	b.Update("a", noFeatures, 0.3) // failure

	p := b.arms["a"]
	assert.Equal(t, 3.0, p.alpha) // prior 1 + 2 successes
	assert.Equal(t, 2.0, p.beta)  // prior 1 + 1 failure
	assert.Equal(t, int64(3), p.pulls)
}

func TestBetaThompsonParamsStayPositive(t *testing.T) {
	b := NewBetaThompson(0.7)
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		b.Update("a", noFeatures, rnd.Float64())
	}
	p := b.arms["a"]
	assert.Greater(t, p.alpha, 0.0)
	assert.Greater(t, p.beta, 0.0)
}

func TestBetaThompsonConvergesToBetterArm(t *testing.T) {
	b := NewBetaThompson(0.7)
	for i := 0; i < 200; i++ {
		b.Update("good", noFeatures, 0.9)
		b.Update("bad", noFeatures, 0.1)
	}
	rnd := rand.New(rand.NewSource(3))
	wins := 0
	for i := 0; i < 100; i++ {
		arm, _, err := b.Select(rnd, []string{"bad", "good"}, noFeatures)
		require.NoError(t, err)
		if arm == "good" {
			wins++
		}
	}
	assert.Greater(t, wins, 95)
}

func TestBetaThompsonSeededDeterminism(t *testing.T) {
	build := func() *BetaThompson {
		b := NewBetaThompson(0.7)
		b.Update("a", noFeatures, 0.9)
		b.Update("b", noFeatures, 0.4)
		b.Update("c", noFeatures, 0.8)
		return b
	}
	b1, b2 := build(), build()
	r1, r2 := rand.New(rand.NewSource(42)), rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		arm1, _, err1 := b1.Select(r1, []string{"a", "b", "c"}, noFeatures)
		arm2, _, err2 := b2.Select(r2, []string{"a", "b", "c"}, noFeatures)
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, arm1, arm2)
	}
}

func TestBetaThompsonSerializeRoundTrip(t *testing.T) {
	b := NewBetaThompson(0.7)
	b.Update("a", noFeatures, 0.9)
	b.Update("b", noFeatures, 0.2)
	b.Update("b", noFeatures, 0.8)

	payload, err := b.Serialize()
	require.NoError(t, err)

	restored := NewBetaThompson(0.7)
	require.NoError(t, restored.Restore(payload))

	// Identical state under an identical seed must produce identical draws.
	r1, r2 := rand.New(rand.NewSource(99)), rand.New(rand.NewSource(99))
	for i := 0; i < 20; i++ {
		arm1, _, _ := b.Select(r1, []string{"a", "b"}, noFeatures)
		arm2, _, _ := restored.Select(r2, []string{"a", "b"}, noFeatures)
		assert.Equal(t, arm1, arm2)
	}
	assert.Equal(t, b.Stats(), restored.Stats())
}

func TestBetaThompsonRestoreRejectsWrongTag(t *testing.T) {
	u := NewUCB1(0)
	u.Update("a", noFeatures, 0.5)
	payload, err := u.Serialize()
	require.NoError(t, err)

	b := NewBetaThompson(0.7)
	require.Error(t, b.Restore(payload))
}

func TestBetaThompsonStats(t *testing.T) {
	b := NewBetaThompson(0.7)
	b.Update("a", noFeatures, 0.9)
	b.Update("a", noFeatures, 0.1)

	stats := b.Stats()
	require.Contains(t, stats, "a")
	s := stats["a"]
	assert.Equal(t, int64(2), s.Pulls)
	assert.InDelta(t, 0.5, s.MeanReward, 1e-9)
	// alpha=2, beta=2 -> mean 0.5, variance 4/(16*5)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.InDelta(t, 0.05, s.Variance, 1e-9)
}
