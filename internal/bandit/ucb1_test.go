package bandit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUCB1ColdStartOrder is the deterministic cold-start scenario: with all
// arms unpulled, the first selects explore every arm once in lexicographic
// order, and the next select exploits the best observed mean.
func TestUCB1ColdStartOrder(t *testing.T) {
	u := NewUCB1(0)
	arms := []string{"c:3", "a:1", "b:2"}
	rewards := map[string]float64{"a:1": 0.2, "b:2": 0.9, "c:3": 0.5}

	var order []string
	for i := 0; i < 3; i++ {
		arm, _, err := u.Select(nil, arms, noFeatures)
		require.NoError(t, err)
		order = append(order, arm)
		u.Update(arm, noFeatures, rewards[arm])
	}
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, order)

	arm, _, err := u.Select(nil, arms, noFeatures)
	require.NoError(t, err)
	assert.Equal(t, "b:2", arm)
}

func TestUCB1EmptyCandidates(t *testing.T) {
	u := NewUCB1(0)
	_, _, err := u.Select(nil, nil, noFeatures)
	require.Error(t, err)
}

// TestUCB1BonusMonotone checks the exploration law: for a fixed reward sum,
// an arm's UCB score strictly decreases as its pull count grows.
func TestUCB1BonusMonotone(t *testing.T) {
	score := func(pulls int64, sum float64, total int64) float64 {
		mean := sum / float64(pulls)
		return mean + math.Sqrt2*math.Sqrt(math.Log(float64(total))/float64(pulls))
	}
	prev := math.Inf(1)
	for pulls := int64(1); pulls <= 100; pulls++ {
		s := score(pulls, 0.5, 1000)
		assert.Less(t, s, prev)
		prev = s
	}
}

func TestUCB1PrefersUnderexploredArm(t *testing.T) {
	u := NewUCB1(0)
	// Same mean reward, wildly different pull counts: the rarely-pulled arm
	// carries the bigger bonus and must win.
	for i := 0; i < 100; i++ {
		u.Update("often", noFeatures, 0.5)
	}
	u.Update("rare", noFeatures, 0.5)

	arm, _, err := u.Select(nil, []string{"often", "rare"}, noFeatures)
	require.NoError(t, err)
	assert.Equal(t, "rare", arm)
}

func TestUCB1SerializeRoundTrip(t *testing.T) {
	u := NewUCB1(0)
	u.Update("a", noFeatures, 0.3)
	u.Update("b", noFeatures, 0.8)
	u.Update("b", noFeatures, 0.6)

	payload, err := u.Serialize()
	require.NoError(t, err)

	restored := NewUCB1(0)
	require.NoError(t, restored.Restore(payload))
	assert.Equal(t, u.Stats(), restored.Stats())
	assert.Equal(t, u.totalPulls, restored.totalPulls)

	arm1, _, _ := u.Select(nil, []string{"a", "b"}, noFeatures)
	arm2, _, _ := restored.Select(nil, []string{"a", "b"}, noFeatures)
	assert.Equal(t, arm1, arm2)
}
