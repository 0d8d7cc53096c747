package bandit

import (
	"math"
	"math/rand"
	"sort"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

type ucb1ArmState struct {
	pulls      int64
	rewardSum  float64
}

// UCB1 is the deterministic upper-confidence-bound policy used as phase 1
// of the hybrid router (internal/hybrid): arm-count exploration with no
// dependence on Features. The exploration constant c defaults to sqrt(2).
type UCB1 struct {
	arms       map[string]*ucb1ArmState
	totalPulls int64
	c          float64
}

func NewUCB1(c float64) *UCB1 {
	if c <= 0 {
		c = math.Sqrt2
	}
	return &UCB1{arms: make(map[string]*ucb1ArmState), c: c}
}

func (u *UCB1) ensure(arm string) *ucb1ArmState {
	s, ok := u.arms[arm]
	if !ok {
		s = &ucb1ArmState{}
		u.arms[arm] = s
	}
	return s
}

func (u *UCB1) Select(rnd *rand.Rand, candidates []string, _ domain.Features) (string, float64, error) {
	if len(candidates) == 0 {
		return "", 0, conduiterr.NewRoutingError("no eligible arms", nil)
	}
	// Arms never pulled are infinitely promising; ties broken by lexicographic
	// arm id so cold-start exploration order is deterministic.
	var unpulled []string
	for _, arm := range candidates {
		if u.ensure(arm).pulls == 0 {
			unpulled = append(unpulled, arm)
		}
	}
	if len(unpulled) > 0 {
		sort.Strings(unpulled)
		return unpulled[0], 1.0, nil
	}

	type scored struct {
		arm   string
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, arm := range candidates {
		s := u.ensure(arm)
		mean := s.rewardSum / float64(s.pulls)
		bonus := u.c * math.Sqrt(math.Log(float64(u.totalPulls))/float64(s.pulls))
		scores = append(scores, scored{arm, mean + bonus})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].arm < scores[j].arm
	})
	best := scores[0]
	confidence := clamp01(best.score / (best.score + 1))
	return best.arm, confidence, nil
}

func (u *UCB1) Update(arm string, _ domain.Features, reward float64) {
	s := u.ensure(arm)
	s.pulls++
	s.rewardSum += reward
	u.totalPulls++
}

func (u *UCB1) Stats() map[string]ArmStats {
	out := make(map[string]ArmStats, len(u.arms))
	for arm, s := range u.arms {
		mean := 0.0
		if s.pulls > 0 {
			mean = s.rewardSum / float64(s.pulls)
		}
		out[arm] = ArmStats{Pulls: s.pulls, MeanReward: mean, SuccessRate: mean}
	}
	return out
}

func (u *UCB1) Serialize() ([]byte, error) {
	arms := make([]string, 0, len(u.arms))
	for arm := range u.arms {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	w := newPayloadWriter(algoUCB1)
	w.writeInt(len(arms))
	for _, arm := range arms {
		s := u.arms[arm]
		w.writeString(arm)
		w.writeFloats([]float64{float64(s.pulls), s.rewardSum})
	}
	w.writeFloats([]float64{float64(u.totalPulls)})
	return w.bytes(), nil
}

func (u *UCB1) Restore(data []byte) error {
	r, err := newPayloadReader(data, algoUCB1)
	if err != nil {
		return err
	}
	n, err := r.readInt()
	if err != nil {
		return err
	}
	arms := make(map[string]*ucb1ArmState, n)
	for i := 0; i < n; i++ {
		arm, err := r.readString()
		if err != nil {
			return err
		}
		vals, err := r.readFloats(2)
		if err != nil {
			return err
		}
		arms[arm] = &ucb1ArmState{pulls: int64(vals[0]), rewardSum: vals[1]}
	}
	total, err := r.readFloats(1)
	if err != nil {
		return err
	}
	u.arms = arms
	u.totalPulls = int64(total[0])
	return nil
}
