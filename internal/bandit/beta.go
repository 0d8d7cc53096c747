package bandit

import (
	"math"
	"math/rand"
	"sort"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// betaArmParams is the Beta(alpha, beta) posterior for one arm.
type betaArmParams struct {
	alpha, beta float64
	pulls       int64
	rewardSum   float64
}

// BetaThompson is context-free Beta-Bernoulli Thompson Sampling: it ignores
// Features entirely and samples a win probability per arm from its Beta
// posterior. Selectable via CONDUIT_ALGORITHM=beta_ts; the default
// algorithm is the contextual sampler, which actually uses the features.
type BetaThompson struct {
	arms             map[string]*betaArmParams
	successThreshold float64
}

// NewBetaThompson starts every arm at the uniform Beta(1,1) prior. A reward
// at or above successThreshold counts as a Bernoulli success (alpha += 1),
// anything below as a failure (beta += 1). threshold <= 0 falls back to the
// reference cutoff of 0.7.
func NewBetaThompson(successThreshold float64) *BetaThompson {
	if successThreshold <= 0 {
		successThreshold = 0.7
	}
	return &BetaThompson{arms: make(map[string]*betaArmParams), successThreshold: successThreshold}
}

func (b *BetaThompson) ensure(arm string) *betaArmParams {
	p, ok := b.arms[arm]
	if !ok {
		p = &betaArmParams{alpha: 1, beta: 1}
		b.arms[arm] = p
	}
	return p
}

func (b *BetaThompson) Select(rnd *rand.Rand, candidates []string, _ domain.Features) (string, float64, error) {
	if len(candidates) == 0 {
		return "", 0, conduiterr.NewRoutingError("no eligible arms", nil)
	}
	type draw struct {
		arm    string
		sample float64
	}
	draws := make([]draw, 0, len(candidates))
	for _, arm := range candidates {
		p := b.ensure(arm)
		draws = append(draws, draw{arm, betaSample(rnd, p.alpha, p.beta)})
	}
	sort.Slice(draws, func(i, j int) bool { return draws[i].sample > draws[j].sample })
	best := draws[0]
	// Confidence: how far the winning sample is above the runner-up,
	// normalized into [0,1].
	confidence := 1.0
	if len(draws) > 1 {
		confidence = clamp01(best.sample - draws[1].sample + 0.5)
	}
	return best.arm, confidence, nil
}

func (b *BetaThompson) Update(arm string, _ domain.Features, reward float64) {
	p := b.ensure(arm)
	p.pulls++
	p.rewardSum += reward
	if reward >= b.successThreshold {
		p.alpha++
	} else {
		p.beta++
	}
}

func (b *BetaThompson) Stats() map[string]ArmStats {
	out := make(map[string]ArmStats, len(b.arms))
	for arm, p := range b.arms {
		mean := p.alpha / (p.alpha + p.beta)
		ab := p.alpha + p.beta
		variance := (p.alpha * p.beta) / (ab * ab * (ab + 1))
		meanReward := 0.0
		if p.pulls > 0 {
			meanReward = p.rewardSum / float64(p.pulls)
		}
		out[arm] = ArmStats{
			Pulls:       p.pulls,
			MeanReward:  meanReward,
			SuccessRate: mean,
			Variance:    variance,
		}
	}
	return out
}

// Serialize/Restore use the self-describing binary format in serialize.go:
// algorithm tag 1, then per-arm [alpha, beta, pulls, rewardSum].
func (b *BetaThompson) Serialize() ([]byte, error) {
	arms := make([]string, 0, len(b.arms))
	for arm := range b.arms {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	w := newPayloadWriter(algoBetaThompson)
	w.writeInt(len(arms))
	for _, arm := range arms {
		p := b.arms[arm]
		w.writeString(arm)
		w.writeFloats([]float64{p.alpha, p.beta, float64(p.pulls), p.rewardSum})
	}
	return w.bytes(), nil
}

func (b *BetaThompson) Restore(data []byte) error {
	r, err := newPayloadReader(data, algoBetaThompson)
	if err != nil {
		return err
	}
	n, err := r.readInt()
	if err != nil {
		return err
	}
	arms := make(map[string]*betaArmParams, n)
	for i := 0; i < n; i++ {
		arm, err := r.readString()
		if err != nil {
			return err
		}
		vals, err := r.readFloats(4)
		if err != nil {
			return err
		}
		arms[arm] = &betaArmParams{alpha: vals[0], beta: vals[1], pulls: int64(vals[2]), rewardSum: vals[3]}
	}
	b.arms = arms
	return nil
}

// betaSample and gammaSample are Marsaglia-Tsang Beta/Gamma samplers. They
// take an explicit *rand.Rand so selection is reproducible under a seeded
// source.
func betaSample(rnd *rand.Rand, alpha, beta float64) float64 {
	x := gammaSample(rnd, alpha)
	y := gammaSample(rnd, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

func gammaSample(rnd *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rnd.Float64()
		return gammaSample(rnd, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rnd.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rnd.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
