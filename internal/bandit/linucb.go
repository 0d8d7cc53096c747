package bandit

import (
	"math"
	"math/rand"
	"sort"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// linArmState is the (A, b) Bayesian linear regression posterior shared by
// LinUCB and Contextual Thompson Sampling.
type linArmState struct {
	a *symMatrix
	b []float64
}

func newLinArmState(d int, lambda float64) *linArmState {
	return &linArmState{a: newIdentity(d, lambda), b: make([]float64, d)}
}

// LinUCB is the deterministic contextual policy: it scores
// each arm by its posterior mean plus an exploration bonus proportional to
// the context's variance under that arm's posterior, and always selects the
// argmax (no sampling, unlike Contextual Thompson Sampling).
type LinUCB struct {
	d      int
	lambda float64
	alpha  float64
	arms   map[string]*linArmState
}

// NewLinUCB constructs a LinUCB policy over D-dimensional contexts.
// Defaults: alpha=1.0, lambda=1.0.
func NewLinUCB(d int, alpha, lambda float64) *LinUCB {
	if alpha <= 0 {
		alpha = 1.0
	}
	if lambda <= 0 {
		lambda = 1.0
	}
	return &LinUCB{d: d, lambda: lambda, alpha: alpha, arms: make(map[string]*linArmState)}
}

func (p *LinUCB) ensure(arm string) *linArmState {
	s, ok := p.arms[arm]
	if !ok {
		s = newLinArmState(p.d, p.lambda)
		p.arms[arm] = s
	}
	return s
}

func (p *LinUCB) Select(_ *rand.Rand, candidates []string, f domain.Features) (string, float64, error) {
	if len(candidates) == 0 {
		return "", 0, conduiterr.NewRoutingError("no eligible arms", nil)
	}
	x := ContextVector(f)
	type scored struct {
		arm   string
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, arm := range candidates {
		s := p.ensure(arm)
		l, err := s.a.cholesky()
		if err != nil {
			return "", 0, conduiterr.NewRoutingError("linucb: posterior not invertible", err)
		}
		ainvX := solveFromCholesky(l, x)
		theta := solveFromCholesky(l, s.b)
		mean := dot(theta, x)
		bonus := p.alpha * math.Sqrt(math.Max(0, quadForm(x, ainvX)))
		scores = append(scores, scored{arm, mean + bonus})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].arm < scores[j].arm
	})
	best := scores[0]
	confidence := clamp01(1 / (1 + math.Exp(-best.score)))
	return best.arm, confidence, nil
}

// Update implements A <- A + x*x^T, b <- b + r*x.
func (p *LinUCB) Update(arm string, f domain.Features, reward float64) {
	s := p.ensure(arm)
	x := ContextVector(f)
	s.a.addOuter(x, 1.0)
	for i := range s.b {
		s.b[i] += reward * x[i]
	}
}

func (p *LinUCB) Stats() map[string]ArmStats {
	out := make(map[string]ArmStats, len(p.arms))
	for arm, s := range p.arms {
		l, err := s.a.cholesky()
		mean := 0.0
		if err == nil {
			theta := solveFromCholesky(l, s.b)
			// Squared norm of the posterior mean theta, a cheap scalar
			// summary for diagnostics.
			mean = dot(theta, theta)
		}
		out[arm] = ArmStats{MeanReward: mean}
	}
	return out
}

func (p *LinUCB) Serialize() ([]byte, error) {
	arms := make([]string, 0, len(p.arms))
	for arm := range p.arms {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	w := newPayloadWriter(algoLinUCB)
	w.writeInt(p.d)
	w.writeInt(len(arms))
	for _, arm := range arms {
		s := p.arms[arm]
		w.writeString(arm)
		w.writeFloats(s.a.data)
		w.writeFloats(s.b)
	}
	return w.bytes(), nil
}

func (p *LinUCB) Restore(data []byte) error {
	r, err := newPayloadReader(data, algoLinUCB)
	if err != nil {
		return err
	}
	d, err := r.readInt()
	if err != nil {
		return err
	}
	n, err := r.readInt()
	if err != nil {
		return err
	}
	arms := make(map[string]*linArmState, n)
	for i := 0; i < n; i++ {
		arm, err := r.readString()
		if err != nil {
			return err
		}
		aData, err := r.readFloats(d * d)
		if err != nil {
			return err
		}
		bData, err := r.readFloats(d)
		if err != nil {
			return err
		}
		arms[arm] = &linArmState{a: &symMatrix{d: d, data: aData}, b: bData}
	}
	p.d = d
	p.arms = arms
	return nil
}
