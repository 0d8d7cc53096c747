package bandit

import (
	"math/rand"
	"sort"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// windowObs is one (context, reward) pair retained for the sliding-window
// recompute of (A, b).
type windowObs struct {
	x []float64
	r float64
}

type ctxTSArmState struct {
	*linArmState
	window []windowObs // most recent first is irrelevant; FIFO by append order
	pulls  int64
}

// ContextualThompson is Bayesian-linear-regression Thompson Sampling over
// the same (A, b) posterior shape as LinUCB: instead of
// taking the argmax of a deterministic score, it draws a sample
// theta_hat ~ N(mu, sigma^2 * A^-1) per arm via a Cholesky factor of A^-1
// and scores by theta_hat . x. A sliding window of the last W observations
// bounds memory and lets the posterior adapt to drift by periodically
// recomputing A and b from scratch over the window.
type ContextualThompson struct {
	d          int
	lambda     float64
	sigma      float64
	windowSize int
	arms       map[string]*ctxTSArmState
}

// NewContextualThompson constructs a policy over D-dimensional contexts.
// Reference defaults: lambda=1.0, sigma=1.0. windowSize<=0 disables the
// sliding window (unbounded accumulation, matching plain LinUCB bookkeeping).
func NewContextualThompson(d int, sigma, lambda float64, windowSize int) *ContextualThompson {
	if lambda <= 0 {
		lambda = 1.0
	}
	if sigma <= 0 {
		sigma = 1.0
	}
	return &ContextualThompson{d: d, lambda: lambda, sigma: sigma, windowSize: windowSize, arms: make(map[string]*ctxTSArmState)}
}

func (p *ContextualThompson) ensure(arm string) *ctxTSArmState {
	s, ok := p.arms[arm]
	if !ok {
		s = &ctxTSArmState{linArmState: newLinArmState(p.d, p.lambda)}
		p.arms[arm] = s
	}
	return s
}

func (p *ContextualThompson) Select(rnd *rand.Rand, candidates []string, f domain.Features) (string, float64, error) {
	if len(candidates) == 0 {
		return "", 0, conduiterr.NewRoutingError("no eligible arms", nil)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
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
			return "", 0, conduiterr.NewRoutingError("ctx_ts: posterior not invertible", err)
		}
		mu := solveFromCholesky(l, s.b)
		// Ainv = (L L^T)^-1; its Cholesky factor for sampling is sigma * L^-T
		// (the upper factor of Ainv). Draw z ~ N(0, I) and solve L^T * shift = z
		// so that theta_hat = mu + sigma * shift has covariance sigma^2 * Ainv.
		z := make([]float64, p.d)
		for i := range z {
			z[i] = rnd.NormFloat64()
		}
		shift := solveLTranspose(l, z)
		thetaHat := make([]float64, p.d)
		for i := range thetaHat {
			thetaHat[i] = mu[i] + p.sigma*shift[i]
		}
		scores = append(scores, scored{arm, dot(thetaHat, x)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].arm < scores[j].arm
	})
	best := scores[0]
	spread := 0.0
	if len(scores) > 1 {
		spread = best.score - scores[1].score
	}
	return best.arm, clamp01(0.5 + spread), nil
}

// Update applies A += x x^T, b += r x (identical rule to LinUCB), then,
// when a window is configured and full, recomputes (A, b) from scratch over
// the retained window so old observations stop influencing the posterior.
func (p *ContextualThompson) Update(arm string, f domain.Features, reward float64) {
	s := p.ensure(arm)
	x := ContextVector(f)
	s.a.addOuter(x, 1.0)
	for i := range s.b {
		s.b[i] += reward * x[i]
	}
	s.pulls++

	if p.windowSize <= 0 {
		return
	}
	s.window = append(s.window, windowObs{x: x, r: reward})
	if len(s.window) > p.windowSize {
		s.window = s.window[len(s.window)-p.windowSize:]
		p.recompute(s)
	}
}

func (p *ContextualThompson) recompute(s *ctxTSArmState) {
	s.a = newIdentity(p.d, p.lambda)
	s.b = make([]float64, p.d)
	for _, obs := range s.window {
		s.a.addOuter(obs.x, 1.0)
		for i := range s.b {
			s.b[i] += obs.r * obs.x[i]
		}
	}
}

func (p *ContextualThompson) Stats() map[string]ArmStats {
	out := make(map[string]ArmStats, len(p.arms))
	for arm, s := range p.arms {
		l, err := s.a.cholesky()
		meanNorm := 0.0
		if err == nil {
			mu := solveFromCholesky(l, s.b)
			meanNorm = dot(mu, mu)
		}
		out[arm] = ArmStats{Pulls: s.pulls, MeanReward: meanNorm}
	}
	return out
}

func (p *ContextualThompson) Serialize() ([]byte, error) {
	arms := make([]string, 0, len(p.arms))
	for arm := range p.arms {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	w := newPayloadWriter(algoCtxTS)
	w.writeInt(p.d)
	w.writeInt(len(arms))
	for _, arm := range arms {
		s := p.arms[arm]
		w.writeString(arm)
		w.writeFloats(s.a.data)
		w.writeFloats(s.b)
		w.writeInt(int(s.pulls))
		w.writeInt(len(s.window))
		for _, obs := range s.window {
			w.writeFloats(obs.x)
			w.writeFloats([]float64{obs.r})
		}
	}
	return w.bytes(), nil
}

func (p *ContextualThompson) Restore(data []byte) error {
	r, err := newPayloadReader(data, algoCtxTS)
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
	arms := make(map[string]*ctxTSArmState, n)
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
		pulls, err := r.readInt()
		if err != nil {
			return err
		}
		wn, err := r.readInt()
		if err != nil {
			return err
		}
		window := make([]windowObs, 0, wn)
		for j := 0; j < wn; j++ {
			x, err := r.readFloats(d)
			if err != nil {
				return err
			}
			rv, err := r.readFloats(1)
			if err != nil {
				return err
			}
			window = append(window, windowObs{x: x, r: rv[0]})
		}
		arms[arm] = &ctxTSArmState{
			linArmState: &linArmState{a: &symMatrix{d: d, data: aData}, b: bData},
			pulls:       int64(pulls),
			window:      window,
		}
	}
	p.d = d
	p.arms = arms
	return nil
}
