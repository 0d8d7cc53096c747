// Package hybrid implements the two-phase router: it starts in a
// context-free UCB1 explorer and transitions, at a configurable query
// count, into a contextual policy seeded with knowledge transferred from
// phase 1's statistics.
package hybrid

import (
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// meanAccum tracks a running elementwise mean of every Features seen during
// phase 1, for the knowledge-transfer step at the phase transition.
type meanAccum struct {
	Embedding  []float64
	TokenCount float64
	Complexity float64
	DomainConf float64
	N          int64
}

func (m *meanAccum) add(f domain.Features) {
	m.N++
	if m.Embedding == nil {
		m.Embedding = make([]float64, len(f.Embedding))
	}
	n := float64(m.N)
	for i, v := range f.Embedding {
		m.Embedding[i] += (v - m.Embedding[i]) / n
	}
	m.TokenCount += (float64(f.TokenCount) - m.TokenCount) / n
	m.Complexity += (f.ComplexityScore - m.Complexity) / n
	m.DomainConf += (f.DomainConfidence - m.DomainConf) / n
}

func (m *meanAccum) features() domain.Features {
	emb := make([]float64, len(m.Embedding))
	copy(emb, m.Embedding)
	return domain.Features{
		Embedding:        emb,
		TokenCount:       int(m.TokenCount),
		ComplexityScore:  m.Complexity,
		DomainConfidence: m.DomainConf,
	}
}

// Router is the hybrid two-phase policy. It is safe for concurrent Select
// and Update calls: a single mutex guards the entire struct, which is
// acceptable because updates are O(D^2) at worst and requests are I/O-bound.
type Router struct {
	mu sync.Mutex

	phase1 *bandit.UCB1
	phase2 bandit.Policy // typically *bandit.LinUCB or *bandit.ContextualThompson

	phase           domain.Phase
	queryCount      int64
	switchThreshold int64
	transferKMax    int64
	onTransition    func(from, to domain.Phase)

	mean meanAccum
}

// Config carries the hybrid router's tunables.
type Config struct {
	SwitchThreshold int64   // reference 2000
	TransferKMax    int64   // cap on synthesized pseudo-observations per arm
	UCB1C           float64 // phase-1 exploration constant, 0 = sqrt(2)

	// StartContextual skips the exploration phase entirely: the router is
	// born in phase 2 (used when the configured algorithm is a contextual
	// policy rather than the two-phase hybrid).
	StartContextual bool

	// OnTransition, if set, is invoked under the router's lock whenever the
	// phase changes.
	OnTransition func(from, to domain.Phase)
}

// DefaultConfig matches the reference switch_threshold and a modest
// transfer cap so knowledge transfer cannot replay an unbounded history.
func DefaultConfig() Config {
	return Config{SwitchThreshold: 2000, TransferKMax: 200}
}

// New constructs a Router starting in phase 1 (exploration/UCB1), or directly
// in phase 2 when cfg.StartContextual is set.
func New(phase2 bandit.Policy, cfg Config) *Router {
	if cfg.SwitchThreshold <= 0 {
		cfg.SwitchThreshold = 2000
	}
	if cfg.TransferKMax <= 0 {
		cfg.TransferKMax = 200
	}
	phase := domain.PhaseExploration
	if cfg.StartContextual {
		phase = domain.PhaseContextual
	}
	return &Router{
		phase1:          bandit.NewUCB1(cfg.UCB1C),
		phase2:          phase2,
		phase:           phase,
		switchThreshold: cfg.SwitchThreshold,
		transferKMax:    cfg.TransferKMax,
		onTransition:    cfg.OnTransition,
	}
}

// Select picks an arm and reports which phase produced the decision; callers
// must store this phase tag on the RoutingDecision so Update can be routed
// correctly even if a transition happens before feedback arrives.
func (r *Router) Select(rnd *rand.Rand, candidates []string, f domain.Features) (arm string, confidence float64, phase domain.Phase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == domain.PhaseExploration && r.queryCount >= r.switchThreshold {
		r.transitionLocked()
	}

	if r.phase == domain.PhaseExploration {
		arm, confidence, err = r.phase1.Select(rnd, candidates, f)
		return arm, confidence, domain.PhaseExploration, err
	}
	arm, confidence, err = r.phase2.Select(rnd, candidates, f)
	return arm, confidence, domain.PhaseContextual, err
}

// Update routes the observed reward to whichever policy was active when the
// decision was made (the phase tag), not whichever is active now.
func (r *Router) Update(arm string, f domain.Features, reward float64, phase domain.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch phase {
	case domain.PhaseExploration:
		r.phase1.Update(arm, f, reward)
		r.mean.add(f)
	case domain.PhaseContextual:
		r.phase2.Update(arm, f, reward)
	}
	r.queryCount++
}

// transitionLocked performs the knowledge-transfer seeding:
// for every arm phase 1 pulled, synthesize min(pulls, transferKMax)
// pseudo-observations at the running mean feature vector and phase 1's
// observed mean reward, applying phase2's own Update rule, then switches
// the active phase. Caller must hold r.mu.
func (r *Router) transitionLocked() {
	if r.mean.N > 0 {
		meanF := r.mean.features()
		for arm, stats := range r.phase1.Stats() {
			if stats.Pulls <= 0 {
				continue
			}
			k := stats.Pulls
			if k > r.transferKMax {
				k = r.transferKMax
			}
			for i := int64(0); i < k; i++ {
				r.phase2.Update(arm, meanF, stats.MeanReward)
			}
		}
	}
	r.phase = domain.PhaseContextual
	if r.onTransition != nil {
		r.onTransition(domain.PhaseExploration, domain.PhaseContextual)
	}
}

// Phase reports the currently active phase (for diagnostics/metrics).
func (r *Router) Phase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// persistedState is the hybrid router's own JSON-serialized metadata —
// phase, query count, and the feature mean accumulator. Bandit posteriors
// for phase1/phase2 are persisted separately under their own store keys.
type persistedState struct {
	Phase      domain.Phase `json:"phase"`
	QueryCount int64        `json:"query_count"`
	Mean       meanAccum    `json:"mean"`
}

// Serialize encodes the router's phase/query-count/mean-accumulator state.
func (r *Router) Serialize() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(persistedState{Phase: r.phase, QueryCount: r.queryCount, Mean: r.mean})
	if err != nil {
		return nil, conduiterr.NewDatabaseError("hybrid: serialize", err)
	}
	return data, nil
}

// Restore replaces the router's phase/query-count/mean-accumulator state.
// It does not touch phase1/phase2 posteriors; callers restore those
// separately from their own store keys.
func (r *Router) Restore(data []byte) error {
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return conduiterr.NewDatabaseError("hybrid: restore", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = st.Phase
	r.queryCount = st.QueryCount
	r.mean = st.Mean
	return nil
}

// Phase1/Phase2 expose the underlying policies so callers can serialize and
// persist their posteriors individually (internal/facade does this).
func (r *Router) Phase1() *bandit.UCB1  { return r.phase1 }
func (r *Router) Phase2() bandit.Policy { return r.phase2 }

// phase2Restorer swaps phase 2's posterior under the router's lock, so the
// background refresh loop cannot race a concurrent Select/Update.
type phase2Restorer struct{ r *Router }

func (p phase2Restorer) Restore(data []byte) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.r.phase2.Restore(data)
}

// Phase2Restorer is what background refresh loops should restore through.
func (r *Router) Phase2Restorer() interface{ Restore([]byte) error } {
	return phase2Restorer{r}
}
