// Package routing turns a Query's extracted Features into a RoutingDecision:
// it narrows the registry to eligible arms, asks the hybrid policy to pick
// one, and ranks the remaining eligible arms into a fallback chain by a
// blended quality/cost/provider score.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/hybrid"
	"github.com/conduitrouter/conduit/internal/registry"
)

// fallbackScoreWeights blend expected quality, average cost-per-token and a
// small fixed penalty for sharing the primary's provider into one ranking
// score for the fallback chain.
const (
	qualityWeight         = 0.6
	costWeight            = 0.3
	providerPenaltyWeight = 0.1
)

// Engine owns the registry and hybrid policy and produces RoutingDecisions.
type Engine struct {
	reg          *registry.Registry
	policy       *hybrid.Router
	rnd          *rand.Rand
	maxFallbacks int
	logger       *slog.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithRand overrides the engine's source of randomness (tests pass a seeded
// one for determinism).
func WithRand(rnd *rand.Rand) Option {
	return func(e *Engine) { e.rnd = rnd }
}

// WithMaxFallbacks caps the length of the fallback chain attached to each
// decision (default 3, per CONDUIT_MAX_FALLBACKS).
func WithMaxFallbacks(n int) Option {
	return func(e *Engine) { e.maxFallbacks = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Registry exposes the underlying model registry (the façade uses this to
// look up the served arm's expected quality when computing reward).
func (e *Engine) Registry() *registry.Registry { return e.reg }

func New(reg *registry.Registry, policy *hybrid.Router, opts ...Option) *Engine {
	e := &Engine{reg: reg, policy: policy, rnd: rand.New(rand.NewSource(1)), maxFallbacks: 3, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// eligible applies a Query's constraints to the registry, relaxing them in
// the fixed order preferred_provider -> min_quality -> max_cost whenever a
// stage would leave zero candidates, so an overly strict Query still gets
// routed somewhere rather than failing outright. It reports which
// constraints were relaxed so the decision's reasoning can name them.
func (e *Engine) eligible(q domain.Query, f domain.Features) (candidates []string, relaxed []string) {
	c := q.Constraints

	// MaxCostUSD bounds the whole response; divided by the estimated token
	// count it becomes a per-token price cap comparable to registry costs.
	var maxAvgCost *float64
	if c.MaxCostUSD != nil && f.TokenCount > 0 {
		v := *c.MaxCostUSD / float64(f.TokenCount)
		maxAvgCost = &v
	}

	filter := registry.Filter{
		PreferredProvider: c.PreferredProvider,
		MinQuality:        c.MinQuality,
		MaxAvgCostPerTok:  maxAvgCost,
	}
	if candidates = e.reg.Apply(filter); len(candidates) > 0 {
		return candidates, nil
	}
	if filter.PreferredProvider != nil {
		filter.PreferredProvider = nil
		relaxed = append(relaxed, "preferred_provider")
		if candidates = e.reg.Apply(filter); len(candidates) > 0 {
			return candidates, relaxed
		}
	}
	if filter.MinQuality != nil {
		filter.MinQuality = nil
		relaxed = append(relaxed, "min_quality")
		if candidates = e.reg.Apply(filter); len(candidates) > 0 {
			return candidates, relaxed
		}
	}
	if filter.MaxAvgCostPerTok != nil {
		filter.MaxAvgCostPerTok = nil
		relaxed = append(relaxed, "max_cost")
		candidates = e.reg.Apply(filter)
	}
	return candidates, relaxed
}

// score ranks an arm for fallback-chain ordering: high expected quality and
// low cost score well; sharing the primary's provider costs a small fixed
// penalty so a provider-wide outage can't take out the whole chain.
func (e *Engine) score(arm domain.Arm, primaryProvider string) float64 {
	penalty := 0.0
	if arm.Provider == primaryProvider {
		penalty = providerPenaltyWeight
	}
	return qualityWeight*arm.ExpectedQuality - costWeight*registry.AvgCostPerToken(arm) - penalty
}

// Route selects an arm and builds its fallback chain for one Query.
func (e *Engine) Route(_ context.Context, q domain.Query, f domain.Features) (domain.RoutingDecision, error) {
	candidates, relaxed := e.eligible(q, f)
	if len(candidates) == 0 {
		return domain.RoutingDecision{}, conduiterr.NewRoutingError("no eligible models", nil)
	}
	for _, name := range relaxed {
		e.logger.Warn("routing: constraint relaxed", slog.String("constraint", name), slog.String("query_id", q.ID))
	}

	selected, confidence, phase, err := e.policy.Select(e.rnd, candidates, f)
	if err != nil {
		return domain.RoutingDecision{}, conduiterr.NewRoutingError("policy selection failed", err)
	}
	primary, ok := e.reg.ByID(selected)
	if !ok {
		return domain.RoutingDecision{}, conduiterr.NewRoutingError("policy selected unknown arm "+selected, nil)
	}

	type scored struct {
		id    string
		score float64
	}
	rest := make([]scored, 0, len(candidates)-1)
	for _, id := range candidates {
		if id == selected {
			continue
		}
		arm, ok := e.reg.ByID(id)
		if !ok {
			continue
		}
		rest = append(rest, scored{id, e.score(arm, primary.Provider)})
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].score != rest[j].score {
			return rest[i].score > rest[j].score
		}
		return rest[i].id < rest[j].id
	})
	n := e.maxFallbacks
	if n > len(rest) {
		n = len(rest)
	}
	chain := make([]string, n)
	for i := 0; i < n; i++ {
		chain[i] = rest[i].id
	}

	return domain.RoutingDecision{
		QueryID:       q.ID,
		SelectedArm:   selected,
		FallbackChain: chain,
		Phase:         phase,
		Confidence:    confidence,
		Features:      f,
		Reasoning:     reasoning(q.Constraints, selected, chain, confidence, phase, len(candidates), relaxed),
	}, nil
}

// reasoning names the winner, the top contenders and the constraints that
// were active or relaxed, so a stored decision can be audited on its own.
func reasoning(c domain.QueryConstraints, selected string, chain []string, confidence float64, phase domain.Phase, eligible int, relaxed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase=%s selected %s (confidence=%.3f) from %d eligible arms", phase, selected, confidence, eligible)
	if len(chain) > 0 {
		fmt.Fprintf(&b, "; contenders: %s", strings.Join(chain, ", "))
	}
	var active []string
	if c.PreferredProvider != nil {
		active = append(active, "preferred_provider="+*c.PreferredProvider)
	}
	if c.MinQuality != nil {
		active = append(active, fmt.Sprintf("min_quality=%.2f", *c.MinQuality))
	}
	if c.MaxCostUSD != nil {
		active = append(active, fmt.Sprintf("max_cost=%.4f", *c.MaxCostUSD))
	}
	if len(active) > 0 {
		fmt.Fprintf(&b, "; constraints: %s", strings.Join(active, ", "))
	}
	for _, name := range relaxed {
		fmt.Fprintf(&b, "; %s relaxed", name)
	}
	return b.String()
}
