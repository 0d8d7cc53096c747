// Package registry is the model registry: the fixed set of routable arms,
// loaded once and immutable thereafter.
package registry

import (
	"sort"
	"sync"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// Registry holds the arms available to the router. It is safe for
// concurrent reads; it is never mutated after New returns.
type Registry struct {
	mu       sync.RWMutex
	arms     map[string]domain.Arm
	byProv   map[string][]string
}

// New builds a Registry from an already-decoded arm slice (the loader calls
// this after parsing JSON or TOML).
func New(arms []domain.Arm) (*Registry, error) {
	if len(arms) == 0 {
		return nil, conduiterr.NewConfigurationError("registry: at least one arm is required")
	}
	r := &Registry{
		arms:   make(map[string]domain.Arm, len(arms)),
		byProv: make(map[string][]string),
	}
	for _, a := range arms {
		if a.ID == "" {
			return nil, conduiterr.NewConfigurationError("registry: arm with empty id")
		}
		if _, dup := r.arms[a.ID]; dup {
			return nil, conduiterr.NewConfigurationError("registry: duplicate arm id " + a.ID)
		}
		if a.ExpectedQuality < 0 || a.ExpectedQuality > 1 {
			return nil, conduiterr.NewConfigurationError("registry: arm " + a.ID + " expected_quality out of [0,1]")
		}
		r.arms[a.ID] = a
		r.byProv[a.Provider] = append(r.byProv[a.Provider], a.ID)
	}
	for _, ids := range r.byProv {
		sort.Strings(ids)
	}
	return r, nil
}

// All returns every arm, sorted by ID for deterministic iteration.
func (r *Registry) All() []domain.Arm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Arm, 0, len(r.arms))
	for _, a := range r.arms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByID looks up a single arm.
func (r *Registry) ByID(id string) (domain.Arm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arms[id]
	return a, ok
}

// ByProvider returns the arm IDs offered by one provider, sorted.
func (r *Registry) ByProvider(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byProv[provider]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// AvgCostPerToken is the blended per-token price used by cost filtering:
// (cost_in + cost_out) / 2.
func AvgCostPerToken(a domain.Arm) float64 {
	return (a.CostPerInputToken + a.CostPerOutputTok) / 2
}

// Filter narrows the arm set by optional constraints. nil/zero-value
// pointers mean "no constraint on this dimension".
type Filter struct {
	MinQuality        *float64
	MaxAvgCostPerTok  *float64 // cap on (cost_in + cost_out)/2
	PreferredProvider *string
}

// Apply returns the arm IDs surviving the filter, sorted for determinism.
// Constraint relaxation order (preferred_provider, then min_quality, then
// max_cost) is the caller's responsibility (internal/routing); Apply itself
// applies every set field as a hard AND.
func (r *Registry) Apply(f Filter) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.arms))
	for id, a := range r.arms {
		if f.PreferredProvider != nil && a.Provider != *f.PreferredProvider {
			continue
		}
		if f.MinQuality != nil && a.ExpectedQuality < *f.MinQuality {
			continue
		}
		if f.MaxAvgCostPerTok != nil && AvgCostPerToken(a) > *f.MaxAvgCostPerTok {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the registry for diagnostics / the admin CLI.
type Stats struct {
	TotalArms      int
	Providers      []string
	AvgQuality     float64
	MinCostPerOut  float64
	MaxCostPerOut  float64
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	s.TotalArms = len(r.arms)
	if s.TotalArms == 0 {
		return s
	}
	var qSum float64
	first := true
	for p := range r.byProv {
		s.Providers = append(s.Providers, p)
	}
	sort.Strings(s.Providers)
	for _, a := range r.arms {
		qSum += a.ExpectedQuality
		if first {
			s.MinCostPerOut, s.MaxCostPerOut = a.CostPerOutputTok, a.CostPerOutputTok
			first = false
		}
		if a.CostPerOutputTok < s.MinCostPerOut {
			s.MinCostPerOut = a.CostPerOutputTok
		}
		if a.CostPerOutputTok > s.MaxCostPerOut {
			s.MaxCostPerOut = a.CostPerOutputTok
		}
	}
	s.AvgQuality = qSum / float64(s.TotalArms)
	return s
}
