// Package bandit implements the routing policies: Beta-Bernoulli Thompson
// Sampling, UCB1, LinUCB and Contextual Thompson Sampling, plus the reward
// function and posterior serialization shared by all four.
package bandit

import (
	"math"
	"math/rand"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// Policy is the contract every bandit algorithm implements. A Policy is not
// safe for concurrent use by itself; callers serialize access (the hybrid
// router holds a single mutex around every Select and Update it makes).
type Policy interface {
	// Select picks one arm from candidates given the query's features and
	// returns a confidence score in [0,1].
	Select(rnd *rand.Rand, candidates []string, f domain.Features) (arm string, confidence float64, err error)
	// Update folds one observed reward back into the arm's posterior.
	Update(arm string, f domain.Features, reward float64)
	// Serialize encodes the policy's full posterior state.
	Serialize() ([]byte, error)
	// Restore replaces the policy's posterior state from a prior Serialize.
	Restore([]byte) error
	// Stats reports per-arm diagnostics for observability/the admin CLI.
	Stats() map[string]ArmStats
}

// ArmStats is the diagnostic summary one arm's posterior exposes.
type ArmStats struct {
	Pulls           int64
	MeanReward      float64
	SuccessRate     float64 // mean_success_rate, carried from ModelState.mean_success_rate
	Variance        float64 // carried from ModelState.variance
}

// RewardWeights are the quality/cost/latency blend coefficients of the
// reward function. They must sum to 1.
type RewardWeights struct {
	Quality float64
	Cost    float64
	Latency float64
}

const weightSumTolerance = 1e-9

// Validate enforces Quality+Cost+Latency == 1 within a tight epsilon and
// rejects negative weights.
func (w RewardWeights) Validate() error {
	if w.Quality < 0 || w.Cost < 0 || w.Latency < 0 {
		return conduiterr.NewConfigurationError("reward weights must be non-negative")
	}
	sum := w.Quality + w.Cost + w.Latency
	if math.Abs(sum-1.0) > weightSumTolerance {
		return conduiterr.NewConfigurationError("reward weights must sum to 1.0")
	}
	return nil
}

// ComputeReward blends normalized quality, cost and latency into a single
// scalar in [0,1]: cost and latency are normalized against a budget and
// inverted so that cheaper/faster scores higher, then combined with the
// configured weights. A failed execution is worth exactly zero.
func ComputeReward(w RewardWeights, quality, costUSD float64, costBudgetUSD float64, latencyMs, latencyBudgetMs int, success bool) float64 {
	if !success {
		return 0
	}
	costNorm := 0.0
	if costBudgetUSD > 0 {
		costNorm = clamp01(costUSD / costBudgetUSD)
	}
	latencyNorm := 0.0
	if latencyBudgetMs > 0 {
		latencyNorm = clamp01(float64(latencyMs) / float64(latencyBudgetMs))
	}
	reward := w.Quality*clamp01(quality) + w.Cost*(1-costNorm) + w.Latency*(1-latencyNorm)
	return clamp01(reward)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ContextVector builds the D-dimensional context fed to LinUCB and
// Contextual Thompson Sampling: the embedding concatenated with
// token_count, complexity_score and domain_confidence (D = D_emb + 3).
// Token count is scaled by 1/1000 so its magnitude doesn't dwarf the
// embedding dimensions the way a raw count in the thousands would.
func ContextVector(f domain.Features) []float64 {
	x := make([]float64, len(f.Embedding)+3)
	copy(x, f.Embedding)
	x[len(f.Embedding)] = float64(f.TokenCount) / 1000.0
	x[len(f.Embedding)+1] = f.ComplexityScore
	x[len(f.Embedding)+2] = f.DomainConfidence
	return x
}

// TokenBucketLabel buckets a token count into "small"/"medium"/"large"
// for diagnostics and metric labels.
func TokenBucketLabel(tokens int) string {
	switch {
	case tokens < 500:
		return "small"
	case tokens < 4000:
		return "medium"
	default:
		return "large"
	}
}
