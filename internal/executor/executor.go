// Package executor runs a RoutingDecision against the live provider arms:
// it tries the selected arm first, then walks the fallback chain on any
// failure, enforcing a per-arm timeout. There is no error-class-specific
// retry on the same arm; every arm in a fallback chain is an independent
// model, and same-arm retries belong to the call function.
package executor

import (
	"context"
	"time"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// LLMCaller sends a prompt to one arm and returns its raw response. Callers
// supply a concrete implementation per provider; this package only
// sequences calls and interprets their outcome.
type LLMCaller interface {
	Call(ctx context.Context, armID string, q domain.Query) (text string, tokens int, costUSD float64, err error)
}

// Attempt is one arm attempt's outcome, win or lose, kept so the façade can
// penalize every arm that failed in the cascade.
type Attempt struct {
	ArmID     string
	Err       error
	LatencyMs int
}

// Config bounds how long a single arm attempt may run.
type Config struct {
	PerArmTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{PerArmTimeout: 30 * time.Second}
}

// Execute tries decision.SelectedArm, then each entry of FallbackChain in
// order, returning the first success. If every arm fails it returns
// *conduiterr.ConduitError with CodeAllModelsFailed and every attempt's
// error in Details["attempts"].
func Execute(ctx context.Context, decision domain.RoutingDecision, q domain.Query, caller LLMCaller, cfg Config) (domain.Response, []Attempt, error) {
	if cfg.PerArmTimeout <= 0 {
		cfg = DefaultConfig()
	}
	chain := append([]string{decision.SelectedArm}, decision.FallbackChain...)
	attempts := make([]Attempt, 0, len(chain))
	attemptErrs := make(map[string]string, len(chain))

	for i, armID := range chain {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.PerArmTimeout)
		start := time.Now()
		text, tokens, costUSD, err := caller.Call(attemptCtx, armID, q)
		latencyMs := int(time.Since(start).Milliseconds())
		cancel()

		attempts = append(attempts, Attempt{ArmID: armID, Err: err, LatencyMs: latencyMs})
		if err == nil {
			return domain.Response{
				QueryID:   q.ID,
				ArmID:     armID,
				Text:      text,
				CostUSD:   costUSD,
				LatencyMs: latencyMs,
				Tokens:    tokens,
				FellBack:  i > 0,
				Attempts:  i + 1,
			}, attempts, nil
		}
		attemptErrs[armID] = err.Error()
		if ctx.Err() != nil {
			break
		}
	}

	return domain.Response{}, attempts, conduiterr.NewAllModelsFailedError(
		"every arm in the fallback chain failed", attemptErrs,
	)
}
