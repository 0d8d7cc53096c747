// Package facade is Conduit's single public entrypoint: Complete() runs a
// query through analysis, routing, execution and feedback attribution, then
// persists the interaction and the updated bandit/hybrid state. Every
// transport (HTTP, CLI) calls into this object.
package facade

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/executor"
	"github.com/conduitrouter/conduit/internal/features"
	"github.com/conduitrouter/conduit/internal/hybrid"
	"github.com/conduitrouter/conduit/internal/registry"
	"github.com/conduitrouter/conduit/internal/routing"
	"github.com/conduitrouter/conduit/internal/store"
)

const (
	hybridRouterID = "default"
	phase1StateKey = "phase1"
	phase2StateKey = "phase2"
)

// Service wires the pipeline's stages together.
type Service struct {
	analyzer *features.Analyzer
	engine   *routing.Engine
	router   *hybrid.Router
	caller   executor.LLMCaller
	execCfg  executor.Config
	store    store.Store
	weights  bandit.RewardWeights
	persistEveryK    int
	updateCount      int64
	latencyCeilingMs int
	maxCostSeen      map[string]float64 // rolling per-arm max cost, for reward normalization
	logger           *slog.Logger
}

// Option configures a Service at construction.
type Option func(*Service)

func WithExecutorConfig(cfg executor.Config) Option {
	return func(s *Service) { s.execCfg = cfg }
}

func WithPersistEveryK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.persistEveryK = k
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLatencyCeiling overrides the latency-normalization ceiling used by the
// reward blend (default 10s).
func WithLatencyCeiling(ms int) Option {
	return func(s *Service) {
		if ms > 0 {
			s.latencyCeilingMs = ms
		}
	}
}

func New(analyzer *features.Analyzer, engine *routing.Engine, router *hybrid.Router, caller executor.LLMCaller, st store.Store, weights bandit.RewardWeights, opts ...Option) *Service {
	s := &Service{
		analyzer: analyzer, engine: engine, router: router, caller: caller,
		execCfg: executor.DefaultConfig(), store: st, weights: weights, persistEveryK: 1,
		latencyCeilingMs: 10_000,
		maxCostSeen:      make(map[string]float64),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Complete runs one query end to end and returns the RoutingResult the
// caller (HTTP handler or CLI) reports back.
func (s *Service) Complete(ctx context.Context, prompt, userID string, constraints domain.QueryConstraints) (domain.RoutingResult, error) {
	q := domain.Query{ID: uuid.NewString(), Text: prompt, UserID: userID, Constraints: constraints, CreatedAt: time.Now()}

	f, err := s.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return domain.RoutingResult{}, err
	}
	if err := s.store.SaveQuery(ctx, q); err != nil {
		return domain.RoutingResult{}, err
	}

	decision, err := s.engine.Route(ctx, q, f)
	if err != nil {
		return domain.RoutingResult{}, err
	}
	decision.ID = uuid.NewString()
	decision.CreatedAt = time.Now()

	response, attempts, execErr := executor.Execute(ctx, decision, q, s.caller, s.execCfg)
	if execErr != nil {
		s.penalize(decision, f, attempts)
		return domain.RoutingResult{}, execErr
	}
	response.ID = uuid.NewString()
	response.CreatedAt = time.Now()

	arm, ok := s.engine.Registry().ByID(response.ArmID)
	quality := 0.0
	if ok {
		quality = arm.ExpectedQuality
	}
	// Every failed arm in the cascade is penalized with a zero reward (a
	// flaky arm selected early would otherwise keep being selected), then
	// the arm that actually served the query gets the real feedback.
	for _, at := range attempts {
		if at.Err != nil {
			s.updatePolicy(at.ArmID, decision.Phase, f, 0)
		}
	}
	if response.CostUSD > s.maxCostSeen[response.ArmID] {
		s.maxCostSeen[response.ArmID] = response.CostUSD
	}
	reward := bandit.ComputeReward(s.weights, quality, response.CostUSD, s.maxCostSeen[response.ArmID],
		response.LatencyMs, s.latencyCeilingMs, true)
	s.updatePolicy(response.ArmID, decision.Phase, f, reward)

	if err := s.store.SaveInteraction(ctx, decision, response, nil); err != nil {
		s.logger.Warn("facade: failed to persist interaction", slog.String("error", err.Error()))
	}
	s.maybePersistState(ctx)

	return domain.RoutingResult{
		ID: response.ID, QueryID: q.ID, DecisionID: decision.ID, Arm: response.ArmID, Text: response.Text,
		CostUSD: response.CostUSD, LatencyMs: response.LatencyMs, Tokens: response.Tokens,
		RoutingConfidence: decision.Confidence, Reasoning: decision.Reasoning, FellBack: response.FellBack,
	}, nil
}

// RecordFeedback folds a late-arriving quality signal into the policy,
// attributing it to the phase and features recorded on the original decision
// (decisions carry a phase tag precisely so feedback arriving after a phase
// transition still updates the policy that made the call). armID names the
// arm that actually served the response; empty means the decision's primary.
func (s *Service) RecordFeedback(ctx context.Context, decisionID, armID string, feedback domain.Feedback) error {
	decision, found, err := s.store.LoadDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if !found {
		return conduiterr.NewValidationError("unknown decision id", "decision_id")
	}
	if armID == "" {
		armID = decision.SelectedArm
	}
	if feedback.QualityScore < 0 || feedback.QualityScore > 1 {
		return conduiterr.NewValidationError("quality_score must be in [0,1]", "quality_score")
	}
	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now()
	}
	if err := s.store.SaveFeedback(ctx, feedback); err != nil {
		return err
	}
	s.updatePolicy(armID, decision.Phase, decision.Features, feedback.QualityScore)
	s.maybePersistState(ctx)
	return nil
}

func (s *Service) penalize(decision domain.RoutingDecision, f domain.Features, attempts []executor.Attempt) {
	s.logger.Warn("facade: all arms failed", slog.String("decision_id", decision.ID), slog.Int("attempts", len(attempts)))
	for _, at := range attempts {
		s.updatePolicy(at.ArmID, decision.Phase, f, 0)
	}
}

func (s *Service) updatePolicy(arm string, phase domain.Phase, f domain.Features, reward float64) {
	s.router.Update(arm, f, reward, phase)
	s.updateCount++
}

func (s *Service) maybePersistState(ctx context.Context) {
	if s.updateCount%int64(s.persistEveryK) != 0 {
		return
	}
	hybridPayload, err := s.router.Serialize()
	if err != nil {
		s.logger.Warn("facade: failed to serialize hybrid router state", slog.String("error", err.Error()))
		return
	}
	if _, err := s.store.SaveHybridRouterState(ctx, hybridRouterID, hybridPayload); err != nil {
		if !isConflict(err) {
			s.logger.Warn("facade: failed to persist hybrid router state", slog.String("error", err.Error()))
		}
	}

	for key, policy := range map[string]bandit.Policy{
		phase1StateKey: s.router.Phase1(),
		phase2StateKey: s.router.Phase2(),
	} {
		payload, err := policy.Serialize()
		if err != nil {
			s.logger.Warn("facade: failed to serialize policy", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if _, err := s.store.SaveBanditState(ctx, hybridRouterID, key, payload); err != nil {
			if !isConflict(err) {
				s.logger.Warn("facade: failed to persist policy state", slog.String("key", key), slog.String("error", err.Error()))
			}
		}
	}
}

// RestoreState reloads the hybrid router's phase state and both policies'
// posteriors from the store, so a restarted process resumes where the last
// one left off. Missing rows are not an error (first boot).
func (s *Service) RestoreState(ctx context.Context) error {
	if payload, _, found, err := s.store.LoadHybridRouterState(ctx, hybridRouterID); err != nil {
		return err
	} else if found {
		if err := s.router.Restore(payload); err != nil {
			return err
		}
	}
	for key, policy := range map[string]bandit.Policy{
		phase1StateKey: s.router.Phase1(),
		phase2StateKey: s.router.Phase2(),
	} {
		payload, _, found, err := s.store.LoadBanditState(ctx, hybridRouterID, key)
		if err != nil {
			return err
		}
		if found {
			if err := policy.Restore(payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Router exposes the hybrid router for diagnostics endpoints.
func (s *Service) Router() *hybrid.Router { return s.router }

// ConflictCount reports the store's optimistic-lock conflict total.
func (s *Service) ConflictCount() int64 { return s.store.ConflictCount() }

// Registry exposes the model registry for diagnostics endpoints.
func (s *Service) Registry() *registry.Registry { return s.engine.Registry() }

func isConflict(err error) bool {
	ce, ok := err.(*conduiterr.ConduitError)
	return ok && ce.Code == conduiterr.CodeStateVersionConflict
}
