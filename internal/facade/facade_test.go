package facade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/executor"
	"github.com/conduitrouter/conduit/internal/features"
	"github.com/conduitrouter/conduit/internal/hybrid"
	"github.com/conduitrouter/conduit/internal/registry"
	"github.com/conduitrouter/conduit/internal/routing"
)

// memStore is an in-memory store.Store for façade tests.
type memStore struct {
	mu        sync.Mutex
	queries   []domain.Query
	decisions map[string]domain.RoutingDecision
	feedback  []domain.Feedback
	bandit    map[string][]byte
	hybrid    map[string][]byte
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		decisions: map[string]domain.RoutingDecision{},
		bandit:    map[string][]byte{},
		hybrid:    map[string][]byte{},
	}
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) SaveBanditState(_ context.Context, routerID, key string, payload []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bandit[routerID+"/"+key] = payload
	m.saves++
	return m.saves, nil
}

func (m *memStore) LoadBanditState(_ context.Context, routerID, key string) ([]byte, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.bandit[routerID+"/"+key]
	return p, 1, ok, nil
}

func (m *memStore) SaveHybridRouterState(_ context.Context, routerID string, payload []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hybrid[routerID] = payload
	return 1, nil
}

func (m *memStore) LoadHybridRouterState(_ context.Context, routerID string) ([]byte, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.hybrid[routerID]
	return p, 1, ok, nil
}

func (m *memStore) SaveQuery(_ context.Context, q domain.Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	return nil
}

func (m *memStore) SaveInteraction(_ context.Context, d domain.RoutingDecision, _ domain.Response, fb *domain.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = d
	if fb != nil {
		m.feedback = append(m.feedback, *fb)
	}
	return nil
}

func (m *memStore) SaveFeedback(_ context.Context, fb domain.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *memStore) LoadDecision(_ context.Context, id string) (domain.RoutingDecision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	return d, ok, nil
}

func (m *memStore) ConflictCount() int64 { return 0 }

// scriptedCaller succeeds only for the arms in ok.
type scriptedCaller struct {
	ok    map[string]bool
	calls []string
}

func (c *scriptedCaller) Call(_ context.Context, armID string, _ domain.Query) (string, int, float64, error) {
	c.calls = append(c.calls, armID)
	if !c.ok[armID] {
		return "", 0, 0, errors.New("provider down")
	}
	return "answer", 40, 0.002, nil
}

const testDim = features.EmbeddingDim + 3

func newTestService(t *testing.T, caller executor.LLMCaller, st *memStore) (*Service, *hybrid.Router) {
	t.Helper()
	reg, err := registry.New([]domain.Arm{
		{ID: "p1:alpha", Provider: "p1", Model: "alpha", CostPerInputToken: 1e-6, CostPerOutputTok: 2e-6, ExpectedQuality: 0.9},
		{ID: "p2:beta", Provider: "p2", Model: "beta", CostPerInputToken: 1e-6, CostPerOutputTok: 2e-6, ExpectedQuality: 0.85},
		{ID: "p3:gamma", Provider: "p3", Model: "gamma", CostPerInputToken: 1e-6, CostPerOutputTok: 2e-6, ExpectedQuality: 0.8},
	})
	require.NoError(t, err)

	router := hybrid.New(bandit.NewLinUCB(testDim, 1.0, 1.0), hybrid.DefaultConfig())
	engine := routing.New(reg, router, routing.WithMaxFallbacks(3))
	analyzer := features.NewAnalyzer(features.NewHashEmbedder("test", features.EmbeddingDim), time.Minute, 100)
	t.Cleanup(analyzer.Close)

	svc := New(analyzer, engine, router, caller, st, bandit.RewardWeights{Quality: 0.5, Cost: 0.3, Latency: 0.2},
		WithExecutorConfig(executor.Config{PerArmTimeout: time.Second}))
	return svc, router
}

func TestCompleteHappyPath(t *testing.T) {
	st := newMemStore()
	caller := &scriptedCaller{ok: map[string]bool{"p1:alpha": true, "p2:beta": true, "p3:gamma": true}}
	svc, router := newTestService(t, caller, st)

	result, err := svc.Complete(context.Background(), "hello there", "user-1", domain.QueryConstraints{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.NotEmpty(t, result.DecisionID)
	assert.False(t, result.FellBack)
	assert.Equal(t, "answer", result.Text)
	assert.NotEmpty(t, result.Reasoning)

	// One query row, one interaction, one policy update, state persisted.
	assert.Len(t, st.queries, 1)
	assert.Len(t, st.decisions, 1)
	assert.NotEmpty(t, st.bandit)
	assert.NotEmpty(t, st.hybrid)

	var pulls int64
	for _, s := range router.Phase1().Stats() {
		pulls += s.Pulls
	}
	assert.Equal(t, int64(1), pulls)
}

// TestCompleteFallbackAttribution: with k failed arms and one success,
// exactly k+1 policy updates land — zero reward for every failure, a
// positive reward for the arm that served.
func TestCompleteFallbackAttribution(t *testing.T) {
	st := newMemStore()
	// Only the lexicographically last arm works, so the cold-start primary
	// and the first fallback both fail.
	caller := &scriptedCaller{ok: map[string]bool{"p3:gamma": true}}
	svc, router := newTestService(t, caller, st)

	result, err := svc.Complete(context.Background(), "route me", "", domain.QueryConstraints{})
	require.NoError(t, err)

	assert.True(t, result.FellBack)
	assert.Equal(t, "p3:gamma", result.Arm)
	require.Len(t, caller.calls, 3)

	stats := router.Phase1().Stats()
	var totalPulls int64
	for _, s := range stats {
		totalPulls += s.Pulls
	}
	assert.Equal(t, int64(3), totalPulls, "k failures + 1 success = k+1 updates")
	for _, armID := range caller.calls[:2] {
		assert.Zero(t, stats[armID].MeanReward, "failed arm %s must be penalized with zero reward", armID)
		assert.Equal(t, int64(1), stats[armID].Pulls)
	}
	assert.Greater(t, stats["p3:gamma"].MeanReward, 0.0)
}

func TestCompleteAllArmsFailed(t *testing.T) {
	st := newMemStore()
	caller := &scriptedCaller{ok: map[string]bool{}}
	svc, router := newTestService(t, caller, st)

	_, err := svc.Complete(context.Background(), "doomed", "", domain.QueryConstraints{})
	require.Error(t, err)
	var ce *conduiterr.ConduitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, conduiterr.CodeAllModelsFailed, ce.Code)

	// Every attempted arm is penalized.
	var pulls int64
	for _, s := range router.Phase1().Stats() {
		pulls += s.Pulls
		assert.Zero(t, s.MeanReward)
	}
	assert.Equal(t, int64(3), pulls)
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	st := newMemStore()
	svc, _ := newTestService(t, &scriptedCaller{}, st)
	_, err := svc.Complete(context.Background(), "   ", "", domain.QueryConstraints{})
	require.Error(t, err)
	var ce *conduiterr.ConduitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, conduiterr.CodeValidationError, ce.Code)
}

func TestRecordFeedbackAttributesToDecision(t *testing.T) {
	st := newMemStore()
	caller := &scriptedCaller{ok: map[string]bool{"p1:alpha": true, "p2:beta": true, "p3:gamma": true}}
	svc, router := newTestService(t, caller, st)

	result, err := svc.Complete(context.Background(), "question", "", domain.QueryConstraints{})
	require.NoError(t, err)

	before := int64(0)
	for _, s := range router.Phase1().Stats() {
		before += s.Pulls
	}

	err = svc.RecordFeedback(context.Background(), result.DecisionID, result.Arm, domain.Feedback{
		ResponseID: result.ID, QualityScore: 0.9,
	})
	require.NoError(t, err)

	after := int64(0)
	for _, s := range router.Phase1().Stats() {
		after += s.Pulls
	}
	assert.Equal(t, before+1, after)
	assert.Len(t, st.feedback, 1)
}

func TestRecordFeedbackUnknownDecision(t *testing.T) {
	st := newMemStore()
	svc, _ := newTestService(t, &scriptedCaller{}, st)
	err := svc.RecordFeedback(context.Background(), "nope", "", domain.Feedback{QualityScore: 0.5})
	require.Error(t, err)
	var ce *conduiterr.ConduitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, conduiterr.CodeValidationError, ce.Code)
}

func TestRestoreStateRoundTrip(t *testing.T) {
	st := newMemStore()
	caller := &scriptedCaller{ok: map[string]bool{"p1:alpha": true, "p2:beta": true, "p3:gamma": true}}
	svc, _ := newTestService(t, caller, st)

	_, err := svc.Complete(context.Background(), "persist me", "", domain.QueryConstraints{})
	require.NoError(t, err)

	// A second service over the same store resumes from the persisted state.
	svc2, router2 := newTestService(t, caller, st)
	require.NoError(t, svc2.RestoreState(context.Background()))
	var pulls int64
	for _, s := range router2.Phase1().Stats() {
		pulls += s.Pulls
	}
	assert.Equal(t, int64(1), pulls)
}
