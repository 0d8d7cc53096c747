// Package store is the durable state store: versioned optimistic-lock
// persistence for bandit posteriors and the hybrid router's phase state,
// plus the append-only query/decision/response/feedback audit trail.
package store

import (
	"context"
	"time"

	"github.com/conduitrouter/conduit/internal/domain"
)

// Store is the persistence interface the façade and the bandit refresh loop
// depend on. SQLiteStore is the only implementation; the interface exists so
// tests can substitute a fake without touching modernc.org/sqlite.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// SaveBanditState writes a policy's serialized posterior under the
	// versioned CAS write protocol, keyed by (routerID, key) — key is
	// typically the policy's phase or algorithm name. It returns the new
	// version on success or *conduiterr.ConduitError with
	// CodeStateVersionConflict once the retry budget is exhausted.
	SaveBanditState(ctx context.Context, routerID, key string, payload []byte) (version int, err error)
	// LoadBanditState returns the current payload and version, or
	// found=false if nothing has been saved yet for (routerID, key).
	LoadBanditState(ctx context.Context, routerID, key string) (payload []byte, version int, found bool, err error)

	// SaveHybridRouterState is the single-row analogue of SaveBanditState
	// for the hybrid router's own phase/query-count state, keyed only by
	// routerID.
	SaveHybridRouterState(ctx context.Context, routerID string, payload []byte) (version int, err error)
	LoadHybridRouterState(ctx context.Context, routerID string) (payload []byte, version int, found bool, err error)

	// SaveQuery appends one Query row. Single-row insert, auto-commits.
	SaveQuery(ctx context.Context, q domain.Query) error

	// SaveInteraction writes (decision, response, feedback) in one
	// transaction: rollback of any part rolls back all. feedback may be
	// nil when no feedback has been collected yet.
	SaveInteraction(ctx context.Context, decision domain.RoutingDecision, response domain.Response, feedback *domain.Feedback) error

	// SaveFeedback appends one late-arriving Feedback row (auto-commits).
	SaveFeedback(ctx context.Context, fb domain.Feedback) error

	// LoadDecision returns a persisted RoutingDecision (with its features
	// snapshot) so late feedback can be attributed to the arm and phase
	// recorded at decision time.
	LoadDecision(ctx context.Context, id string) (domain.RoutingDecision, bool, error)

	// ConflictCount is the total number of optimistic-lock conflicts
	// observed across every SaveBanditState/SaveHybridRouterState call,
	// readable lock-free.
	ConflictCount() int64
}

// CASConfig holds the optimistic-lock retry parameters.
type CASConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultCASConfig returns the production retry constants.
func DefaultCASConfig() CASConfig {
	return CASConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxRetries: 5}
}
