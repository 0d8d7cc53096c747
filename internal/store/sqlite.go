package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db            *sql.DB
	cas           CASConfig
	conflictCount int64 // atomic
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time; a modest pool keeps read
	// concurrency without starving the single writer. In-memory databases
	// are per-connection, so they must be pinned to a single conn.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db, cas: DefaultCASConfig()}, nil
}

// WithCASConfig overrides the optimistic-lock retry parameters (tests use
// this to shrink delays so conflict-retry scenarios run fast).
func (s *SQLiteStore) WithCASConfig(cfg CASConfig) *SQLiteStore {
	s.cas = cfg
	return s
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bandit_states (
			router_id TEXT NOT NULL,
			key TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (router_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS hybrid_router_states (
			router_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			constraints TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL,
			selected_arm TEXT NOT NULL,
			fallback_chain TEXT NOT NULL DEFAULT '[]',
			phase TEXT NOT NULL,
			confidence REAL NOT NULL,
			features TEXT NOT NULL DEFAULT '{}',
			reasoning TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_query ON routing_decisions(query_id)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL,
			decision_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			fell_back INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_decision ON responses(decision_id)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			response_id TEXT NOT NULL,
			quality_score REAL NOT NULL,
			user_rating INTEGER,
			met_expectations INTEGER,
			comments TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_response ON feedback(response_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return conduiterr.NewDatabaseError("migrate", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ConflictCount() int64 { return atomic.LoadInt64(&s.conflictCount) }

// casWrite is the versioned compare-and-swap write protocol,
// shared by SaveBanditState (keyed by router_id+key) and
// SaveHybridRouterState (keyed by router_id alone). attempt 0 reads the
// current version; on conflict it backs off with jitter and retries, up to
// cas.MaxRetries, then returns a StateVersionConflict.
func (s *SQLiteStore) casWrite(ctx context.Context, key string, read func(context.Context) (int, bool, error), write func(ctx context.Context, newVersion int, expectPresent bool, expectVersion int) (bool, error)) (int, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		version, present, err := read(ctx)
		if err != nil {
			return 0, conduiterr.NewDatabaseError("read current version", err)
		}
		newVersion := version + 1
		if !present {
			newVersion = 1
		}
		ok, err := write(ctx, newVersion, present, version)
		if err != nil {
			return 0, conduiterr.NewDatabaseError("write state", err)
		}
		if ok {
			return newVersion, nil
		}

		atomic.AddInt64(&s.conflictCount, 1)
		if attempt >= s.cas.MaxRetries {
			return 0, conduiterr.NewStateVersionConflictError(key, version)
		}
		delay := s.cas.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > s.cas.MaxDelay {
			delay = s.cas.MaxDelay
		}
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(jittered):
		}
	}
}

func (s *SQLiteStore) SaveBanditState(ctx context.Context, routerID, key string, payload []byte) (int, error) {
	read := func(ctx context.Context) (int, bool, error) {
		var v int
		err := s.db.QueryRowContext(ctx, `SELECT version FROM bandit_states WHERE router_id = ? AND key = ?`, routerID, key).Scan(&v)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}
	write := func(ctx context.Context, newVersion int, present bool, expectVersion int) (bool, error) {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if !present {
			res, err := s.db.ExecContext(ctx,
				`INSERT INTO bandit_states (router_id, key, version, payload, updated_at) VALUES (?, ?, 1, ?, ?)
				 ON CONFLICT(router_id, key) DO NOTHING`, routerID, key, payload, now)
			if err != nil {
				return false, err
			}
			n, _ := res.RowsAffected()
			return n == 1, nil
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE bandit_states SET payload = ?, version = ?, updated_at = ? WHERE router_id = ? AND key = ? AND version = ?`,
			payload, newVersion, now, routerID, key, expectVersion)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}
	return s.casWrite(ctx, routerID+"/"+key, read, write)
}

func (s *SQLiteStore) LoadBanditState(ctx context.Context, routerID, key string) ([]byte, int, bool, error) {
	var payload []byte
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM bandit_states WHERE router_id = ? AND key = ?`, routerID, key).Scan(&payload, &v)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, conduiterr.NewDatabaseError("load bandit state", err)
	}
	return payload, v, true, nil
}

func (s *SQLiteStore) SaveHybridRouterState(ctx context.Context, routerID string, payload []byte) (int, error) {
	read := func(ctx context.Context) (int, bool, error) {
		var v int
		err := s.db.QueryRowContext(ctx, `SELECT version FROM hybrid_router_states WHERE router_id = ?`, routerID).Scan(&v)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}
	write := func(ctx context.Context, newVersion int, present bool, expectVersion int) (bool, error) {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if !present {
			res, err := s.db.ExecContext(ctx,
				`INSERT INTO hybrid_router_states (router_id, version, payload, updated_at) VALUES (?, 1, ?, ?)
				 ON CONFLICT(router_id) DO NOTHING`, routerID, payload, now)
			if err != nil {
				return false, err
			}
			n, _ := res.RowsAffected()
			return n == 1, nil
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE hybrid_router_states SET payload = ?, version = ?, updated_at = ? WHERE router_id = ? AND version = ?`,
			payload, newVersion, now, routerID, expectVersion)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}
	return s.casWrite(ctx, routerID, read, write)
}

func (s *SQLiteStore) LoadHybridRouterState(ctx context.Context, routerID string) ([]byte, int, bool, error) {
	var payload []byte
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM hybrid_router_states WHERE router_id = ?`, routerID).Scan(&payload, &v)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, conduiterr.NewDatabaseError("load hybrid router state", err)
	}
	return payload, v, true, nil
}

func (s *SQLiteStore) SaveQuery(ctx context.Context, q domain.Query) error {
	cj, err := json.Marshal(q.Constraints)
	if err != nil {
		return conduiterr.NewDatabaseError("marshal constraints", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queries (id, text, user_id, constraints, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.Text, q.UserID, string(cj), q.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return conduiterr.NewDatabaseError("save query", err)
	}
	return nil
}

// SaveInteraction writes the decision+response+feedback triple in one
// transaction: rollback of any part rolls back all.
func (s *SQLiteStore) SaveInteraction(ctx context.Context, decision domain.RoutingDecision, response domain.Response, feedback *domain.Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conduiterr.NewDatabaseError("begin interaction tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	chainJSON, err := json.Marshal(decision.FallbackChain)
	if err != nil {
		return conduiterr.NewDatabaseError("marshal fallback chain", err)
	}
	featuresJSON, err := json.Marshal(decision.Features)
	if err != nil {
		return conduiterr.NewDatabaseError("marshal features", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, query_id, selected_arm, fallback_chain, phase, confidence, features, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.QueryID, decision.SelectedArm, string(chainJSON), string(decision.Phase),
		decision.Confidence, string(featuresJSON), decision.Reasoning, decision.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return conduiterr.NewDatabaseError("save routing decision", err)
	}

	fellBack := 0
	if response.FellBack {
		fellBack = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO responses (id, query_id, decision_id, arm_id, text, cost_usd, latency_ms, tokens, fell_back, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		response.ID, response.QueryID, decision.ID, response.ArmID, response.Text, response.CostUSD,
		response.LatencyMs, response.Tokens, fellBack, response.Attempts, response.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return conduiterr.NewDatabaseError("save response", err)
	}

	if feedback != nil {
		var userRating sql.NullInt64
		if feedback.UserRating != nil {
			userRating = sql.NullInt64{Int64: int64(*feedback.UserRating), Valid: true}
		}
		var metExpectations sql.NullInt64
		if feedback.MetExpectations != nil {
			v := int64(0)
			if *feedback.MetExpectations {
				v = 1
			}
			metExpectations = sql.NullInt64{Int64: v, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feedback (id, response_id, quality_score, user_rating, met_expectations, comments, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			feedback.ID, feedback.ResponseID, feedback.QualityScore, userRating, metExpectations,
			feedback.Comments, feedback.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return conduiterr.NewDatabaseError("save feedback", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return conduiterr.NewDatabaseError("commit interaction tx", err)
	}
	return nil
}

func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb domain.Feedback) error {
	var userRating sql.NullInt64
	if fb.UserRating != nil {
		userRating = sql.NullInt64{Int64: int64(*fb.UserRating), Valid: true}
	}
	var metExpectations sql.NullInt64
	if fb.MetExpectations != nil {
		v := int64(0)
		if *fb.MetExpectations {
			v = 1
		}
		metExpectations = sql.NullInt64{Int64: v, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, response_id, quality_score, user_rating, met_expectations, comments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.ResponseID, fb.QualityScore, userRating, metExpectations,
		fb.Comments, fb.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return conduiterr.NewDatabaseError("save feedback", err)
	}
	return nil
}

func (s *SQLiteStore) LoadDecision(ctx context.Context, id string) (domain.RoutingDecision, bool, error) {
	var d domain.RoutingDecision
	var chainJSON, featuresJSON, phase, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query_id, selected_arm, fallback_chain, phase, confidence, features, reasoning, created_at
		 FROM routing_decisions WHERE id = ?`, id).
		Scan(&d.ID, &d.QueryID, &d.SelectedArm, &chainJSON, &phase, &d.Confidence, &featuresJSON, &d.Reasoning, &createdAt)
	if err == sql.ErrNoRows {
		return domain.RoutingDecision{}, false, nil
	}
	if err != nil {
		return domain.RoutingDecision{}, false, conduiterr.NewDatabaseError("load decision", err)
	}
	if err := json.Unmarshal([]byte(chainJSON), &d.FallbackChain); err != nil {
		return domain.RoutingDecision{}, false, conduiterr.NewDatabaseError("parse fallback chain", err)
	}
	if err := json.Unmarshal([]byte(featuresJSON), &d.Features); err != nil {
		return domain.RoutingDecision{}, false, conduiterr.NewDatabaseError("parse features", err)
	}
	d.Phase = domain.Phase(phase)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		d.CreatedAt = t
	}
	return d, true, nil
}
