package app

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/executor"
	"github.com/conduitrouter/conduit/internal/facade"
	"github.com/conduitrouter/conduit/internal/features"
	"github.com/conduitrouter/conduit/internal/httpapi"
	"github.com/conduitrouter/conduit/internal/hybrid"
	"github.com/conduitrouter/conduit/internal/llmcall"
	"github.com/conduitrouter/conduit/internal/logging"
	"github.com/conduitrouter/conduit/internal/metrics"
	"github.com/conduitrouter/conduit/internal/ratelimit"
	"github.com/conduitrouter/conduit/internal/registry"
	"github.com/conduitrouter/conduit/internal/routing"
	"github.com/conduitrouter/conduit/internal/store"
)

// embeddingModelID tags the deterministic embedder so swapping embedding
// models invalidates nothing silently (the vector is a pure function of
// model id and text).
const embeddingModelID = "conduit-hash-v1"

// Server is the composition root: it builds the registry, policies, store
// and façade from a validated Config and mounts the HTTP surface.
type Server struct {
	cfg Config

	r *chi.Mux

	logger      *slog.Logger
	service     *facade.Service
	analyzer    *features.Analyzer
	store       store.Store
	rateLimiter *ratelimit.Limiter
	metrics     *metrics.Registry
	stopRefresh func() // nil when the cross-process refresh loop is disabled
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	reg, err := registry.LoadFile(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	logger.Info("model registry loaded",
		slog.Int("arms", reg.Stats().TotalArms),
		slog.String("path", cfg.RegistryPath),
	)

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()

	router := buildRouter(cfg, m)
	analyzer := features.NewAnalyzer(features.NewHashEmbedder(embeddingModelID, features.EmbeddingDim), 10*time.Minute, 10_000)

	engine := routing.New(reg, router,
		routing.WithMaxFallbacks(cfg.MaxFallbacks),
		routing.WithRand(rand.New(rand.NewSource(cfg.RandomSeed))),
		routing.WithLogger(logger),
	)

	caller := llmcall.New(reg, cfg.ProviderURLs, cfg.ProviderKeys)
	svc := facade.New(analyzer, engine, router, caller, db, cfg.RewardWeights(),
		facade.WithExecutorConfig(executor.Config{PerArmTimeout: time.Duration(cfg.PerArmTimeoutSecs) * time.Second}),
		facade.WithPersistEveryK(cfg.PersistEveryK),
		facade.WithLatencyCeiling(cfg.LatencyCeilingMs),
		facade.WithLogger(logger),
	)
	if err := svc.RestoreState(context.Background()); err != nil {
		logger.Warn("failed to restore persisted router state, starting fresh", slog.String("error", err.Error()))
	} else {
		logger.Info("router state restored", slog.String("phase", string(router.Phase())))
	}
	if router.Phase() == domain.PhaseContextual {
		m.PhaseGauge.Set(1)
	}

	// Cross-process convergence: periodically re-adopt the newest persisted
	// phase-2 posterior in case another instance wrote updates since.
	stopRefresh := bandit.StartRefreshLoop(bandit.DefaultRefreshConfig(), "default", "phase2", router.Phase2Restorer(), db, logger)

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Service:     svc,
		Metrics:     m,
		RateLimiter: rl,
		Logger:      logger,
	})

	return &Server{
		cfg:         cfg,
		r:           r,
		logger:      logger,
		service:     svc,
		analyzer:    analyzer,
		store:       db,
		rateLimiter: rl,
		metrics:     m,
		stopRefresh: stopRefresh,
	}, nil
}

// buildRouter maps the configured algorithm onto a hybrid.Router. The
// two-phase hybrid is the full UCB1 -> LinUCB pipeline; every other value
// pins a single policy (contextual ones start directly in phase 2, ucb1
// never leaves phase 1).
func buildRouter(cfg Config, m *metrics.Registry) *hybrid.Router {
	dim := features.EmbeddingDim + 3
	hcfg := hybrid.Config{
		SwitchThreshold: cfg.SwitchThreshold,
		UCB1C:           cfg.UCB1C,
		OnTransition: func(_, to domain.Phase) {
			if to == domain.PhaseContextual {
				m.PhaseGauge.Set(1)
			}
		},
	}
	var phase2 bandit.Policy
	switch cfg.Algorithm {
	case "beta_ts":
		phase2 = bandit.NewBetaThompson(cfg.SuccessThreshold)
		hcfg.StartContextual = true
	case "ucb1":
		// Pure UCB1: stay in phase 1 forever.
		phase2 = bandit.NewLinUCB(dim, cfg.LinUCBAlpha, cfg.LambdaReg)
		hcfg.SwitchThreshold = 1<<62 - 1
	case "linucb":
		phase2 = bandit.NewLinUCB(dim, cfg.LinUCBAlpha, cfg.LambdaReg)
		hcfg.StartContextual = true
	case "ctx_ts":
		phase2 = bandit.NewContextualThompson(dim, cfg.CtxTSSigma, cfg.LambdaReg, cfg.WindowSize)
		hcfg.StartContextual = true
	default: // "hybrid"
		phase2 = bandit.NewLinUCB(dim, cfg.LinUCBAlpha, cfg.LambdaReg)
	}
	return hybrid.New(phase2, hcfg)
}

// Router returns the HTTP handler tree for the main listener.
func (s *Server) Router() *chi.Mux { return s.r }

// Reload applies the subset of configuration that is safe to change at
// runtime: log level and rate limits. Everything else requires a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	s.logger.Info("configuration reloaded",
		slog.String("log_level", cfg.LogLevel),
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
	)
}

// Close stops background loops and releases the store.
func (s *Server) Close() error {
	if s.stopRefresh != nil {
		s.stopRefresh()
	}
	s.rateLimiter.Stop()
	s.analyzer.Close()
	return s.store.Close()
}
