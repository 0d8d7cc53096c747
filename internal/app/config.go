// Package app wires Conduit together: a flat configuration struct loaded
// from environment variables and validated once at startup so a bad value
// refuses to start rather than corrupting routing decisions later, plus
// the composition root that builds the registry, policies, store and
// HTTP surface from it.
package app

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/conduitrouter/conduit/internal/bandit"
	"github.com/conduitrouter/conduit/internal/conduiterr"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	Algorithm       string // beta_ts | ucb1 | linucb | ctx_ts | hybrid
	SwitchThreshold int64  // queries before the hybrid router enters phase 2

	RewardWeightQuality float64
	RewardWeightCost    float64
	RewardWeightLatency float64

	UCB1C       float64 // UCB1 exploration constant, reference sqrt(2)
	LinUCBAlpha float64 // LinUCB exploration multiplier, reference 1.0
	CtxTSSigma  float64 // Contextual TS posterior noise scale, reference 1.0
	LambdaReg   float64 // ridge prior A = lambda*I for contextual policies

	SuccessThreshold float64 // Beta-TS Bernoulli success cutoff, reference 0.7
	WindowSize       int     // contextual Thompson Sampling sliding-window size, 0 = unbounded
	MaxFallbacks     int     // fallback chain length attached to each decision
	PersistEveryK    int     // persist bandit state every K updates rather than every one
	RandomSeed       int64

	PerArmTimeoutSecs int // executor's per-arm LLM call timeout, reference 30
	LatencyCeilingMs  int // reward latency normalization ceiling, reference 10s

	RegistryPath string

	// ProviderURLs maps provider tags to OpenAI-compatible endpoint roots,
	// e.g. "openai=https://api.openai.com,vllm=http://localhost:8000".
	// ProviderKeys carries the matching bearer tokens (may be sparse).
	ProviderURLs map[string]string
	ProviderKeys map[string]string

	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CONDUIT_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("CONDUIT_LOG_LEVEL", "info"),
		DBDSN:      getEnv("CONDUIT_DB_DSN", "file:conduit.sqlite"),

		Algorithm:       getEnv("CONDUIT_ALGORITHM", "ctx_ts"),
		SwitchThreshold: getEnvInt64("CONDUIT_SWITCH_THRESHOLD", 2000),

		RewardWeightQuality: getEnvFloat("CONDUIT_REWARD_WEIGHT_QUALITY", 0.5),
		RewardWeightCost:    getEnvFloat("CONDUIT_REWARD_WEIGHT_COST", 0.3),
		RewardWeightLatency: getEnvFloat("CONDUIT_REWARD_WEIGHT_LATENCY", 0.2),

		UCB1C:       getEnvFloat("CONDUIT_UCB1_C", math.Sqrt2),
		LinUCBAlpha: getEnvFloat("CONDUIT_LINUCB_ALPHA", 1.0),
		CtxTSSigma:  getEnvFloat("CONDUIT_CTX_TS_SIGMA", 1.0),
		LambdaReg:   getEnvFloat("CONDUIT_LAMBDA_REG", 1.0),

		SuccessThreshold: getEnvFloat("CONDUIT_SUCCESS_THRESHOLD", 0.7),
		WindowSize:       getEnvInt("CONDUIT_WINDOW_SIZE", 500),
		MaxFallbacks:     getEnvInt("CONDUIT_MAX_FALLBACKS", 3),
		PersistEveryK:    getEnvInt("CONDUIT_PERSIST_EVERY_K", 1),
		RandomSeed:       getEnvInt64("CONDUIT_RANDOM_SEED", 1),

		PerArmTimeoutSecs: getEnvInt("CONDUIT_PER_ARM_TIMEOUT_SECS", 30),
		LatencyCeilingMs:  getEnvInt("CONDUIT_LATENCY_CEILING_MS", 10_000),

		RegistryPath: getEnv("CONDUIT_REGISTRY_PATH", "registry.toml"),

		ProviderURLs: getEnvStringMap("CONDUIT_PROVIDER_URLS"),
		ProviderKeys: getEnvStringMap("CONDUIT_PROVIDER_KEYS"),

		CORSOrigins:    getEnvStringSlice("CONDUIT_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("CONDUIT_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("CONDUIT_RATE_LIMIT_BURST", 120),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RewardWeights projects the reward-blend fields into bandit.RewardWeights.
func (c Config) RewardWeights() bandit.RewardWeights {
	return bandit.RewardWeights{Quality: c.RewardWeightQuality, Cost: c.RewardWeightCost, Latency: c.RewardWeightLatency}
}

// Validate refuses to start on a configuration that would corrupt routing
// decisions: an unnormalized reward blend, a non-positive switch threshold,
// or a rate limiter that can never admit a request.
func (c Config) Validate() error {
	switch c.Algorithm {
	case "beta_ts", "ucb1", "linucb", "ctx_ts", "hybrid":
	default:
		return conduiterr.NewConfigurationError("CONDUIT_ALGORITHM must be one of beta_ts, ucb1, linucb, ctx_ts, hybrid")
	}
	if err := c.RewardWeights().Validate(); err != nil {
		return err
	}
	if c.SwitchThreshold <= 0 {
		return conduiterr.NewConfigurationError("CONDUIT_SWITCH_THRESHOLD must be > 0")
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return conduiterr.NewConfigurationError("CONDUIT_SUCCESS_THRESHOLD must be in [0,1]")
	}
	if c.WindowSize < 0 {
		return conduiterr.NewConfigurationError("CONDUIT_WINDOW_SIZE must be >= 0")
	}
	if c.MaxFallbacks < 0 {
		return conduiterr.NewConfigurationError("CONDUIT_MAX_FALLBACKS must be >= 0")
	}
	if c.PersistEveryK <= 0 {
		return conduiterr.NewConfigurationError("CONDUIT_PERSIST_EVERY_K must be > 0")
	}
	if c.UCB1C <= 0 || c.LinUCBAlpha <= 0 || c.CtxTSSigma <= 0 || c.LambdaReg <= 0 {
		return conduiterr.NewConfigurationError("bandit hyperparameters must be > 0")
	}
	if c.PerArmTimeoutSecs <= 0 {
		return conduiterr.NewConfigurationError("CONDUIT_PER_ARM_TIMEOUT_SECS must be > 0")
	}
	if c.RateLimitRPS <= 0 {
		return conduiterr.NewConfigurationError("CONDUIT_RATE_LIMIT_RPS must be > 0")
	}
	if c.RateLimitBurst <= 0 {
		return conduiterr.NewConfigurationError("CONDUIT_RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvStringMap parses "k1=v1,k2=v2" into a map; absent or malformed
// entries are skipped.
func getEnvStringMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
