package bandit

import (
	"context"
	"log/slog"
	"time"
)

// PolicyStore is the subset of internal/store.Store the refresh loop needs,
// kept narrow so this package doesn't have to import the sqlite driver.
type PolicyStore interface {
	LoadBanditState(ctx context.Context, routerID, key string) (payload []byte, version int, found bool, err error)
}

// RefreshConfig configures the periodic posterior-refresh loop.
type RefreshConfig struct {
	Interval time.Duration
}

// DefaultRefreshConfig refreshes every 5 minutes.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{Interval: 5 * time.Minute}
}

// Restorer is the slice of Policy the refresh loop needs. Callers that
// share the policy with live traffic pass a locking wrapper (the hybrid
// router's Phase2Restorer) rather than the bare policy.
type Restorer interface {
	Restore([]byte) error
}

// StartRefreshLoop periodically reloads a policy's posterior from the store
// and restores it, so a second process instance that wrote updates since
// this one last loaded converges onto the newer state. Returns a stop
// function that blocks until the loop has exited.
func StartRefreshLoop(cfg RefreshConfig, routerID, key string, policy Restorer, store PolicyStore, logger *slog.Logger) func() {
	if cfg.Interval <= 0 {
		cfg = DefaultRefreshConfig()
	}
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refreshOne(context.Background(), routerID, key, policy, store, logger)
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func refreshOne(ctx context.Context, routerID, key string, policy Restorer, store PolicyStore, logger *slog.Logger) {
	payload, version, found, err := store.LoadBanditState(ctx, routerID, key)
	if err != nil {
		if logger != nil {
			logger.Warn("bandit: failed to refresh posterior", slog.String("key", key), slog.String("error", err.Error()))
		}
		return
	}
	if !found {
		return
	}
	if err := policy.Restore(payload); err != nil {
		if logger != nil {
			logger.Warn("bandit: failed to restore refreshed posterior", slog.String("key", key), slog.String("error", err.Error()))
		}
		return
	}
	if logger != nil {
		logger.Debug("bandit: refreshed posterior", slog.String("key", key), slog.Int("version", version))
	}
}
