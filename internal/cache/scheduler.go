package cache

import (
	"context"
	"time"

	"github.com/bassista/gitrecords/internal/logger"
)

// StartJanitor runs a goroutine that periodically sweeps expired entries out of store.
// Expired entries are already invisible to Get; sweeping only reclaims space.
// Returns a channel that is closed when the janitor has stopped.
func StartJanitor(ctx context.Context, store Purger, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	logger.WithComponent("janitor").Debugf("starting cache janitor with interval: %v", interval)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.WithComponent("janitor").Info("cache janitor stopped")
				return
			case <-ticker.C:
				purge(ctx, store)
			}
		}
	}()
	return done
}

func purge(ctx context.Context, store Purger) {
	if err := ctx.Err(); err != nil {
		return
	}
	removed, err := store.PurgeExpired(ctx)
	if err != nil {
		logger.WithComponent("janitor").Errorf("purge error: %v", err)
		return
	}
	if removed > 0 {
		logger.WithComponent("janitor").Debugf("purged %d expired cache entries", removed)
	}
}
