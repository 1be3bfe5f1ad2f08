package cache

import (
	"context"
	"time"

	"github.com/Swind/go-task-stream/core"
)

// Purger is implemented by backends that keep expired entries until they are
// swept: SQLite and MySQL. Redis and Consul need no sweeping.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

var (
	_ Purger = (*SQLiteCache)(nil)
	_ Purger = (*GormCache)(nil)
)

// StartPurger sweeps c every interval until ctx ends or stop is called, when
// c implements Purger. For other backends it starts nothing. stop waits for
// the loop to exit and is safe to call more than once.
func StartPurger(ctx context.Context, c core.Cache, interval time.Duration, logger core.Logger) (stop func()) {
	p, ok := c.(Purger)
	if !ok {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = core.NewNoOpLogger()
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				n, err := p.Purge(pctx)
				switch {
				case err != nil && pctx.Err() == nil:
					logger.Warn("cache purge failed", core.F("error", err))
				case n > 0:
					logger.Info("purged expired cache entries", core.F("count", n))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
