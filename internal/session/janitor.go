package session

import (
	"context"
	"time"

	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/metrics"
)

// StartJanitor prunes records older than ttl every interval until ctx is
// cancelled. A zero ttl disables pruning. The returned channel closes when the
// janitor goroutine exits. m may be nil.
func StartJanitor(ctx context.Context, store entanglement.RecordStore, ttl, interval time.Duration, log *logger.Logger, m *metrics.Metrics) <-chan struct{} {
	done := make(chan struct{})
	if ttl <= 0 {
		close(done)
		return done
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	if log == nil {
		log = logger.Nop()
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				PruneOnce(store, now.Add(-ttl), log, m)
			}
		}
	}()
	return done
}

// PruneOnce removes records older than cutoff and reports the result through
// log and m.
func PruneOnce(store entanglement.RecordStore, cutoff time.Time, log *logger.Logger, m *metrics.Metrics) int {
	n, err := store.Prune(cutoff)
	if err != nil {
		log.Warnf("janitor", "prune failed: %v", err)
		if m != nil {
			m.StoreErrors.Add(1)
		}
		return 0
	}
	if n > 0 {
		log.Infof("janitor", "pruned %d session(s) older than %s", n, cutoff.Format(time.RFC3339))
		if m != nil {
			m.RecordsPruned.Add(int64(n))
		}
	}
	return n
}
