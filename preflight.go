package roled

import (
	"context"
	"time"

	"github.com/ycluster/roled/coord"
)

// Preflight gates the election loop on store reachability: bounded
// attempts with a fixed delay, returning as soon as any endpoint answers.
// Exhausting the budget is a warning, not a failure — the node's own
// services (and recovery of the store's peers) may depend on this process
// converging, so it must never deadlock waiting for the store. Reports
// whether the store answered.
func Preflight(ctx context.Context, store coord.Store, attempts int, delay, callTimeout time.Duration, logger Logger) bool {
	if logger == nil {
		logger = NopLogger()
	}
	for i := 1; i <= attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := store.Ping(callCtx)
		cancel()
		if err == nil {
			logger.Info("coordination store reachable",
				Field{Key: "attempt", Value: i})
			return true
		}
		logger.Debug("coordination store not reachable",
			Field{Key: "attempt", Value: i},
			Field{Key: "err", Value: err})

		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	logger.Warn("coordination store unreachable after all attempts, proceeding anyway",
		Field{Key: "attempts", Value: attempts})
	return false
}
