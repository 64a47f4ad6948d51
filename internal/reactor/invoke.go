package reactor

import (
	"context"
	"math/rand"
	"time"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// HandleWithRetry runs Handle and retries the WHOLE handler on failure
// with jittered backoff. Handlers release their idempotency key on
// failure, so a retry is processed as a fresh delivery.
func (r *Reactor) HandleWithRetry(ctx context.Context, ev domain.BillingEvent, attempts int) (domain.ReactorResult, error) {
	if attempts <= 0 {
		attempts = 3
	}

	var result domain.ReactorResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			logger.Debug("retrying billing event",
				"event_id", ev.ID, "attempt", attempt+1, "wait", wait.String())
			select {
			case <-ctx.Done():
				result.Status = domain.ReactorFailed
				return result, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err = r.Handle(ctx, ev)
		if err == nil {
			return result, nil
		}
		logger.Warn("billing event attempt failed",
			"event_id", ev.ID, "attempt", attempt+1, "error", err.Error())
	}
	return result, err
}

// backoff returns a full-jitter delay: random in (0, 2^attempt seconds],
// floored at 250ms.
func backoff(attempt int) time.Duration {
	ceiling := time.Duration(1<<uint(attempt)) * time.Second
	wait := time.Duration(rand.Int63n(int64(ceiling)))
	if wait < 250*time.Millisecond {
		wait = 250 * time.Millisecond
	}
	return wait
}
