package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/gatekeeper/internal/quality"
)

const maxRetryDelay = 2 * time.Second

// evaluateWithRetry calls ev up to retries+1 times, backing off linearly
// between attempts. It returns the results of the first successful attempt
// and the number of attempts made.
func evaluateWithRetry(ctx context.Context, ev quality.RuleEvaluator, vc quality.Context, retries int, delay time.Duration) ([]quality.ComponentResult, int, error) {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, attempt - 1, lastErr
		}
		results, err := ev.Evaluate(ctx, vc)
		if err == nil {
			return results, attempt, nil
		}
		lastErr = err
		if attempt > retries {
			return nil, attempt, fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		wait := delay * time.Duration(attempt)
		if wait > maxRetryDelay {
			wait = maxRetryDelay
		}
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, attempt, fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		case <-t.C:
		}
	}
	return nil, retries + 1, lastErr
}
