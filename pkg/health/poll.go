package health

import (
	"context"
	"fmt"
	"time"
)

// PollUntilReady polls checker every interval until it reports healthy
// or ctx is done. Returns an error wrapping ctx.Err() on timeout.
func PollUntilReady(ctx context.Context, checker Checker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result := checker.Check(ctx)
		if result.Healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness probe timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
