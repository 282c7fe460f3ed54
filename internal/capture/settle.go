package capture

import (
	"context"
	"time"
)

// Settle blocks for d or until ctx is done. The target widget exposes no
// completion events, so fixed delays after DOM mutations are the only
// synchronization available.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
