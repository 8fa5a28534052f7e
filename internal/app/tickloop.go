// Package app wires application components and startup helpers.
package app

import (
	"context"
	"log/slog"
	"time"
)

// TickLoop runs fn once immediately and then once per interval until
// ctx is cancelled. Both the Submission Worker and the Retrieval
// Worker are built on this shape: a ticker-driven cooperative loop
// that completes its current tick before observing cancellation.
func TickLoop(ctx context.Context, interval time.Duration, label string, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("tick loop stopping", slog.String("loop", label))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
