package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for idle sessions.
const DefaultSweepInterval = 5 * time.Minute

// ExpiredCallback is called once for every session the sweeper expires.
type ExpiredCallback func(sessionID string)

// Sweeper is the subset of Manager the background worker needs.
type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

// StartSweeper runs a background goroutine that periodically expires idle
// sessions until ctx is cancelled.
func StartSweeper(ctx context.Context, s Sweeper, interval time.Duration, onExpired ExpiredCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, s, onExpired)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, s Sweeper, onExpired ExpiredCallback) {
	expired, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("Session sweeper failed", "error", err)
	}
	if onExpired == nil {
		return
	}
	for _, id := range expired {
		onExpired(id)
	}
}
