package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StartRecoveryWorker runs a background goroutine that periodically retries
// delivery of interrupted sessions. It stops when ctx is cancelled.
func StartRecoveryWorker(ctx context.Context, r *Recoverer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Recovery worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepInterrupted(ctx, r)
			case <-ctx.Done():
				slog.Info("Recovery worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepInterrupted(ctx context.Context, r *Recoverer) {
	pending, err := r.Pending(ctx)
	if err != nil {
		slog.Error("Recovery worker failed to list interrupted sessions", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	slog.Info("Recovery worker found interrupted sessions", "count", len(pending))

	recovered := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Recover(ctx, p.SessionID); err != nil {
			if errors.Is(err, ErrRecoveryInProgress) || errors.Is(err, ErrSessionLive) {
				continue
			}
			slog.Warn("Recovery worker failed to recover session",
				"error", err,
				"session_id", p.SessionID)
			continue
		}
		recovered++
	}

	slog.Info("Recovery worker sweep completed", "recovered", recovered, "pending", len(pending))
}
