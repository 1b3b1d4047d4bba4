package main

import (
	"context"
	"log/slog"
	"time"

	"cosmic/server/internal/core"
	"cosmic/server/internal/metrics"
)

// RunMetrics logs registry stats every interval until ctx is canceled and
// resyncs the room and participant gauges with the registry.
func RunMetrics(ctx context.Context, registry *core.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms, participants := registry.Stats()
			metrics.Rooms.Set(float64(rooms))
			metrics.Participants.Set(float64(participants))
			if rooms > 0 {
				slog.Info("stats", "rooms", rooms, "participants", participants)
			}
		}
	}
}
