package events

import (
	"context"
	"errors"
	"time"

	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/metrics"
	"github.com/VladPil/llm-gateway/statestore"
)

// GPUTicker periodically publishes gpu_stats to the bus and caches the
// latest snapshot in the store. Ticks are skipped while nobody listens or
// the GPU is unreachable.
type GPUTicker struct {
	bus      *Bus
	monitor  *gpu.Monitor
	store    *statestore.Store
	interval time.Duration
}

// NewGPUTicker creates the telemetry ticker. store may be nil to skip
// caching.
func NewGPUTicker(bus *Bus, monitor *gpu.Monitor, store *statestore.Store, interval time.Duration) *GPUTicker {
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &GPUTicker{bus: bus, monitor: monitor, store: store, interval: interval}
}

// Run blocks until ctx is cancelled.
func (t *GPUTicker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *GPUTicker) tick(ctx context.Context) {
	if t.monitor == nil || t.bus.SubscriberCount() == 0 {
		return
	}

	info, err := t.monitor.Info(ctx)
	if err != nil {
		if !errors.Is(err, gpu.ErrGPUUnavailable) {
			logger.Warn("gpu telemetry tick failed", "error", err)
		}
		return
	}

	metrics.SetGPUVRAMUsed(info.VRAM.UsedMB)
	t.bus.Publish(TypeGPUStats, "", info)

	if t.store != nil {
		if err := t.store.CacheGPUStats(ctx, info); err != nil {
			logger.Warn("failed to cache gpu stats", "error", err)
		}
	}
}
