package offlinecache

import (
	"context"
	"runtime"
	"time"
)

// MemoryProbe reports the current memory usage in abstract units.
type MemoryProbe interface {
	CurrentUsage() uint64
}

// MemoryProbeFunc adapts a function to the MemoryProbe interface.
type MemoryProbeFunc func() uint64

func (f MemoryProbeFunc) CurrentUsage() uint64 {
	return f()
}

// RuntimeMemoryProbe reports the bytes of allocated heap objects.
type RuntimeMemoryProbe struct{}

func (RuntimeMemoryProbe) CurrentUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// MaintenanceReport counts the entries removed by a maintenance pass.
type MaintenanceReport struct {
	Expired int
	Evicted int
	Purged  int
}

// Maintain runs one maintenance pass on the dynamic store of the active generation:
// it removes expired entries, brings the store within its bound
// and purges the oldest entries if memory usage is above the threshold.
// Failures are reported and do not stop the pass.
func (w *Worker) Maintain(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport
	g := w.current()
	if g == nil {
		return report
	}
	log := w.log.With().Str("store", g.dynamic.Name()).Logger()
	log.Debug().Msg("Maintenance starting")

	var err error
	if report.Expired, err = g.dynamic.Expire(); err != nil {
		w.report("maintenance expire", err)
	}
	w.metrics.evicted(ctx, g.dynamic.Name(), "expired", report.Expired)

	if report.Evicted, err = g.dynamic.Enforce(); err != nil {
		w.report("maintenance evict", err)
	}
	w.metrics.evicted(ctx, g.dynamic.Name(), "overflow", report.Evicted)

	if usage := w.memoryProbe.CurrentUsage(); usage > w.memoryThreshold {
		log.Info().Uint64("usage", usage).Msg("Memory pressure detected, purging")
		if report.Purged, err = g.dynamic.Purge(w.purgeRatio); err != nil {
			w.report("maintenance purge", err)
		}
		w.metrics.evicted(ctx, g.dynamic.Name(), "pressure", report.Purged)
	}

	log.Debug().
		Int("expired", report.Expired).
		Int("evicted", report.Evicted).
		Int("purged", report.Purged).
		Msg("Maintenance completed")
	return report
}

// RunMaintenance runs a maintenance pass every cleanup interval until ctx is done.
func (w *Worker) RunMaintenance(ctx context.Context) {
	if w.cleanupInterval <= 0 {
		return
	}
	w.log.Info().Msgf("Starting maintenance loop with interval %s", w.cleanupInterval)
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Maintain(ctx)
		}
	}
}
