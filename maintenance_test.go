package offlinecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillDynamic(t *testing.T, w *Worker, n int) {
	t.Helper()
	g := w.current()
	for i := 0; i < n; i++ {
		entry := cache.Entry{
			Key:      fmt.Sprintf("GET:https://app.example.com/item-%02d", i),
			StoredAt: w.clock.Now(),
			Payload:  cache.Payload{Status: 200, Body: []byte("x")},
		}
		// write around the store to simulate overshooting writers
		require.NoError(t, w.provider.Put(g.dynamic.Name(), entry))
	}
}

func TestMemoryPressurePurge(t *testing.T) {
	w := startTestWorker(t, newTestOrigin(), func(c *Config) {
		c.MemoryProbe = MemoryProbeFunc(func() uint64 { return 60_000_000 })
	})
	fillDynamic(t, w, 20)

	report := w.Maintain(context.Background())
	assert.Equal(t, 6, report.Purged)
	assert.Equal(t, 14, dynamicCount(t, w))

	keys, err := w.current().dynamic.Keys()
	require.NoError(t, err)
	assert.Equal(t, "GET:https://app.example.com/item-06", keys[0])
}

func TestNoPurgeBelowThreshold(t *testing.T) {
	w := startTestWorker(t, newTestOrigin(), func(c *Config) {
		c.MemoryProbe = MemoryProbeFunc(func() uint64 { return 50_000_000 })
	})
	fillDynamic(t, w, 20)

	report := w.Maintain(context.Background())
	assert.Equal(t, MaintenanceReport{}, report)
	assert.Equal(t, 20, dynamicCount(t, w))
}

func TestMaintenanceRestoresBound(t *testing.T) {
	w := startTestWorker(t, newTestOrigin(), func(c *Config) {
		c.MemoryProbe = MemoryProbeFunc(func() uint64 { return 0 })
	})
	fillDynamic(t, w, 58)

	report := w.Maintain(context.Background())
	assert.Equal(t, 13, report.Evicted)
	assert.Equal(t, 45, dynamicCount(t, w))
}

func TestMaintenanceExpiresOldEntries(t *testing.T) {
	clock := newTestClock()
	w := startTestWorker(t, newTestOrigin(), func(c *Config) {
		c.Clock = clock
		c.MaxAge = time.Hour
		c.MemoryProbe = MemoryProbeFunc(func() uint64 { return 0 })
	})
	fillDynamic(t, w, 3)
	clock.Advance(2 * time.Hour)
	serve(w, "GET", "/fresh.json", nil)

	report := w.Maintain(context.Background())
	assert.Equal(t, 3, report.Expired)
	assert.Equal(t, 1, dynamicCount(t, w))
}

func TestMaintainBeforeActivation(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	assert.Equal(t, MaintenanceReport{}, w.Maintain(context.Background()))
}

func TestRunMaintenanceTicks(t *testing.T) {
	purged := make(chan struct{}, 1)
	w := startTestWorker(t, newTestOrigin(), func(c *Config) {
		c.MemoryProbe = MemoryProbeFunc(func() uint64 {
			select {
			case purged <- struct{}{}:
			default:
			}
			return 0
		})
	})
	w.cleanupInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunMaintenance(ctx)
		close(done)
	}()
	select {
	case <-purged:
	case <-time.After(5 * time.Second):
		t.Fatal("Maintenance did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Maintenance loop did not stop")
	}
}

func TestRuntimeMemoryProbe(t *testing.T) {
	assert.Greater(t, RuntimeMemoryProbe{}.CurrentUsage(), uint64(0))
}
