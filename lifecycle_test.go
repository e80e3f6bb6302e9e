package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallSeedsAllAssets(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	seeds := []string{"/", "/index.html", "/manifest.json", "https://fonts.example.com/css2?family=Inter"}

	require.NoError(t, w.Install(context.Background(), "v1", seeds))
	assert.Equal(t, StateInstalled, w.State())
	require.NoError(t, w.Activate(context.Background(), "v1"))

	status, err := w.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, status.Static)
	assert.Equal(t, 0, status.Dynamic)
}

func TestInstallWithFailingSeed(t *testing.T) {
	origin := newTestOrigin()
	origin.fail["/b.js"] = true
	w := newTestWorker(t, origin)
	seeds := []string{"/a.js", "/b.js", "/c.js", "/d.js"}

	require.NoError(t, w.Install(context.Background(), "v1", seeds))
	require.NoError(t, w.Activate(context.Background(), "v1"))
	assert.Equal(t, StateActive, w.State())

	keys, err := w.current().static.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"GET:https://app.example.com/a.js",
		"GET:https://app.example.com/c.js",
		"GET:https://app.example.com/d.js",
	}, keys)
}

func TestInstallSkipsNotOkSeed(t *testing.T) {
	origin := newTestOrigin()
	origin.status["/gone.js"] = http.StatusNotFound
	w := newTestWorker(t, origin)

	require.NoError(t, w.Install(context.Background(), "v1", []string{"/gone.js", "/app.js"}))
	require.NoError(t, w.Activate(context.Background(), "v1"))
	n, err := w.current().static.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInstallEmptyGeneration(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	assert.ErrorIs(t, w.Install(context.Background(), "", nil), ErrEmptyGeneration)
}

func TestActivateRequiresInstall(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	assert.ErrorIs(t, w.Activate(context.Background(), "v2"), ErrNotInstalled)
	assert.Equal(t, StateNew, w.State())
}

func TestActivateDeletesStaleStores(t *testing.T) {
	provider := cache.NewMemProvider()
	for _, name := range []string{"static-v0", "dynamic-v0", "unrelated"} {
		require.NoError(t, provider.Open(name))
	}
	w := newTestWorker(t, newTestOrigin(), func(c *Config) { c.Provider = provider })

	require.NoError(t, w.Start(context.Background()))
	names, err := provider.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v1", "dynamic-v1"}, names)
	assert.Equal(t, "v1", w.Generation())
}

func TestGenerationSwitch(t *testing.T) {
	origin := newTestOrigin()
	w := startTestWorker(t, origin)
	serve(w, "GET", "/data.json", nil)
	old := w.current()

	require.NoError(t, w.Install(context.Background(), "v2", []string{"/app.js"}))
	// requests are still served by v1 until activation
	assert.Equal(t, "v1", w.current().id)
	require.NoError(t, w.Activate(context.Background(), "v2"))

	assert.Equal(t, "v2", w.Generation())
	names, err := w.provider.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v2", "dynamic-v2"}, names)

	// late writes into the retired generation are dropped
	assert.False(t, w.save(context.Background(), old, old.dynamic, "GET:https://app.example.com/late", http.MethodGet, cache.Payload{Status: 200}))
	names, err = w.provider.Names()
	require.NoError(t, err)
	assert.NotContains(t, names, "dynamic-v1")
}

func TestActivateToleratesUnavailableCapabilities(t *testing.T) {
	unavailable := errors.New("not supported")
	w := newTestWorker(t, newTestOrigin(), func(c *Config) {
		c.Capabilities = map[string]Capability{
			"navigation-preload": func(ctx context.Context) error { return nil },
			"background-sync":    func(ctx context.Context) error { return unavailable },
			"periodic-sync":      func(ctx context.Context) error { panic("no registration") },
		}
	})

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StateActive, w.State())
	probes := w.Capabilities()
	assert.NoError(t, probes["navigation-preload"])
	assert.ErrorIs(t, probes["background-sync"], unavailable)
	assert.Error(t, probes["periodic-sync"])
}

func TestSkipWaitingActivatesInstalledGeneration(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	require.NoError(t, w.Install(context.Background(), "v3", nil))

	w.Control(context.Background(), ControlMessage{Type: SkipWaiting})
	assert.Equal(t, StateActive, w.State())
	assert.Equal(t, "v3", w.Generation())
}

func TestReinstallActiveGenerationKeepsStores(t *testing.T) {
	origin := newTestOrigin()
	w := startTestWorker(t, origin, func(c *Config) { c.StaticAssets = []string{"/app.js"} })
	serve(w, "GET", "/data.json", nil)
	before := w.current()

	origin.set("/app.js", "v2")
	require.NoError(t, w.Install(context.Background(), "v1", []string{"/app.js", "/style.css"}))

	// requests and seeding write through the same stores
	assert.Same(t, before, w.current())
	assert.Same(t, before.static, w.current().static)
	assert.Equal(t, StateActive, w.State())

	entry, ok := staticEntry(t, w, "/app.js")
	require.True(t, ok)
	assert.Equal(t, "v2", string(entry.Payload.Body))
	_, ok = staticEntry(t, w, "/style.css")
	assert.True(t, ok)
	assert.Equal(t, 1, dynamicCount(t, w))
}
