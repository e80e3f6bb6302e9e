package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/always-cache/offline-cache/cache"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the worker.
type State int

const (
	StateNew State = iota
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return "new"
	}
}

// Capability probes an optional platform feature.
// An error means the feature is unavailable.
type Capability func(ctx context.Context) error

// generation is the set of stores of one version.
type generation struct {
	id      string
	static  *cache.Store
	dynamic *cache.Store
	// writes guards retired; writers hold the read lock while writing
	writes  *sync.RWMutex
	retired bool
}

func staticStoreName(id string) string {
	return "static-" + id
}

func dynamicStoreName(id string) string {
	return "dynamic-" + id
}

func (w *Worker) newGeneration(id string) *generation {
	return &generation{
		id:      id,
		static:  cache.NewStore(staticStoreName(id), cache.Policy{}, w.provider, w.clock),
		dynamic: cache.NewStore(dynamicStoreName(id), w.dynamicPolicy, w.provider, w.clock),
		writes:  &sync.RWMutex{},
	}
}

func (g *generation) retire() {
	g.writes.Lock()
	g.retired = true
	g.writes.Unlock()
}

// current returns the active generation, nil before the first activation.
func (w *Worker) current() *generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// State returns the state of the most recent lifecycle transition.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Generation returns the active generation, or the installed one before activation.
func (w *Worker) Generation() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active != nil {
		return w.active.id
	}
	return w.pending
}

// Capabilities returns the outcome of the capability probes of the last activation.
// A nil error means the capability is available.
func (w *Worker) Capabilities() map[string]error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	probes := make(map[string]error, len(w.probes))
	for name, err := range w.probes {
		probes[name] = err
	}
	return probes
}

// Install opens the static and dynamic stores of the generation and seeds the static store.
// Seeding is best-effort: URLs that cannot be fetched are logged and skipped.
func (w *Worker) Install(ctx context.Context, id string, seedURLs []string) error {
	if id == "" {
		return ErrEmptyGeneration
	}
	log := w.log.With().Str("generation", id).Logger()
	log.Info().Int("seeds", len(seedURLs)).Msg("Installing generation")

	g := w.reusableGeneration(id)
	if g == nil {
		g = w.newGeneration(id)
	}
	for _, store := range []*cache.Store{g.static, g.dynamic} {
		if err := store.Open(); err != nil {
			w.report("install", err)
		}
	}

	if len(seedURLs) > 0 {
		if w.fetcher == nil {
			w.report("install", fmt.Errorf("seed %s: %w", id, ErrNoFetcher))
		} else if err := w.seedAll(ctx, g, seedURLs); err != nil {
			log.Warn().Err(err).Msg("Failed to seed static assets, seeding individually")
			w.seedEach(ctx, g, seedURLs)
		}
	}

	w.mu.Lock()
	if old, ok := w.installed[id]; ok && old != g {
		old.retire()
	}
	w.installed[id] = g
	// reinstalling the active generation seeds it in place
	if w.active != g {
		w.pending = id
		w.state = StateInstalled
	}
	w.mu.Unlock()

	log.Info().Msg("Generation installed")
	return nil
}

// reusableGeneration returns the installed generation id if it still accepts writes.
// Its stores are shared with the requests served meanwhile, so there is one
// write lock per store name.
func (w *Worker) reusableGeneration(id string) *generation {
	w.mu.RLock()
	g, ok := w.installed[id]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	g.writes.RLock()
	defer g.writes.RUnlock()
	if g.retired {
		return nil
	}
	return g
}

// seedAll fetches all URLs concurrently and stores them only if every response is ok.
func (w *Worker) seedAll(ctx context.Context, g *generation, urls []string) error {
	keys := make([]string, len(urls))
	payloads := make([]cache.Payload, len(urls))
	eg, egctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		eg.Go(func() error {
			key, payload, err := w.fetchSeed(egctx, u)
			if err != nil {
				return err
			}
			if !payload.OK() {
				return fmt.Errorf("seed %s: status %d", u, payload.Status)
			}
			keys[i], payloads[i] = key, payload
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for i := range urls {
		if !w.save(ctx, g, g.static, keys[i], http.MethodGet, payloads[i]) {
			return fmt.Errorf("seed %s: write failed", urls[i])
		}
	}
	return nil
}

// seedEach fetches and stores the URLs one by one, logging failures.
func (w *Worker) seedEach(ctx context.Context, g *generation, urls []string) {
	for _, u := range urls {
		log := w.log.With().Str("generation", g.id).Str("url", u).Logger()
		key, payload, err := w.fetchSeed(ctx, u)
		if err != nil {
			log.Warn().Err(err).Msg("Could not seed static asset")
			continue
		}
		if !payload.OK() {
			log.Warn().Int("status", payload.Status).Msg("Could not seed static asset")
			continue
		}
		if !w.save(ctx, g, g.static, key, http.MethodGet, payload) {
			log.Warn().Msg("Could not store static asset")
			continue
		}
		log.Trace().Msg("Seeded static asset")
	}
}

func (w *Worker) fetchSeed(ctx context.Context, rawURL string) (string, cache.Payload, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", cache.Payload{}, fmt.Errorf("seed %s: %w", rawURL, err)
	}
	u := w.keyer.Resolve(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", cache.Payload{}, fmt.Errorf("seed %s: %w", rawURL, err)
	}
	payload, err := w.fetch(ctx, w.fetcher, req)
	if err != nil {
		return "", cache.Payload{}, err
	}
	return w.keyer.Key(http.MethodGet, u), payload, nil
}

// Activate routes requests to the installed generation.
// Every store not belonging to the generation is deleted before the switch.
// Capability probes are run and recorded; an unavailable capability never fails activation.
func (w *Worker) Activate(ctx context.Context, id string) error {
	w.mu.RLock()
	g, ok := w.installed[id]
	others := make([]*generation, 0, len(w.installed))
	for _, other := range w.installed {
		if other != g {
			others = append(others, other)
		}
	}
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("activate %s: %w", id, ErrNotInstalled)
	}
	log := w.log.With().Str("generation", id).Logger()
	log.Info().Msg("Activating generation")

	// stop writes into superseded stores, then delete them
	for _, other := range others {
		other.retire()
	}
	keep := []string{g.static.Name(), g.dynamic.Name()}
	names, err := w.provider.Names()
	if err != nil {
		w.report("activate", err)
	}
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		log.Info().Str("store", name).Msg("Deleting stale store")
		if err := w.provider.DeleteAll(name); err != nil {
			w.report("activate", fmt.Errorf("delete store %s: %w", name, err))
		}
	}

	probes := w.probe(ctx)

	w.mu.Lock()
	w.active = g
	w.state = StateActive
	w.pending = ""
	w.probes = probes
	for otherID, other := range w.installed {
		if other != g {
			delete(w.installed, otherID)
		}
	}
	w.mu.Unlock()

	log.Info().Msg("Generation active")
	return nil
}

// probe runs the capability probes. Panicking probes count as unavailable.
func (w *Worker) probe(ctx context.Context) map[string]error {
	probes := make(map[string]error, len(w.capabilities))
	for name, capability := range w.capabilities {
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("probe panic: %v", rec)
				}
			}()
			return capability(ctx)
		}()
		probes[name] = err
		if err != nil {
			w.log.Warn().Err(err).Str("capability", name).Msg("Capability not available")
		} else {
			w.log.Info().Str("capability", name).Msg("Capability available")
		}
	}
	return probes
}

// skipWaiting activates the installed generation, if any.
func (w *Worker) skipWaiting(ctx context.Context) {
	w.mu.RLock()
	pending := w.pending
	w.mu.RUnlock()
	if pending == "" {
		w.log.Debug().Msg("No installed generation waiting for activation")
		return
	}
	if err := w.Activate(ctx, pending); err != nil {
		w.report("skip waiting", err)
	}
}
