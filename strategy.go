package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	requestclass "github.com/always-cache/offline-cache/pkg/request-class"
	"github.com/always-cache/offline-cache/rfc9211"
)

// result is the response chosen by a strategy.
type result struct {
	payload cache.Payload
	status  rfc9211.CacheStatus
}

// strategy serves one request class.
// Strategies never fail: network and storage errors end in a fallback response.
type strategy func(w *Worker, ctx context.Context, c *call) result

var strategies = map[requestclass.Class]strategy{
	requestclass.StaticAsset:        (*Worker).cacheFirst,
	requestclass.APICall:            (*Worker).networkFirstWithTimeout,
	requestclass.NavigationDocument: (*Worker).networkWithOfflineDocument,
	requestclass.DynamicResource:    (*Worker).networkFirst,
}

// cacheFirst serves static assets from the static store and refreshes hits in the background.
func (w *Worker) cacheFirst(ctx context.Context, c *call) result {
	var cs rfc9211.CacheStatus
	if entry, ok := w.lookup(c.gen.static, c.key); ok {
		c.log.Trace().Msg("Static cache hit")
		cs.Hit()
		w.refreshInBackground(c)
		return result{payload: entry.Payload, status: cs}
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	payload, err := w.fetch(ctx, c.fetcher, c.r)
	if err != nil {
		c.log.Warn().Err(err).Msg("Static asset not available")
		cs.Detail = "offline"
		return result{payload: unavailable(messageStaticOffline), status: cs}
	}
	cs.Stored = w.save(ctx, c.gen, c.gen.static, c.key, c.r.Method, payload)
	return result{payload: payload, status: cs}
}

// refreshInBackground re-fetches a static asset and overwrites the entry if the response is ok.
// Refreshes of the same entry running at the same time are collapsed into one.
func (w *Worker) refreshInBackground(c *call) {
	if !storableMethod(c.r.Method) {
		return
	}
	header := c.r.Header.Clone()
	// the stored entry is replaced, so do not ask for a 304
	header.Del("If-None-Match")
	header.Del("If-Modified-Since")
	w.goSafe("refresh", func(ctx context.Context) {
		_, err, _ := w.refreshes.Do(c.gen.static.Name()+" "+c.key, func() (any, error) {
			req, err := w.keyer.RequestFromKey(c.key)
			if err != nil {
				return nil, err
			}
			req = req.WithContext(ctx)
			copyRequestHeader(req.Header, header)
			payload, err := w.fetch(ctx, c.fetcher, req)
			if err != nil {
				return nil, err
			}
			if w.save(ctx, c.gen, c.gen.static, c.key, req.Method, payload) {
				c.log.Trace().Msg("Static cache entry refreshed")
			}
			return nil, nil
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("Background refresh failed")
		}
	})
}

// networkFirstWithTimeout is networkFirst with the fetch bounded by the API timeout.
func (w *Worker) networkFirstWithTimeout(ctx context.Context, c *call) result {
	ctx, cancel := context.WithTimeout(ctx, w.apiTimeout)
	defer cancel()
	return w.networkThenCache(ctx, c, messageAPIOffline)
}

func (w *Worker) networkFirst(ctx context.Context, c *call) result {
	return w.networkThenCache(ctx, c, messageDynamicOffline)
}

// networkThenCache fetches from the network, storing ok responses in the dynamic store.
// If the network fails the dynamic store is used.
func (w *Worker) networkThenCache(ctx context.Context, c *call, offlineMessage string) result {
	var cs rfc9211.CacheStatus
	if storableMethod(c.r.Method) {
		cs.Forward(rfc9211.FwdReasonRequest)
	} else {
		cs.Forward(rfc9211.FwdReasonMethod)
	}

	payload, err := w.fetch(ctx, c.fetcher, c.r)
	if err == nil {
		cs.Stored = w.save(ctx, c.gen, c.gen.dynamic, c.key, c.r.Method, payload)
		return result{payload: payload, status: cs}
	}

	c.log.Warn().Err(err).Msg("Network request failed, trying cache")
	if storableMethod(c.r.Method) {
		if entry, ok := w.lookup(c.gen.dynamic, c.key); ok {
			cs.Hit()
			cs.Detail = "offline"
			return result{payload: entry.Payload, status: cs}
		}
		cs.Forward(rfc9211.FwdReasonUriMiss)
	}
	cs.Detail = "offline"
	return result{payload: unavailable(offlineMessage), status: cs}
}

// networkWithOfflineDocument fetches navigations from the network.
// If the network fails a cached root document or the offline page is served.
func (w *Worker) networkWithOfflineDocument(ctx context.Context, c *call) result {
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonRequest)
	payload, err := w.fetch(ctx, c.fetcher, c.r)
	if err == nil {
		return result{payload: payload, status: cs}
	}

	c.log.Warn().Err(err).Msg("Navigation failed, serving cached root document")
	cs.Detail = "offline"
	for _, doc := range w.rootDocuments {
		key, err := w.keyer.KeyForString(doc)
		if err != nil {
			w.report("root document", err)
			continue
		}
		if entry, ok := w.lookup(c.gen.static, key); ok {
			cs.Hit()
			return result{payload: entry.Payload, status: cs}
		}
	}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	return result{payload: offlineDocument(w.offlinePage), status: cs}
}

// fetch runs the fetcher and records its duration.
func (w *Worker) fetch(ctx context.Context, fetcher Fetcher, r *http.Request) (cache.Payload, error) {
	start := time.Now()
	payload, err := fetcher.Fetch(ctx, r)
	w.metrics.fetched(ctx, time.Since(start), err)
	return payload, err
}

// lookup reads an entry. Read errors are reported and treated as a miss.
func (w *Worker) lookup(store *cache.Store, key string) (cache.Entry, bool) {
	entry, ok, err := store.Get(key)
	if err != nil {
		w.report("cache read", err)
		return cache.Entry{}, false
	}
	return entry, ok
}

// save writes an ok response of a retrieval request to the store.
// Write errors are reported and the write is dropped.
// It returns whether the payload was stored.
func (w *Worker) save(ctx context.Context, gen *generation, store *cache.Store, key, method string, payload cache.Payload) bool {
	if !payload.OK() || !storableMethod(method) {
		return false
	}
	// no writes into the stores of a retired generation
	gen.writes.RLock()
	defer gen.writes.RUnlock()
	if gen.retired {
		return false
	}
	evicted, err := store.Put(key, payload)
	w.metrics.evicted(ctx, store.Name(), "overflow", evicted)
	if err != nil {
		w.report("cache write", err)
		return false
	}
	w.log.Trace().Str("key", key).Str("store", store.Name()).Int("evicted", evicted).Msg("Cache write")
	return true
}

// storableMethod reports whether responses to the method are cached.
func storableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func outcome(res result) string {
	switch {
	case res.status.Status == rfc9211.StatusHit:
		return "hit"
	case res.status.Detail == "offline":
		return "offline"
	default:
		return "network"
	}
}
