// Package offlinecache implements an offline-first caching worker.
//
// The worker sits between a client application and its origin. Every request
// is classified (static asset, API call, navigation or dynamic resource) and
// served with the caching strategy of its class, falling back to cached or
// generated responses when the network is unavailable. Storage is scoped by
// generation, kept bounded, and maintained in the background.
package offlinecache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	requestclass "github.com/always-cache/offline-cache/pkg/request-class"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultGeneration      = "v1"
	DefaultAPITimeout      = 8 * time.Second
	DefaultMaxEntries      = 50
	DefaultMaxAge          = 7 * 24 * time.Hour
	DefaultCleanupInterval = 2 * time.Hour
	DefaultMemoryThreshold = 50_000_000
	DefaultPurgeRatio      = 0.3
	DefaultDiaryPrefix     = "/api/diary"
)

// DefaultRootDocuments are the cached documents served for failed navigations.
var DefaultRootDocuments = []string{"/index.html", "/"}

type Config struct {
	// Network transport. If nil and Origin is set, an HTTPFetcher for Origin is used.
	// In middleware mode the wrapped handler serves requests, but installation
	// seeding and data sync still use this fetcher.
	Fetcher Fetcher
	// Storage for cache entries. An in-memory provider is used if nil.
	Provider cache.Provider
	// URL of the origin server. Relative URLs are resolved against it.
	Origin url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Generation used by Start. Defaults to DefaultGeneration.
	Generation string
	// URLs classified as static assets. They are also the seed URLs of Start.
	StaticAssets []string
	// API detection, see requestclass.Classifier.
	APIPrefix string
	APIMarker string
	// Path prefix of the entries refreshed by the DiarySyncTag task.
	DiaryPrefix string
	// Cached documents served for failed navigations, in order of preference.
	RootDocuments []string
	// Network timeout for API calls.
	APITimeout time.Duration
	// Bound of the dynamic store.
	MaxEntries int
	// Age after which dynamic entries are removed by maintenance.
	MaxAge time.Duration
	// Interval of the background maintenance. Negative disables it.
	CleanupInterval time.Duration
	// Memory usage above which maintenance purges the dynamic store.
	MemoryThreshold uint64
	// Share of the dynamic store removed on memory pressure.
	PurgeRatio  float64
	MemoryProbe MemoryProbe
	// Delivery of messages to clients. A Hub is used if nil.
	Broadcaster Broadcaster
	// Optional platform features probed on activation.
	Capabilities map[string]Capability
	// HTML served for failed navigations without a cached root document.
	OfflinePage []byte
	// Clock used for entry storage times.
	Clock cache.Clock
	// Meter for the worker instruments. A noop meter is used if nil.
	Meter metric.Meter
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is the offline cache. It implements http.Handler.
type Worker struct {
	fetcher         Fetcher
	provider        cache.Provider
	origin          url.URL
	keyer           cachekey.CacheKeyer
	classifier      requestclass.Classifier
	generation      string
	staticAssets    []string
	rootDocuments   []string
	diaryPrefix     string
	apiTimeout      time.Duration
	dynamicPolicy   cache.Policy
	cleanupInterval time.Duration
	memoryThreshold uint64
	purgeRatio      float64
	memoryProbe     MemoryProbe
	broadcaster     Broadcaster
	capabilities    map[string]Capability
	offlinePage     []byte
	clock           cache.Clock
	metrics         *metrics
	log             zerolog.Logger

	sync      *SyncCoordinator
	refreshes singleflight.Group

	// lifecycle state, see lifecycle.go
	mu        *sync.RWMutex
	installed map[string]*generation
	active    *generation
	pending   string
	state     State
	probes    map[string]error

	// background tasks are bound to ctx and tracked by wg
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New creates the worker and starts the background maintenance.
// The worker serves requests straight from the network until a generation is activated,
// see Start, Install and Activate.
func New(config Config) (*Worker, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	m, err := newMetrics(config.Meter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		fetcher:  config.Fetcher,
		provider: config.Provider,
		origin:   config.Origin,
		keyer:    cachekey.NewCacheKeyer(&config.Origin),
		classifier: requestclass.Classifier{
			StaticAssets: config.StaticAssets,
			APIPrefix:    config.APIPrefix,
			APIMarker:    config.APIMarker,
		},
		generation:      valueOr(config.Generation, DefaultGeneration),
		staticAssets:    config.StaticAssets,
		rootDocuments:   config.RootDocuments,
		diaryPrefix:     valueOr(config.DiaryPrefix, DefaultDiaryPrefix),
		apiTimeout:      valueOr(config.APITimeout, DefaultAPITimeout),
		cleanupInterval: valueOr(config.CleanupInterval, DefaultCleanupInterval),
		memoryThreshold: valueOr(config.MemoryThreshold, DefaultMemoryThreshold),
		purgeRatio:      valueOr(config.PurgeRatio, DefaultPurgeRatio),
		memoryProbe:     config.MemoryProbe,
		broadcaster:     config.Broadcaster,
		capabilities:    config.Capabilities,
		offlinePage:     config.OfflinePage,
		clock:           config.Clock,
		metrics:         m,
		log:             logger,
		mu:              &sync.RWMutex{},
		installed:       map[string]*generation{},
		probes:          map[string]error{},
		ctx:             ctx,
		cancel:          cancel,
		wg:              &sync.WaitGroup{},
	}
	w.dynamicPolicy = cache.Policy{
		MaxEntries: valueOr(config.MaxEntries, DefaultMaxEntries),
		MaxAge:     valueOr(config.MaxAge, DefaultMaxAge),
	}
	if w.provider == nil {
		w.provider = cache.NewMemProvider()
	}
	if w.fetcher == nil && config.Origin.Host != "" {
		w.fetcher = NewHTTPFetcher(config.Origin, config.OriginHost)
	}
	if w.rootDocuments == nil {
		w.rootDocuments = DefaultRootDocuments
	}
	if w.memoryProbe == nil {
		w.memoryProbe = RuntimeMemoryProbe{}
	}
	if w.broadcaster == nil {
		w.broadcaster = NewHub()
	}
	if w.offlinePage == nil {
		w.offlinePage = DefaultOfflinePage
	}
	if w.clock == nil {
		w.clock = cache.SystemClock
	}

	w.sync = NewSyncCoordinator(w.broadcaster, w.clock, w.log)
	w.sync.Register(DataSyncTag, w.RefreshDynamic)
	w.sync.Register(DiarySyncTag, w.RefreshDiary)

	// start a goroutine for the periodic maintenance
	if w.cleanupInterval > 0 {
		w.goSafe("maintenance", w.RunMaintenance)
	}

	return w, nil
}

// Start installs and activates the configured generation, seeding the static assets.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx, w.generation, w.staticAssets); err != nil {
		return err
	}
	return w.Activate(ctx, w.generation)
}

// Sync returns the sync coordinator of the worker.
func (w *Worker) Sync() *SyncCoordinator {
	return w.sync
}

// Wait blocks until all running background tasks have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close stops the background tasks and waits for them to finish.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.fetcher)
}

// Middleware returns a handler serving next through the worker.
// next takes the place of the network.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	fetcher := HandlerFetcher{Handler: next}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.serve(rw, r, fetcher)
	})
}

func (w *Worker) serve(rw http.ResponseWriter, r *http.Request, fetcher Fetcher) {
	defer w.recover(rw, r)
	w.handle(rw, r, fetcher)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		w.metrics.failure(r.Context(), "serve")
		w.escapeHatch(rw)
	}
}

// escapeHatch is the response of last resort.
func (w *Worker) escapeHatch(rw http.ResponseWriter) {
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonMiss)
	cs.Detail = "error"
	p := unavailable(messageUnavailable)
	copyHeader(rw.Header(), p.Header)
	rw.Header().Set("Cache-Status", cs.String())
	rw.WriteHeader(p.Status)
	rw.Write(p.Body)
}

// call is a single request being served.
type call struct {
	r       *http.Request
	key     string
	gen     *generation
	fetcher Fetcher
	log     zerolog.Logger
}

// handle is the main entry point for request handling.
func (w *Worker) handle(rw http.ResponseWriter, r *http.Request, fetcher Fetcher) {
	req := requestclass.FromHTTP(r, w.base(r))
	log := w.log.With().Str("method", r.Method).Str("url", req.URL.String()).Logger()
	log.Trace().Interface("headers", r.Header).Msg("Incoming request")

	if fetcher == nil {
		w.report("serve", ErrNoFetcher)
		res := result{payload: unavailable(messageUnavailable)}
		res.status.Forward(rfc9211.FwdReasonMiss)
		w.send(rw, r, res)
		return
	}

	gen := w.current()
	if gen == nil || w.classifier.Excluded(req) {
		res := w.bypass(r.Context(), r, fetcher, log)
		w.metrics.request(r.Context(), "bypass", outcome(res))
		w.send(rw, r, res)
		w.logRequest(r, "bypass", res)
		return
	}

	class := w.classifier.Classify(req)
	c := &call{
		r:       r,
		key:     w.keyer.Key(r.Method, req.URL),
		gen:     gen,
		fetcher: fetcher,
		log:     log.With().Str("class", class.String()).Logger(),
	}
	res := strategies[class](w, r.Context(), c)
	w.metrics.request(r.Context(), class.String(), outcome(res))
	w.send(rw, r, res)
	w.logRequest(r, class.String(), res)
}

// base returns the URL relative requests are resolved against.
// Without a configured origin this is the scheme and host the request arrived on.
func (w *Worker) base(r *http.Request) *url.URL {
	if w.origin.Host != "" {
		return &w.origin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host}
}

// bypass sends the request to the network without touching the cache.
func (w *Worker) bypass(ctx context.Context, r *http.Request, fetcher Fetcher, log zerolog.Logger) result {
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonBypass)
	payload, err := w.fetch(ctx, fetcher, r)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch bypassed request")
		return result{payload: unavailable(messageUnavailable), status: cs}
	}
	return result{payload: payload, status: cs}
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res result) {
	copyHeader(rw.Header(), res.payload.Header)
	rw.Header().Set("Cache-Status", res.status.String())
	status := res.payload.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := rw.Write(res.payload.Body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (w *Worker) logRequest(r *http.Request, class string, res result) {
	isHit := 0
	if res.status.Status == rfc9211.StatusHit {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("class", class).
		Int("code", res.payload.Status).
		Str("status", string(res.status.Status)).
		Str("fwd", string(res.status.FwdReason)).
		Bool("stored", res.status.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// report is the sink for errors that are handled by logging only.
func (w *Worker) report(op string, err error) {
	w.log.Error().Err(err).Str("op", op).Msg("Operation failed")
	w.metrics.failure(w.ctx, op)
}

// goSafe runs fn in a tracked goroutine bound to the worker lifetime.
// Panics are recovered and logged.
func (w *Worker) goSafe(op string, fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("op", op).Msg("Panic in background task")
				w.metrics.failure(w.ctx, op)
			}
		}()
		fn(w.ctx)
	}()
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func valueOr[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
