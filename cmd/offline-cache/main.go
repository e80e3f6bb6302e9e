package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}

	config, err := loadConfig(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			defer logFileOutput.Close()
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	provider, closeProvider, err := openProvider(config)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Provider).Msg("Could not open cache provider")
	}
	defer func() {
		if err := closeProvider(); err != nil {
			log.Error().Err(err).Msg("Could not close cache provider")
		}
	}()

	// metrics are exposed in the Prometheus format on /metrics
	exporter, err := prometheus.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create metrics exporter")
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer meterProvider.Shutdown(context.Background())

	var offlinePage []byte
	if config.OfflinePage != "" {
		if offlinePage, err = os.ReadFile(config.OfflinePage); err != nil {
			log.Fatal().Err(err).Msg("Could not read offline page")
		}
	}

	fetcher := offlinecache.NewHTTPFetcher(*originURL, config.Host)
	hub := offlinecache.NewHub()
	worker, err := offlinecache.New(offlinecache.Config{
		Fetcher:         fetcher,
		Provider:        provider,
		Origin:          *originURL,
		OriginHost:      config.Host,
		Generation:      config.Generation,
		StaticAssets:    config.StaticAssets,
		APIPrefix:       config.APIPrefix,
		APIMarker:       config.APIMarker,
		RootDocuments:   config.RootDocuments,
		DiaryPrefix:     config.DiaryPrefix,
		APITimeout:      config.APITimeout,
		MaxEntries:      config.MaxEntries,
		MaxAge:          config.MaxAge,
		CleanupInterval: config.CleanupInterval,
		MemoryThreshold: config.MemoryThreshold,
		PurgeRatio:      config.PurgeRatio,
		Broadcaster:     hub,
		Capabilities: map[string]offlinecache.Capability{
			"origin": originProbe(fetcher),
		},
		OfflinePage: offlinePage,
		Meter:       meterProvider.Meter("offline-cache"),
		Logger:      &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not start worker")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(worker, hub, promhttp.Handler(), log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Serving port %v for %s (with hostname '%s')", config.Port, originURL.String(), config.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shutting down")
}

// openProvider opens the configured storage provider.
// The returned function closes it.
func openProvider(config Config) (cache.Provider, func() error, error) {
	switch config.Provider {
	case "sqlite":
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		p, err := cache.NewSQLiteProvider(dbFilename)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "bolt":
		p, err := cache.OpenBoltProvider(config.DB)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "memory":
		return cache.NewMemProvider(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
	}
}

// originProbe checks whether the origin answers at all.
func originProbe(fetcher offlinecache.Fetcher) offlinecache.Capability {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, "/", nil)
		if err != nil {
			return err
		}
		_, err = fetcher.Fetch(ctx, req)
		return err
	}
}
