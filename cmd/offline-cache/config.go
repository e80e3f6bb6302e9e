package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is read from the environment, then from the config file, then from flags.
// Every source overrides the ones before it.
type Config struct {
	ConfigFile      string        `yaml:"-"               env:"OFFLINE_CACHE_CONFIG"`
	Port            int           `yaml:"port"            env:"OFFLINE_CACHE_PORT"             envDefault:"8080"`
	Origin          string        `yaml:"origin"          env:"OFFLINE_CACHE_ORIGIN"`
	Host            string        `yaml:"host"            env:"OFFLINE_CACHE_HOST"`
	Provider        string        `yaml:"provider"        env:"OFFLINE_CACHE_PROVIDER"         envDefault:"sqlite"`
	DB              string        `yaml:"db"              env:"OFFLINE_CACHE_DB"               envDefault:"cache.db"`
	Generation      string        `yaml:"generation"      env:"OFFLINE_CACHE_GENERATION"       envDefault:"v1"`
	StaticAssets    []string      `yaml:"staticAssets"    env:"OFFLINE_CACHE_STATIC_ASSETS"    envSeparator:","`
	APIPrefix       string        `yaml:"apiPrefix"       env:"OFFLINE_CACHE_API_PREFIX"       envDefault:"/api/"`
	APIMarker       string        `yaml:"apiMarker"       env:"OFFLINE_CACHE_API_MARKER"       envDefault:"api"`
	RootDocuments   []string      `yaml:"rootDocuments"   env:"OFFLINE_CACHE_ROOT_DOCUMENTS"   envDefault:"/index.html,/" envSeparator:","`
	DiaryPrefix     string        `yaml:"diaryPrefix"     env:"OFFLINE_CACHE_DIARY_PREFIX"     envDefault:"/api/diary"`
	APITimeout      time.Duration `yaml:"apiTimeout"      env:"OFFLINE_CACHE_API_TIMEOUT"      envDefault:"8s"`
	MaxEntries      int           `yaml:"maxEntries"      env:"OFFLINE_CACHE_MAX_ENTRIES"      envDefault:"50"`
	MaxAge          time.Duration `yaml:"maxAge"          env:"OFFLINE_CACHE_MAX_AGE"          envDefault:"168h"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" env:"OFFLINE_CACHE_CLEANUP_INTERVAL" envDefault:"2h"`
	MemoryThreshold uint64        `yaml:"memoryThreshold" env:"OFFLINE_CACHE_MEMORY_THRESHOLD" envDefault:"50000000"`
	PurgeRatio      float64       `yaml:"purgeRatio"      env:"OFFLINE_CACHE_PURGE_RATIO"      envDefault:"0.3"`
	OfflinePage     string        `yaml:"offlinePage"     env:"OFFLINE_CACHE_OFFLINE_PAGE"`
	LogFile         string        `yaml:"logFile"         env:"OFFLINE_CACHE_LOG_FILE"`
	Trace           bool          `yaml:"trace"           env:"OFFLINE_CACHE_TRACE"`
}

// loadConfig builds the configuration. A nil environment means the process environment.
func loadConfig(args []string, environment map[string]string) (Config, error) {
	var config Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}

	// first pass only finds the config file
	scratch := config
	if err := newFlagSet(&scratch).Parse(args); err != nil {
		return config, err
	}
	if scratch.ConfigFile != "" {
		if err := readConfigFile(scratch.ConfigFile, &config); err != nil {
			return config, err
		}
		config.ConfigFile = scratch.ConfigFile
	}

	if err := newFlagSet(&config).Parse(args); err != nil {
		return config, err
	}
	return config, config.validate()
}

func readConfigFile(filename string, config *Config) error {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return fmt.Errorf("parse config file %s: %w", filename, err)
	}
	return nil
}

// newFlagSet binds the flags to config, using the current values as defaults.
func newFlagSet(config *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.StringVar(&config.ConfigFile, "config", config.ConfigFile, "Path to YAML config file")
	fs.IntVar(&config.Port, "port", config.Port, "Port to listen on")
	fs.StringVar(&config.Origin, "origin", config.Origin, "Origin URL to proxy to")
	fs.StringVar(&config.Host, "host", config.Host, "Hostname of origin")
	fs.StringVar(&config.Provider, "provider", config.Provider, "Storage provider: sqlite, bolt or memory")
	fs.StringVar(&config.DB, "db", config.DB, "Cache DB file name (use 'memory' for in-memory sqlite)")
	fs.StringVar(&config.Generation, "generation", config.Generation, "Cache generation")
	fs.Var((*listValue)(&config.StaticAssets), "static", "Comma separated static asset URLs to seed")
	fs.StringVar(&config.APIPrefix, "api-prefix", config.APIPrefix, "Path prefix of API requests")
	fs.StringVar(&config.APIMarker, "api-marker", config.APIMarker, "Path segment marking API requests")
	fs.Var((*listValue)(&config.RootDocuments), "root-documents", "Comma separated cached documents served to offline navigations")
	fs.StringVar(&config.DiaryPrefix, "diary-prefix", config.DiaryPrefix, "Path prefix of the entries refreshed by the diary sync")
	fs.DurationVar(&config.APITimeout, "api-timeout", config.APITimeout, "Network timeout of API requests")
	fs.IntVar(&config.MaxEntries, "max-entries", config.MaxEntries, "Maximum number of dynamic entries")
	fs.DurationVar(&config.MaxAge, "max-age", config.MaxAge, "Maximum age of dynamic entries")
	fs.DurationVar(&config.CleanupInterval, "cleanup-interval", config.CleanupInterval, "Interval of cache maintenance")
	fs.Uint64Var(&config.MemoryThreshold, "memory-threshold", config.MemoryThreshold, "Heap bytes above which the dynamic cache is purged")
	fs.Float64Var(&config.PurgeRatio, "purge-ratio", config.PurgeRatio, "Share of the dynamic cache purged on memory pressure")
	fs.StringVar(&config.OfflinePage, "offline-page", config.OfflinePage, "HTML file served to offline navigations")
	fs.StringVar(&config.LogFile, "log-file", config.LogFile, "Log file to use (in addition to stdout)")
	fs.BoolVar(&config.Trace, "vv", config.Trace, "Verbosity: trace logging")
	return fs
}

func (c Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("please specify origin")
	}
	if c.PurgeRatio <= 0 || c.PurgeRatio > 1 {
		return fmt.Errorf("purge ratio must be in (0, 1]: %v", c.PurgeRatio)
	}
	switch c.Provider {
	case "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("unsupported cache provider: %s", c.Provider)
	}
	return nil
}

// listValue is a comma separated flag value.
type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(s string) error {
	*l = nil
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}
