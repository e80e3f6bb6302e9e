package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config, err := loadConfig([]string{"-origin", "https://app.example.com"}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "sqlite", config.Provider)
	assert.Equal(t, "v1", config.Generation)
	assert.Equal(t, 8*time.Second, config.APITimeout)
	assert.Equal(t, 50, config.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, config.MaxAge)
	assert.Equal(t, 2*time.Hour, config.CleanupInterval)
	assert.Equal(t, uint64(50_000_000), config.MemoryThreshold)
	assert.Equal(t, "api", config.APIMarker)
	assert.Equal(t, []string{"/index.html", "/"}, config.RootDocuments)
	assert.Equal(t, "/api/diary", config.DiaryPrefix)
	assert.Equal(t, 0.3, config.PurgeRatio)
}

func TestConfigWorkerSettings(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
apiMarker: rest
rootDocuments:
  - /shell.html
`), 0644))

	config, err := loadConfig([]string{
		"-config", configFile,
		"-origin", "https://app.example.com",
		"-purge-ratio", "0.5",
		"-diary-prefix", "/journal",
	}, map[string]string{"OFFLINE_CACHE_API_MARKER": "service"})
	require.NoError(t, err)
	assert.Equal(t, "rest", config.APIMarker)
	assert.Equal(t, []string{"/shell.html"}, config.RootDocuments)
	assert.Equal(t, 0.5, config.PurgeRatio)
	assert.Equal(t, "/journal", config.DiaryPrefix)

	_, err = loadConfig([]string{"-origin", "https://app.example.com", "-purge-ratio", "1.5"}, map[string]string{})
	assert.Error(t, err)
}

func TestConfigPrecedence(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
origin: https://file.example.com
port: 9000
maxEntries: 80
apiTimeout: 3s
staticAssets:
  - /index.html
  - /app.js
`), 0644))

	environment := map[string]string{
		"OFFLINE_CACHE_CONFIG":      configFile,
		"OFFLINE_CACHE_ORIGIN":      "https://env.example.com",
		"OFFLINE_CACHE_PORT":        "7000",
		"OFFLINE_CACHE_PROVIDER":    "bolt",
		"OFFLINE_CACHE_MAX_ENTRIES": "60",
	}
	config, err := loadConfig([]string{"-port", "8081"}, environment)
	require.NoError(t, err)

	// flag over file over env
	assert.Equal(t, 8081, config.Port)
	assert.Equal(t, "https://file.example.com", config.Origin)
	assert.Equal(t, 80, config.MaxEntries)
	assert.Equal(t, 3*time.Second, config.APITimeout)
	assert.Equal(t, []string{"/index.html", "/app.js"}, config.StaticAssets)
	// env only
	assert.Equal(t, "bolt", config.Provider)
}

func TestConfigStaticFlag(t *testing.T) {
	config, err := loadConfig([]string{"-origin", "https://app.example.com", "-static", "/, /index.html"},
		map[string]string{"OFFLINE_CACHE_STATIC_ASSETS": "/env.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/index.html"}, config.StaticAssets)
}

func TestConfigValidation(t *testing.T) {
	_, err := loadConfig(nil, map[string]string{})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-origin", "https://app.example.com", "-provider", "redis"}, map[string]string{})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, map[string]string{})
	assert.Error(t, err)
}

func TestOpenProvider(t *testing.T) {
	for _, provider := range []string{"sqlite", "bolt", "memory"} {
		t.Run(provider, func(t *testing.T) {
			p, closeProvider, err := openProvider(Config{Provider: provider, DB: filepath.Join(t.TempDir(), "cache.db")})
			require.NoError(t, err)
			defer closeProvider()
			require.NoError(t, p.Open("static-v1"))
			names, err := p.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1"}, names)
		})
	}
}
