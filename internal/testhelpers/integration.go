//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/cache"
	"github.com/kjstillabower/tank-level-service/internal/client"
	"github.com/kjstillabower/tank-level-service/internal/config"
	"github.com/kjstillabower/tank-level-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	ChannelID     int64
	Field         int
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if THINGSPEAK_CHANNEL_ID is not set. THINGSPEAK_API_KEY is
// optional for public channels.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	raw := os.Getenv("THINGSPEAK_CHANNEL_ID")
	if raw == "" {
		t.Skip("THINGSPEAK_CHANNEL_ID not set, skipping integration test")
	}
	channel, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || channel <= 0 {
		t.Fatalf("THINGSPEAK_CHANNEL_ID %q is not a positive integer", raw)
	}

	field := 1
	if f := os.Getenv("THINGSPEAK_FIELD"); f != "" {
		if field, err = strconv.Atoi(f); err != nil {
			t.Fatalf("THINGSPEAK_FIELD %q: %v", f, err)
		}
	}

	apiURL := os.Getenv("THINGSPEAK_URL")
	if apiURL == "" {
		apiURL = config.DefaultThingSpeakURL
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        os.Getenv("THINGSPEAK_API_KEY"),
		APIURL:        apiURL,
		ChannelID:     channel,
		Field:         field,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// Source returns the channel field under test as tank "integration".
func (c IntegrationTestConfig) Source() client.Source {
	return client.Source{Tank: "integration", ChannelID: c.ChannelID, Field: c.Field}
}

// SetupIntegrationClient creates a ThingSpeak client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.ThingSpeakClient {
	t.Helper()
	c, err := client.NewThingSpeakClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewThingSpeakClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a service over the live client.
// Returns the service, the cache it uses, and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.LevelService, cache.Cache, func()) {
	t.Helper()
	levelClient := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache
	cleanup := func() {}
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		switch {
		case err != nil:
			t.Logf("Memcached not configured (%v), using in-memory cache", err)
		case mc.Ping() != nil:
			_ = mc.Close()
			t.Logf("Memcached not reachable at %s, using in-memory cache", cfg.MemcachedAddr)
		default:
			cacheSvc = mc
			cleanup = func() { _ = mc.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		}
	}
	if cacheSvc == nil {
		cacheSvc = cache.NewInMemoryCache()
	}

	svc := service.NewLevelService(levelClient, cacheSvc, 5*time.Second, 10*time.Second, zap.NewNop())
	return svc, cacheSvc, cleanup
}
