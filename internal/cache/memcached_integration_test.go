//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

// TestMemcachedCache_GetSet_Integration requires memcached on localhost:11211.
func TestMemcachedCache_GetSet_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()
	if err := c.Ping(); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}

	ctx := context.Background()
	val := models.Reading{Tank: "main", Level: 71, Status: models.StatusOK, FetchedAt: time.Now().UTC()}
	if err := c.Set(ctx, "it:1", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "it:1")
	if err != nil || !ok {
		t.Fatalf("Get() = (%v, %v), want hit", ok, err)
	}
	if got.Level != val.Level || got.Tank != val.Tank {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}

	if _, ok, err := c.Get(ctx, "it:missing"); err != nil || ok {
		t.Errorf("Get(missing) = (%v, %v), want miss", ok, err)
	}
}
