package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	val := models.Reading{Tank: "main", Level: 63.5, Status: models.StatusOK}

	if err := c.Set(ctx, "3026172:1", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "3026172:1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Level != val.Level || got.Tank != val.Tank {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	_, ok, err := NewInMemoryCache().Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies expired entries miss and are removed.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewInMemoryCache()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", models.Reading{Level: 10}, 5*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(5 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if _, present := c.data["k"]; present {
		t.Error("expired entry should be deleted from cache")
	}
}

func TestInMemoryCache_Set_ZeroTTL(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	_ = c.Set(ctx, "k", models.Reading{Level: 10}, 0)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("zero TTL stored a value")
	}
}

func TestExpirationSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{500 * time.Millisecond, 1},
		{5 * time.Second, 5},
		{5500 * time.Millisecond, 6},
		{90 * 24 * time.Hour, 30 * 24 * 60 * 60},
	}
	for _, tt := range tests {
		if got := expirationSeconds(tt.ttl); got != tt.want {
			t.Errorf("expirationSeconds(%v) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestNewMemcachedCache_NoAddrs(t *testing.T) {
	if _, err := NewMemcachedCache(" , ", time.Second, 2); err == nil {
		t.Error("NewMemcachedCache() error = nil, want error for empty address list")
	}
}
