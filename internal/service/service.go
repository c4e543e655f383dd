package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/cache"
	"github.com/kjstillabower/tank-level-service/internal/client"
	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
)

// LevelService sits between pollers and the ThingSpeak client. It de-duplicates
// reads of the same channel field with a short-lived cache and request coalescing.
// The cache TTL is kept below the refresh interval; it never serves data
// after the upstream stops answering.
type LevelService struct {
	client    client.LevelClient
	cache     cache.Cache
	ttl       time.Duration
	coalescer *requestCoalescer // nil when disabled
	logger    *zap.Logger
}

// NewLevelService wires the client and cache. ttl <= 0 disables caching;
// coalesceTimeout <= 0 disables coalescing.
func NewLevelService(c client.LevelClient, ch cache.Cache, ttl, coalesceTimeout time.Duration, logger *zap.Logger) *LevelService {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelService{
		client:    c,
		cache:     ch,
		ttl:       ttl,
		coalescer: coalescer,
		logger:    logger,
	}
}

// FetchLevel returns the latest reading for src using cache-aside.
// Upstream errors are returned wrapped; nothing stale is substituted.
func (s *LevelService) FetchLevel(ctx context.Context, src client.Source) (models.Reading, error) {
	key := src.Key()

	if s.cache != nil && s.ttl > 0 {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			s.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			observability.CacheHitsTotal.WithLabelValues("level").Inc()
			cached.Tank = src.Tank
			return cached, nil
		}
	}

	var (
		reading models.Reading
		err     error
	)
	if s.coalescer != nil {
		var shared bool
		reading, shared, err = s.coalescer.GetOrDo(ctx, key, func(ctx context.Context) (models.Reading, error) {
			return s.client.FetchLevel(ctx, src)
		})
		if shared {
			observability.CoalescedFetchesTotal.Inc()
		}
	} else {
		reading, err = s.client.FetchLevel(ctx, src)
	}
	if err != nil {
		return models.Reading{}, fmt.Errorf("fetch level for %s: %w", src.Tank, err)
	}
	reading.Tank = src.Tank

	if s.cache != nil && s.ttl > 0 {
		if setErr := s.cache.Set(ctx, key, reading, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return reading, nil
}
