package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// DefaultCacheTTL is how long cached feedback lives.
const DefaultCacheTTL = 30 * 24 * time.Hour

// Cache is the fast, best-effort side of feedback storage. It may lag the
// history store in either direction.
type Cache interface {
	// Append records entry under its finding. Cached stats are bumped only
	// when present, so a partial count is never created.
	Append(ctx context.Context, entry *models.FeedbackEntry) error

	// Stats returns cached stats; ok is false on a miss.
	Stats(ctx context.Context, findingID string) (stats *models.FeedbackStats, ok bool, err error)

	// PutStats replaces the cached stats for stats.FindingID.
	PutStats(ctx context.Context, stats *models.FeedbackStats) error

	Close() error
}

// NewCache builds the configured cache backend.
func NewCache(ctx context.Context, cfg config.FeedbackConfig) (Cache, error) {
	ttl := cfg.CacheTTL.Duration()
	switch cfg.CacheBackend {
	case "", "memory":
		return NewMemoryCache(ttl, cfg.CacheMaxEntries), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Value(),
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, models.NewStoreError("redis", "connect", err)
		}
		return NewRedisCache(client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown feedback cache backend %q", cfg.CacheBackend)
	}
}

func countField(t models.FeedbackType) string {
	return string(t) + "_count"
}
