package feedback

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Key layout shared with other consumers of the feedback cache.
const (
	entriesKeyPrefix = "feedback:"
	statsKeyPrefix   = "feedback:stats:"
	totalField       = "total_count"
)

// bumpStats increments an existing stats hash and leaves a missing one
// alone, so a cold cache never holds a partial count.
var bumpStats = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
  redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  return 1
end
return 0
`)

// RedisCache stores the entry list and stats hash of each finding in Redis.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client. A non-positive ttl selects DefaultCacheTTL.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func entriesKey(findingID string) string { return entriesKeyPrefix + findingID }
func statsKey(findingID string) string   { return statsKeyPrefix + findingID }

func (c *RedisCache) Append(ctx context.Context, entry *models.FeedbackEntry) error {
	if entry.FindingID == "" {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := entriesKey(entry.FindingID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return models.NewStoreError("redis", "append_feedback", err)
	}

	ttlSeconds := int64(c.ttl / time.Second)
	err = bumpStats.Run(ctx, c.client,
		[]string{statsKey(entry.FindingID)},
		countField(entry.Type), totalField, ttlSeconds,
	).Err()
	if err != nil {
		return models.NewStoreError("redis", "bump_stats", err)
	}
	return nil
}

func (c *RedisCache) Stats(ctx context.Context, findingID string) (*models.FeedbackStats, bool, error) {
	fields, err := c.client.HGetAll(ctx, statsKey(findingID)).Result()
	if err != nil {
		return nil, false, models.NewStoreError("redis", "get_stats", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	stats := models.NewFeedbackStats(findingID)
	for _, t := range models.FeedbackTypes {
		stats.Counts[t] = atoi(fields[countField(t)])
	}
	stats.Total = atoi(fields[totalField])
	stats.Recompute()
	return stats, true, nil
}

func (c *RedisCache) PutStats(ctx context.Context, stats *models.FeedbackStats) error {
	key := statsKey(stats.FindingID)
	values := make(map[string]any, len(models.FeedbackTypes)+1)
	for _, t := range models.FeedbackTypes {
		values[countField(t)] = stats.Counts[t]
	}
	values[totalField] = stats.Total

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return models.NewStoreError("redis", "put_stats", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
