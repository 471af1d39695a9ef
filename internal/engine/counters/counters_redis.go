package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "warden/cnt/"

// RedisStore keeps window counters in Redis so several bot processes can
// share rate state. Each tumbling bucket is its own key with a TTL of twice
// the window, so stale buckets expire on their own.
type RedisStore struct {
	client  *redis.Client
	windows Windows
}

func NewRedisStore(redisURL string, w Windows) (*RedisStore, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("counters: redis ping: %w", err)
	}
	return &RedisStore{client: rdb, windows: w}, nil
}

func redisBucketKey(subject, metric string, idx int64) string {
	return fmt.Sprintf("%s%s/%s/%d", redisKeyPrefix, metric, subject, idx)
}

func (s *RedisStore) Record(ctx context.Context, subject, metric string, ts time.Time) (int, error) {
	size, err := s.windows.lookup(metric)
	if err != nil {
		return 0, err
	}
	key := redisBucketKey(subject, metric, windowIndex(ts, size))

	// Single round-trip: bump the bucket and refresh its TTL.
	multi := s.client.Pipeline()
	incr := multi.Incr(ctx, key)
	multi.Expire(ctx, key, 2*size)
	if _, err := multi.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Peek(ctx context.Context, subject, metric string, ts time.Time) (int, error) {
	size, err := s.windows.lookup(metric)
	if err != nil {
		return 0, err
	}
	key := redisBucketKey(subject, metric, windowIndex(ts, size))
	c, err := s.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
