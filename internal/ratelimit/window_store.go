package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Window is the persisted fixed-window counter for one user.
type Window struct {
	Start time.Time
	Count int
}

// WindowStore is the local durability tier for rate windows. Implementations
// report read failures; the limiter treats them as an empty window.
type WindowStore interface {
	Load(ctx context.Context, userID string) (Window, error)
	Save(ctx context.Context, userID string, w Window) error
	Mode() string
	Close() error
}

// CacheWindowStore keeps windows in process memory.
type CacheWindowStore struct {
	cache *cache.Cache
}

// NewCacheWindowStore keeps entries for retention after their last write.
// Zero retention keeps them forever.
func NewCacheWindowStore(retention time.Duration) *CacheWindowStore {
	if retention <= 0 {
		retention = cache.NoExpiration
	}
	return &CacheWindowStore{cache: cache.New(retention, 10*time.Minute)}
}

func (s *CacheWindowStore) Load(_ context.Context, userID string) (Window, error) {
	if v, ok := s.cache.Get(userID); ok {
		if w, ok := v.(Window); ok {
			return w, nil
		}
	}
	return Window{}, nil
}

func (s *CacheWindowStore) Save(_ context.Context, userID string, w Window) error {
	s.cache.Set(userID, w, cache.DefaultExpiration)
	return nil
}

func (s *CacheWindowStore) Mode() string { return "local" }

func (s *CacheWindowStore) Close() error {
	s.cache.Flush()
	return nil
}

const (
	redisKeyPrefix   = "companion:ratelimit:"
	fieldCount       = "count"
	fieldWindowStart = "window_start"
)

// RedisWindowStore keeps each window as a hash with the message count and the
// window start in unix milliseconds, both as strings.
type RedisWindowStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisWindowStore(client *redis.Client, ttl time.Duration) *RedisWindowStore {
	return &RedisWindowStore{client: client, ttl: ttl}
}

func (s *RedisWindowStore) Load(ctx context.Context, userID string) (Window, error) {
	vals, err := s.client.HMGet(ctx, s.key(userID), fieldCount, fieldWindowStart).Result()
	if err != nil {
		return Window{}, fmt.Errorf("load window: %w", err)
	}
	return Window{
		Count: parseInt(vals[0]),
		Start: parseMillis(vals[1]),
	}, nil
}

func (s *RedisWindowStore) Save(ctx context.Context, userID string, w Window) error {
	key := s.key(userID)
	start := "0"
	if !w.Start.IsZero() {
		start = strconv.FormatInt(w.Start.UnixMilli(), 10)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldCount, strconv.Itoa(w.Count), fieldWindowStart, start)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save window: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) Mode() string { return "redis" }

func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}

func (s *RedisWindowStore) key(userID string) string {
	return redisKeyPrefix + userID
}

// NewWindowStore uses Redis when a URL is configured, otherwise process memory.
func NewWindowStore(ctx context.Context, redisURL string, retention time.Duration) (WindowStore, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return NewCacheWindowStore(retention), nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWindowStore(client, retention), nil
}

// Corrupt or missing values read as zero so the limiter fails open.
func parseInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseMillis(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
