package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TextCache keeps extracted document text in Redis so the masking page and
// the analysis pipeline avoid rereading files
type TextCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewTextCache creates a new Redis-backed text cache
func NewTextCache(config *Config, logger *zap.Logger) (*TextCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	cache := newTextCache(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.client.Ping(ctx).Err(); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Text cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

func newTextCache(client *redis.Client, config *Config, logger *zap.Logger) *TextCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "polisight"
	}
	return &TextCache{
		client: client,
		config: config,
		logger: logger,
	}
}

// Get returns the cached text of a document. A miss, an unreachable Redis
// and a corrupted entry all report ok=false.
func (tc *TextCache) Get(ctx context.Context, docID int64) (*CachedText, bool) {
	key := tc.textKey(docID)

	data, err := tc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		tc.misses.Add(1)
		tc.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	} else if err != nil {
		tc.misses.Add(1)
		tc.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var cached CachedText
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		tc.misses.Add(1)
		tc.logger.Error("Failed to unmarshal cached text", zap.String("key", key), zap.Error(err))
		tc.client.Del(ctx, key)
		return nil, false
	}

	tc.hits.Add(1)
	return &cached, true
}

// Store caches the extracted text of a document
func (tc *TextCache) Store(ctx context.Context, text *CachedText) error {
	key := tc.textKey(text.DocumentID)

	text.CachedAt = time.Now()
	text.TTL = int64(tc.config.DefaultTTL.Seconds())

	data, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("failed to marshal text for caching: %w", err)
	}

	if err := tc.client.Set(ctx, key, data, tc.config.DefaultTTL).Err(); err != nil {
		tc.logger.Error("Failed to cache text", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to cache text: %w", err)
	}

	tc.logger.Debug("Text cached",
		zap.String("key", key),
		zap.Int("tokens", text.Tokens))

	return nil
}

// Delete drops the cached text of a document
func (tc *TextCache) Delete(ctx context.Context, docID int64) error {
	if err := tc.client.Del(ctx, tc.textKey(docID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached text: %w", err)
	}
	return nil
}

// GetStats returns cache performance statistics
func (tc *TextCache) GetStats(ctx context.Context) (*CacheStats, error) {
	info, err := tc.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &CacheStats{
		Hits:   tc.hits.Load(),
		Misses: tc.misses.Load(),
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	stats.MemoryUsage = parseUsedMemory(info)

	if keys, err := tc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Close closes the Redis connection
func (tc *TextCache) Close() error {
	if tc.client != nil {
		return tc.client.Close()
	}
	return nil
}

func (tc *TextCache) textKey(docID int64) string {
	return fmt.Sprintf("%s:doc:%d:text", tc.config.KeyPrefix, docID)
}

// parseUsedMemory reads used_memory from an INFO reply
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || !strings.Contains(userPart[:colon], "//") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
