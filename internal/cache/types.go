package cache

import (
	"time"
)

// CachedText is the extracted text of a document as stored in Redis
type CachedText struct {
	DocumentID int64     `json:"document_id"`
	Text       string    `json:"text"`
	Method     string    `json:"method"`
	Tokens     int       `json:"tokens"`
	CachedAt   time.Time `json:"cached_at"`
	TTL        int64     `json:"ttl"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL       string
	MaxConnections int
	MinIdleConns   int
	DefaultTTL     time.Duration
	KeyPrefix      string
}
