package sources

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/textanalysis"
)

// VerdictTTL is how long a cached verdict stays valid.
const VerdictTTL = 24 * time.Hour

// Cache stores verdicts by topic and URL.
type Cache interface {
	Get(ctx context.Context, topic, url string) (*CacheEntry, error)
	Set(ctx context.Context, topic, url string, entry CacheEntry) error
}

// CacheEntry is one cached verdict. Embedding is reserved for a
// precomputed source vector; nothing fills it yet.
type CacheEntry struct {
	Verdict   model.SourceVerdict `json:"verdict"`
	Embedding []float32           `json:"embedding,omitempty"`
	CachedAt  time.Time           `json:"cached_at"`
}

// RedisCache keeps verdicts in Redis with a TTL.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = VerdictTTL
	}
	return &RedisCache{redis: client, ttl: ttl}
}

// CacheKey is the Redis key for a topic and URL.
func CacheKey(topic, url string) string {
	t := strings.ToLower(strings.Join(strings.Fields(textanalysis.FoldDiacritics(topic)), " "))
	sum := sha1.Sum([]byte(t + "\x00" + url))
	return "source:verdict:" + hex.EncodeToString(sum[:])
}

// Get returns nil without error on a miss.
func (c *RedisCache) Get(ctx context.Context, topic, url string) (*CacheEntry, error) {
	data, err := c.redis.Get(ctx, CacheKey(topic, url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached verdict: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, topic, url string, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	if err := c.redis.Set(ctx, CacheKey(topic, url), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache verdict: %w", err)
	}
	return nil
}
