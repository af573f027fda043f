package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bookgen/api/internal/model"
)

// DefaultStatusTTL bounds how long a finished job's status is served from Redis.
const DefaultStatusTTL = 10 * time.Minute

// StatusCache keeps the status of finished jobs in Redis. A nil cache or a
// cache without a client is a no-op.
type StatusCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStatusCache(redisClient *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{redis: redisClient, ttl: ttl}
}

func (c *StatusCache) enabled() bool {
	return c != nil && c.redis != nil
}

// Get returns the cached status. Misses and Redis errors both report false.
func (c *StatusCache) Get(ctx context.Context, jobID string) (*model.JobStatusResponse, bool) {
	if !c.enabled() {
		return nil, false
	}
	data, err := c.redis.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		return nil, false
	}
	var st model.JobStatusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	return &st, true
}

// Set stores st when the job has finished. Running jobs change too often to
// be worth caching.
func (c *StatusCache) Set(ctx context.Context, st *model.JobStatusResponse) error {
	if !c.enabled() || st == nil || !st.Status.Terminal() {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}
	if err := c.redis.Set(ctx, statusKey(st.JobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache job status: %w", err)
	}
	return nil
}

// Invalidate drops the cached status of every given job.
func (c *StatusCache) Invalidate(ctx context.Context, jobIDs ...string) error {
	if !c.enabled() || len(jobIDs) == 0 {
		return nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = statusKey(id)
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to invalidate job status: %w", err)
	}
	return nil
}

func statusKey(jobID string) string {
	return fmt.Sprintf("job:%s:status", jobID)
}
