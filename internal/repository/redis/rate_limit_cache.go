package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"email-auth-service/internal/client"
	"email-auth-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitResult describes one counted request against a fixed window.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitCache counts requests per (scope, key) in fixed windows. The window
// start is part of the key, so a burst never extends its own window.
type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

func (c *RateLimitCache) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := c.now()
	start := now.Truncate(window)
	resetAt := start.Add(window)
	windowKey := rateLimitPrefix + scope + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	count, err := c.client.IncrWithExpire(ctx, windowKey, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("scope", scope),
			zap.Duration("window", window),
			zap.Error(err))
		return RateLimitResult{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := RateLimitResult{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		util.Debug("Rate limit exceeded",
			zap.String("scope", scope),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}
	return res, nil
}
