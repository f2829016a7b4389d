package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-key counter in redis. Redis failures let
// the request through.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow counts one hit for ip in scope. When the limit is exceeded it returns
// false and the time until the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, scope, ip string) (bool, time.Duration) {
	if rl == nil || rl.client == nil || rl.limit <= 0 {
		return true, 0
	}
	key := fmt.Sprintf("rate_limit:%s:%s", scope, ip)
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis incr failed: %v", err)
		return true, 0
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			log.Printf("[ratelimit] redis expire failed: %v", err)
		}
	}
	if count <= int64(rl.limit) {
		return true, 0
	}
	ttl, err := rl.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.window
	}
	return false, ttl
}
