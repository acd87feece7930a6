package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SlidingWindowLimiter bounds how many events a key admits inside a
// rolling window, backed by a redis sorted set so every node in a
// deployment shares one budget. Transport failures fail open: intake
// should not stop because redis blinked.
type SlidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewSlidingWindowLimiter builds a limiter admitting limit events per
// window per key.
func NewSlidingWindowLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{client: client, limit: limit, window: window, logger: logger}
}

// Allow records an attempt and reports whether it fits in the window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) bool {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)
	redisKey := "ratelimit:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter unavailable, admitting",
			zap.String("key", key), zap.Error(err))
		return true
	}
	if count.Val() >= int64(l.limit) {
		return false
	}

	add := l.client.TxPipeline()
	add.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	add.Expire(ctx, redisKey, l.window)
	if _, err := add.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter record failed",
			zap.String("key", key), zap.Error(err))
	}
	return true
}
