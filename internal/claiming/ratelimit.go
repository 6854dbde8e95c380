package claiming

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinicore/patient-claiming/pkg/logging"
)

// SearchLimiter throttles record searches per client IP so the endpoint
// cannot be used to probe identity attributes at volume. Fails open when
// Redis is unavailable.
type SearchLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	logger *logging.Logger
}

// NewSearchLimiter creates a limiter allowing limit searches per window.
func NewSearchLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *logging.Logger) *SearchLimiter {
	if logger == nil {
		logger = logging.Default()
	}
	return &SearchLimiter{redis: redisClient, limit: limit, window: window, logger: logger}
}

// Allow reports whether another search from this client is permitted.
func (l *SearchLimiter) Allow(ctx context.Context, clientIP string) bool {
	if l == nil || l.redis == nil || l.limit <= 0 || clientIP == "" {
		return true
	}
	key := fmt.Sprintf("claim:search:%s", clientIP)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Error("search rate check failed", "error", err, "key", key)
		return true
	}
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}
	if count > int64(l.limit) {
		l.logger.Warn("search rate exceeded", "client_ip", clientIP, "count", count, "max", l.limit)
		return false
	}
	return true
}
