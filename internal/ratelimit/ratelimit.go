// Package ratelimit is a fixed-window request counter kept in Redis. It fails
// open: when Redis is unreachable every request is allowed.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

const keyPrefix = "ratelimit:"

type Limiter struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow counts one request for id and reports whether it fits in limit per window.
// The first request of a window starts its expiry clock.
func (l *Limiter) Allow(ctx context.Context, id string, limit int, window time.Duration) bool {
	key := keyPrefix + id
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		metrics.RateLimitFailOpen.Inc()
		logx.L().Warnw("ratelimit_store_error", "key", id, "error", err)
		return true
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			metrics.RateLimitFailOpen.Inc()
			logx.L().Warnw("ratelimit_expire_error", "key", id, "error", err)
			return true
		}
	}
	if n > int64(limit) {
		l.repairExpiry(ctx, key, id, window)
		metrics.RateLimitDenied.Inc()
		return false
	}
	return true
}

// repairExpiry restores the window on a counter that lost its TTL, so a
// failed EXPIRE cannot deny an identity forever.
func (l *Limiter) repairExpiry(ctx context.Context, key, id string, window time.Duration) {
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl != -1 {
		return
	}
	if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
		logx.L().Warnw("ratelimit_expire_error", "key", id, "error", err)
		return
	}
	logx.L().Infow("ratelimit_expiry_restored", "key", id)
}

// Count returns the requests seen in the current window without counting one.
func (l *Limiter) Count(ctx context.Context, id string) (int64, error) {
	n, err := l.rdb.Get(ctx, keyPrefix+id).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.rdb.Del(ctx, keyPrefix+id).Err()
}

// Key picks the identity a request is limited by.
func Key(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return "key:" + k
	}
	if t := c.GetHeader("X-Tenant-ID"); t != "" {
		return "tenant:" + t
	}
	return "ip:" + c.ClientIP()
}

func (l *Limiter) Middleware(limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		ok := l.Allow(ctx, Key(c), limit, window)
		cancel()
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
