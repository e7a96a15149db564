package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CourierLimiter caps outbound courier polls per vendor in fixed one-minute
// windows. The counter lives in redis, so every worker draws from the same
// budget.
type CourierLimiter struct {
	c *redis.Client
}

func NewCourierLimiter(addr string) *CourierLimiter {
	return &CourierLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// AllowPoll counts one poll against the vendor's current minute window.
// Возвращает (allowed, currentCount). TTL чуть длиннее окна, чтобы счётчик
// не пережил свою минуту.
func (rl *CourierLimiter) AllowPoll(ctx context.Context, vendor string, limit int64, now time.Time) (bool, int64, error) {
	key := fmt.Sprintf("rl:courier:%s:%s", vendor, now.UTC().Format("200601021504"))
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 70*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
