package gates

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const fixedWindowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`

// RedisLimiter is a fixed-window limiter shared by every process that talks to
// the same source account. It fails open when Redis is unavailable.
type RedisLimiter struct {
	client  *redis.Client
	script  *redis.Script
	key     string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisLimiter returns nil when client is nil; a nil *RedisLimiter allows everything.
func NewRedisLimiter(client *redis.Client, key string, limit int, window time.Duration) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{
		client:  client,
		script:  redis.NewScript(fixedWindowScript),
		key:     key,
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// TryConsume counts one call against the current window.
func (l *RedisLimiter) TryConsume() bool {
	if l == nil || l.client == nil {
		return true
	}
	if l.key == "" || l.limit <= 0 || l.window <= 0 {
		return true
	}
	ttl := l.window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	allowed, err := l.script.Run(ctx, l.client, []string{l.key}, ttl, l.limit).Int64()
	if err != nil {
		return true
	}
	return allowed == 1
}

// AvailableTokens reports calls left in the current window; limit when unknown.
func (l *RedisLimiter) AvailableTokens() int {
	if l == nil || l.client == nil {
		return math.MaxInt32
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	raw, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		return l.limit
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return l.limit
	}
	if used >= l.limit {
		return 0
	}
	return l.limit - used
}

// Chain consults limiters in order and allows a call only when all of them do.
// A later limiter is not charged when an earlier one refuses.
type Chain []RateLimiter

func (c Chain) TryConsume() bool {
	for _, l := range c {
		if l != nil && !l.TryConsume() {
			return false
		}
	}
	return true
}

func (c Chain) AvailableTokens() int {
	lowest := math.MaxInt32
	for _, l := range c {
		if l == nil {
			continue
		}
		if n := l.AvailableTokens(); n < lowest {
			lowest = n
		}
	}
	return lowest
}
