package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	admitOK           = 0
	admitDeniedSecond = 1
	admitDeniedDay    = 2
)

// admitScript checks both windows before touching either counter so a denial
// never consumes budget.
//
// KEYS[1] second window, KEYS[2] day window
// ARGV[1] per-second limit, ARGV[2] per-day limit, ARGV[3] day key ttl seconds
var admitScript = goredis.NewScript(`
local perSec = tonumber(ARGV[1])
local perDay = tonumber(ARGV[2])

if perDay > 0 then
  local day = tonumber(redis.call("GET", KEYS[2]) or "0")
  if day >= perDay then
    return 2
  end
end
if perSec > 0 then
  local sec = tonumber(redis.call("GET", KEYS[1]) or "0")
  if sec >= perSec then
    return 1
  end
end

if perSec > 0 then
  if redis.call("INCR", KEYS[1]) == 1 then
    redis.call("EXPIRE", KEYS[1], 2)
  end
end
if perDay > 0 then
  if redis.call("INCR", KEYS[2]) == 1 then
    redis.call("EXPIRE", KEYS[2], ARGV[3])
  end
end
return 0
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed per-second and per-day rate limiter keyed
// by (channel, tenant).
type RedisRateLimiter struct {
	client *goredis.Client
	limits ratelimit.ChannelLimits
	now    func() time.Time
	script *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, limits ratelimit.ChannelLimits) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, limits, time.Now)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limits ratelimit.ChannelLimits,
	nowFn func() time.Time,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisRateLimiter{
		client: client,
		limits: limits,
		now:    nowFn,
		script: admitScript,
	}, nil
}

func (r *RedisRateLimiter) Admit(ctx context.Context, channel string, tenant string) (ratelimit.Admission, error) {
	if r == nil || r.client == nil || r.script == nil {
		return ratelimit.Admission{}, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedChannel := strings.ToLower(strings.TrimSpace(channel))
	if normalizedChannel == "" {
		return ratelimit.Admission{}, fmt.Errorf("channel is required")
	}

	limits := r.limits.For(normalizedChannel)
	if limits.Unlimited() {
		return ratelimit.Admission{Allowed: true}, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now().UTC()
	tenantKey := strings.TrimSpace(tenant)
	secondKey := fmt.Sprintf("ratelimit:%s:%s:s:%d", normalizedChannel, tenantKey, now.Unix())
	dayKey := fmt.Sprintf("ratelimit:%s:%s:d:%s", normalizedChannel, tenantKey, now.Format("20060102"))
	dayTTL := int64(ratelimit.UntilNextDay(now)/time.Second) + 60

	result, err := r.script.Run(
		ctx,
		r.client,
		[]string{secondKey, dayKey},
		limits.PerSecond,
		limits.PerDay,
		dayTTL,
	).Int()
	if err != nil {
		return ratelimit.Admission{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	switch result {
	case admitOK:
		return ratelimit.Admission{Allowed: true}, nil
	case admitDeniedDay:
		return ratelimit.Admission{RetryAfter: ratelimit.UntilNextDay(now)}, nil
	case admitDeniedSecond:
		return ratelimit.Admission{RetryAfter: ratelimit.UntilNextSecond(now)}, nil
	default:
		return ratelimit.Admission{}, fmt.Errorf("unexpected rate limit result %d", result)
	}
}
