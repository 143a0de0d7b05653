package ratelimit

import (
	"context"
	"time"
)

// Admission is the limiter's decision for one send attempt.
type Admission struct {
	Allowed bool
	// RetryAfter hints how long a denied caller should wait before asking again.
	RetryAfter time.Duration
}

// RateLimiter gates sends per (channel, tenant). A denial is not an error and
// does not consume budget.
type RateLimiter interface {
	Admit(ctx context.Context, channel string, tenant string) (Admission, error)
}

// Limits are the ceilings for one channel. Zero means unlimited.
type Limits struct {
	PerSecond int64
	PerDay    int64
}

// Unlimited reports whether no ceiling applies.
func (l Limits) Unlimited() bool {
	return l.PerSecond <= 0 && l.PerDay <= 0
}

// ChannelLimits maps a normalized channel name to its ceilings.
type ChannelLimits map[string]Limits

// For returns the ceilings for a channel; unknown channels are unlimited.
func (c ChannelLimits) For(channel string) Limits {
	if c == nil {
		return Limits{}
	}
	return c[channel]
}

// UntilNextSecond returns the time left in the current one-second window.
func UntilNextSecond(now time.Time) time.Duration {
	return now.Truncate(time.Second).Add(time.Second).Sub(now)
}

// UntilNextDay returns the time left until the next UTC midnight.
func UntilNextDay(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(u)
}
