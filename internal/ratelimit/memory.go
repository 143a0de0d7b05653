package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var _ RateLimiter = (*MemoryLimiter)(nil)

// budget is the counter state of one (channel, tenant) pair.
type budget struct {
	secondStart time.Time
	secondCount int64
	dayStart    time.Time
	dayCount    int64
}

// MemoryLimiter is an in-process arena of per-key budgets. Instances are
// independent, so tests can create one per case.
type MemoryLimiter struct {
	mu      sync.Mutex
	limits  ChannelLimits
	budgets map[string]*budget
	now     func() time.Time
}

func NewMemoryLimiter(limits ChannelLimits) *MemoryLimiter {
	return newMemoryLimiter(limits, time.Now)
}

// NewMemoryLimiterWithClock is NewMemoryLimiter with an injected clock.
func NewMemoryLimiterWithClock(limits ChannelLimits, now func() time.Time) *MemoryLimiter {
	return newMemoryLimiter(limits, now)
}

func newMemoryLimiter(limits ChannelLimits, nowFn func() time.Time) *MemoryLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryLimiter{
		limits:  limits,
		budgets: make(map[string]*budget),
		now:     nowFn,
	}
}

func (m *MemoryLimiter) Admit(_ context.Context, channel string, tenant string) (Admission, error) {
	normalizedChannel := strings.ToLower(strings.TrimSpace(channel))
	if normalizedChannel == "" {
		return Admission{}, fmt.Errorf("channel is required")
	}

	limits := m.limits.For(normalizedChannel)
	if limits.Unlimited() {
		return Admission{Allowed: true}, nil
	}

	key := normalizedChannel + ":" + strings.TrimSpace(tenant)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	b, ok := m.budgets[key]
	if !ok {
		b = &budget{}
		m.budgets[key] = b
	}

	second := now.Truncate(time.Second)
	if !b.secondStart.Equal(second) {
		b.secondStart = second
		b.secondCount = 0
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !b.dayStart.Equal(day) {
		b.dayStart = day
		b.dayCount = 0
	}

	if limits.PerDay > 0 && b.dayCount >= limits.PerDay {
		return Admission{RetryAfter: UntilNextDay(now)}, nil
	}
	if limits.PerSecond > 0 && b.secondCount >= limits.PerSecond {
		return Admission{RetryAfter: UntilNextSecond(now)}, nil
	}

	b.secondCount++
	b.dayCount++
	return Admission{Allowed: true}, nil
}
