// Package ratelimit tracks per-provider call quotas over fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Window is the length of a fixed quota window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowMonth  Window = "month" // calendar month, UTC
)

// ParseWindow accepts the config spelling of a window.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case WindowMinute, WindowHour, WindowDay, WindowMonth:
		return w, nil
	case "":
		return WindowMonth, nil
	}
	return "", fmt.Errorf("unknown rate limit window %q", s)
}

// start returns the beginning of the window that contains t.
func (w Window) start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return t.Truncate(time.Minute)
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Limit configures one provider. A Quota of zero or less means unlimited.
// MinInterval, when positive, paces calls through Wait.
type Limit struct {
	Quota       int
	Window      Window
	MinInterval time.Duration
}

type bucket struct {
	mu    sync.Mutex
	limit Limit
	start time.Time
	count int
	pacer *rate.Limiter
}

// roll resets the counter when now has left the current window. Caller holds mu.
func (b *bucket) roll(now time.Time) {
	start := b.limit.Window.start(now)
	if !start.Equal(b.start) {
		b.start = start
		b.count = 0
	}
}

// Limiter holds one bucket per configured provider. The bucket map is built
// once and never mutated afterwards, so only the per-bucket mutex is taken on
// the hot path.
type Limiter struct {
	buckets map[string]*bucket
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter for the given providers.
func New(limits map[string]Limit, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		buckets: make(map[string]*bucket, len(limits)),
		now:     time.Now,
		logger:  logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	for name, lim := range limits {
		if lim.Window == "" {
			lim.Window = WindowMonth
		}
		b := &bucket{limit: lim}
		if lim.MinInterval > 0 {
			b.pacer = rate.NewLimiter(rate.Every(lim.MinInterval), 1)
		}
		l.buckets[name] = b
	}
	return l
}

// Allow reports whether provider may be called now. Providers without a
// bucket or without a quota are always allowed.
func (l *Limiter) Allow(provider string) bool {
	b, ok := l.buckets[provider]
	if !ok || b.limit.Quota <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(l.now())
	allowed := b.count < b.limit.Quota
	if !allowed {
		l.logger.Debug("Quota exhausted.",
			zap.String("provider", provider),
			zap.Int("quota", b.limit.Quota),
			zap.String("window", string(b.limit.Window)))
	}
	return allowed
}

// Record counts one successful call against the provider's quota.
func (l *Limiter) Record(provider string) {
	b, ok := l.buckets[provider]
	if !ok || b.limit.Quota <= 0 {
		return
	}
	b.mu.Lock()
	b.roll(l.now())
	b.count++
	b.mu.Unlock()
}

// Remaining returns the calls left in the current window. The boolean is
// false for unknown or unlimited providers.
func (l *Limiter) Remaining(provider string) (int, bool) {
	b, ok := l.buckets[provider]
	if !ok || b.limit.Quota <= 0 {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(l.now())
	left := b.limit.Quota - b.count
	if left < 0 {
		left = 0
	}
	return left, true
}

// Reset clears the provider's counter for the current window.
func (l *Limiter) Reset(provider string) {
	b, ok := l.buckets[provider]
	if !ok {
		return
	}
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
}

// Wait blocks until the provider's pacing interval allows another call or
// ctx is done. It does not consult the quota.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	b, ok := l.buckets[provider]
	if !ok || b.pacer == nil {
		return nil
	}
	return b.pacer.Wait(ctx)
}
