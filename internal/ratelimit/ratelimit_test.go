package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limits map[string]Limit, start time.Time) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: start}
	return New(limits, zap.NewNop(), WithClock(clock.Now)), clock
}

func TestQuotaEnforcement(t *testing.T) {
	start := time.Date(2024, time.March, 10, 12, 0, 30, 0, time.UTC)
	l, clock := newTestLimiter(map[string]Limit{"numverify": {Quota: 3, Window: WindowMinute}}, start)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("numverify"), "call %d should be allowed", i)
		l.Record("numverify")
	}
	assert.False(t, l.Allow("numverify"))
	left, limited := l.Remaining("numverify")
	assert.True(t, limited)
	assert.Equal(t, 0, left)

	clock.Advance(20 * time.Second)
	assert.False(t, l.Allow("numverify"), "still in the same minute")

	clock.Advance(15 * time.Second)
	assert.True(t, l.Allow("numverify"), "a new minute resets the counter")
	left, _ = l.Remaining("numverify")
	assert.Equal(t, 3, left)
}

func TestCalendarMonthWindow(t *testing.T) {
	start := time.Date(2024, time.January, 31, 23, 59, 0, 0, time.UTC)
	l, clock := newTestLimiter(map[string]Limit{"rdap": {Quota: 1, Window: WindowMonth}}, start)

	l.Record("rdap")
	assert.False(t, l.Allow("rdap"))

	clock.Advance(2 * time.Minute)
	assert.True(t, l.Allow("rdap"), "February starts a new window")
}

func TestUnknownAndUnlimitedProviders(t *testing.T) {
	l, _ := newTestLimiter(map[string]Limit{"dns": {Quota: 0}}, time.Now())

	for _, name := range []string{"dns", "not-configured"} {
		for i := 0; i < 100; i++ {
			l.Record(name)
		}
		assert.True(t, l.Allow(name))
		_, limited := l.Remaining(name)
		assert.False(t, limited)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(map[string]Limit{"ipinfo": {Quota: 1, Window: WindowDay}}, time.Now())
	l.Record("ipinfo")
	require.False(t, l.Allow("ipinfo"))
	l.Reset("ipinfo")
	assert.True(t, l.Allow("ipinfo"))
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	l, _ := newTestLimiter(map[string]Limit{
		"a": {Quota: 1000, Window: WindowHour},
		"b": {Quota: 1000, Window: WindowHour},
	}, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "a"
			if i%2 == 1 {
				name = "b"
			}
			for j := 0; j < 10; j++ {
				l.Allow(name)
				l.Record(name)
			}
		}(i)
	}
	wg.Wait()

	left, _ := l.Remaining("a")
	assert.Equal(t, 750, left)
	left, _ = l.Remaining("b")
	assert.Equal(t, 750, left)
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(map[string]Limit{"crawl": {MinInterval: time.Hour}}, nil)

	require.NoError(t, l.Wait(context.Background(), "crawl"), "first token is available immediately")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "crawl"))

	assert.NoError(t, l.Wait(context.Background(), "unpaced"))
}

func TestParseWindow(t *testing.T) {
	for in, want := range map[string]Window{"minute": WindowMinute, " Hour ": WindowHour, "DAY": WindowDay, "": WindowMonth} {
		got, err := ParseWindow(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseWindow("fortnight")
	assert.Error(t, err)
}
