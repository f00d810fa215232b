package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

const defaultShards = 16

type entry struct {
	record   *schemas.EntityRecord
	storedAt time.Time
	expireAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Memory is a sharded in-process cache. Each shard has its own lock so
// unrelated keys never contend. A janitor goroutine drops entries whose
// Set-time ttl has passed; Get additionally enforces the caller's ttl.
type Memory struct {
	shards []*shard
	now    func() time.Time
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithMemoryClock replaces time.Now, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithShards overrides the shard count.
func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shards = newShards(n)
		}
	}
}

func newShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{entries: make(map[string]entry)}
	}
	return s
}

// NewMemory starts a memory cache. A positive janitorInterval starts the
// background sweeper; Close stops it.
func NewMemory(logger *zap.Logger, janitorInterval time.Duration, opts ...MemoryOption) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		shards: newShards(defaultShards),
		now:    time.Now,
		logger: logger.Named("cache.memory"),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if janitorInterval > 0 {
		m.wg.Add(1)
		go m.janitor(janitorInterval)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns a copy of the cached record when it is younger than ttl.
func (m *Memory) Get(_ context.Context, t schemas.EntityType, value string, ttl time.Duration) (*schemas.EntityRecord, bool) {
	key := Key(t, value)
	s := m.shardFor(key)
	now := m.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if expired(e.storedAt, now, ttl) {
		s.mu.Lock()
		// Only evict the entry we judged stale; a concurrent Set may have replaced it.
		if cur, still := s.entries[key]; still && cur.storedAt.Equal(e.storedAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.record.Clone(), true
}

// Set stores a copy of record. ttl bounds how long the janitor keeps it.
func (m *Memory) Set(_ context.Context, t schemas.EntityType, value string, record *schemas.EntityRecord, ttl time.Duration) {
	if record == nil {
		return
	}
	key := Key(t, value)
	now := m.now()
	e := entry{record: record.Clone(), storedAt: now}
	if ttl > 0 {
		e.expireAt = now.Add(ttl)
	}

	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Stats reports hit and miss counters and the current entry count.
func (m *Memory) Stats() Stats {
	var size int64
	for _, s := range m.shards {
		s.mu.RLock()
		size += int64(len(s.entries))
		s.mu.RUnlock()
	}
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Size: size}
}

// Sweep removes every entry whose Set-time ttl has passed and returns how many
// were dropped.
func (m *Memory) Sweep() int {
	now := m.now()
	dropped := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !e.expireAt.IsZero() && now.After(e.expireAt) {
				delete(s.entries, k)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

func (m *Memory) janitor(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("Evicted expired cache entries.", zap.Int("count", n))
			}
		}
	}
}

// Close stops the janitor. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
	return nil
}
