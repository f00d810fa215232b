package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// KeyPrefix namespaces every key written by the redis backend.
const KeyPrefix = "tracer:enrich:"

type payload struct {
	StoredAt time.Time             `json:"stored_at"`
	Record   *schemas.EntityRecord `json:"record"`
}

// Redis stores records as JSON with the time they were written. Server-side
// expiry is the larger of the Set ttl and maxTTL, so a later Get with a longer
// ttl can still see the entry.
type Redis struct {
	client redis.UniversalClient
	maxTTL time.Duration
	now    func() time.Time
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// NewRedis wraps an existing client. The cache owns the client and closes it.
func NewRedis(client redis.UniversalClient, maxTTL time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		maxTTL: maxTTL,
		now:    time.Now,
		logger: logger.Named("cache.redis"),
	}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, maxTTL time.Duration, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &schemas.StoreConnectionError{Store: "redis", Op: "ping", Err: err}
	}
	return NewRedis(client, maxTTL, logger), nil
}

func redisKey(t schemas.EntityType, value string) string {
	return KeyPrefix + Key(t, value)
}

// Get reads and decodes the entry. Backend errors are logged and reported as
// misses; the cache never fails an enrichment.
func (r *Redis) Get(ctx context.Context, t schemas.EntityType, value string, ttl time.Duration) (*schemas.EntityRecord, bool) {
	key := redisKey(t, value)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Cache read failed.", zap.String("key", key), zap.Error(err))
		}
		r.misses.Add(1)
		return nil, false
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.Record == nil {
		r.logger.Warn("Discarding undecodable cache entry.", zap.String("key", key), zap.Error(err))
		r.evict(ctx, key)
		r.misses.Add(1)
		return nil, false
	}
	if expired(p.StoredAt, r.now(), ttl) {
		r.evict(ctx, key)
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return p.Record, true
}

func (r *Redis) evict(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Debug("Cache eviction failed.", zap.String("key", key), zap.Error(err))
	}
}

// Set writes the record with its storage timestamp.
func (r *Redis) Set(ctx context.Context, t schemas.EntityType, value string, record *schemas.EntityRecord, ttl time.Duration) {
	if record == nil {
		return
	}
	key := redisKey(t, value)
	raw, err := json.Marshal(payload{StoredAt: r.now().UTC(), Record: record})
	if err != nil {
		r.logger.Error("Failed to encode cache entry.", zap.String("key", key), zap.Error(err))
		return
	}
	expiry := ttl
	if r.maxTTL > expiry {
		expiry = r.maxTTL
	}
	if err := r.client.Set(ctx, key, raw, expiry).Err(); err != nil {
		r.logger.Warn("Cache write failed.", zap.String("key", key), zap.Error(err))
		return
	}
	r.writes.Add(1)
}

// Stats reports this handle's counters. Size is the number of successful
// writes made through this handle, not the server's key count.
func (r *Redis) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Size: r.writes.Load()}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
