// Package cache holds enrichment results keyed by entity type and canonical value.
package cache

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stats are cumulative counters of one cache handle.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int64 `json:"size"`
}

// Cache is the enrichment cache. The ttl passed to Get is authoritative: an
// entry stored longer ago than ttl is a miss and is evicted. Records are
// copied in and out, so callers may mutate what they get back.
type Cache interface {
	Get(ctx context.Context, t schemas.EntityType, value string, ttl time.Duration) (*schemas.EntityRecord, bool)
	Set(ctx context.Context, t schemas.EntityType, value string, record *schemas.EntityRecord, ttl time.Duration)
	Stats() Stats
	Close() error
}

// Key builds the cache key. value must already be canonical.
func Key(t schemas.EntityType, value string) string {
	return string(t) + ":" + value
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, schemas.EntityType, string, time.Duration) (*schemas.EntityRecord, bool) {
	return nil, false
}

func (Nop) Set(context.Context, schemas.EntityType, string, *schemas.EntityRecord, time.Duration) {}

func (Nop) Stats() Stats { return Stats{} }

func (Nop) Close() error { return nil }

// expired reports whether an entry stored at storedAt is older than ttl at now.
// A non-positive ttl never expires.
func expired(storedAt, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(storedAt) > ttl
}
