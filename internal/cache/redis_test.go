package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

func newRedisForTest(t *testing.T, now time.Time) (*Redis, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	r := NewRedis(client, 24*time.Hour, zap.NewNop())
	r.now = func() time.Time { return now }
	t.Cleanup(func() { _ = r.Close() })
	return r, mock
}

func encodedPayload(t *testing.T, storedAt time.Time, rec *schemas.EntityRecord) []byte {
	t.Helper()
	raw, err := json.Marshal(payload{StoredAt: storedAt.UTC(), Record: rec})
	require.NoError(t, err)
	return raw
}

func TestRedisSetUsesPrefixedKeyAndMaxTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r, mock := newRedisForTest(t, now)
	rec := sampleRecord()

	mock.ExpectSet("tracer:enrich:phone:+14155550100", encodedPayload(t, now, rec), 24*time.Hour).SetVal("OK")

	r.Set(context.Background(), schemas.EntityPhone, "+14155550100", rec, time.Hour)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), r.Stats().Size)
}

func TestRedisGetHit(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r, mock := newRedisForTest(t, now)

	mock.ExpectGet("tracer:enrich:phone:+14155550100").
		SetVal(string(encodedPayload(t, now.Add(-10*time.Minute), sampleRecord())))

	got, ok := r.Get(context.Background(), schemas.EntityPhone, "+14155550100", time.Hour)
	require.True(t, ok)
	assert.Equal(t, "+14155550100", got.CanonicalValue)
	assert.Equal(t, "US", *got.Attributes.Phone.Country)
	assert.Equal(t, int64(1), r.Stats().Hits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisGetStaleEntryIsEvicted(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r, mock := newRedisForTest(t, now)
	key := "tracer:enrich:domain:example.com"

	mock.ExpectGet(key).SetVal(string(encodedPayload(t, now.Add(-2*time.Hour), sampleRecord())))
	mock.ExpectDel(key).SetVal(1)

	_, ok := r.Get(context.Background(), schemas.EntityDomain, "example.com", time.Hour)
	assert.False(t, ok)
	assert.Equal(t, int64(1), r.Stats().Misses)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMissAndBackendErrors(t *testing.T) {
	r, mock := newRedisForTest(t, time.Now())
	key := "tracer:enrich:wallet:0xabc"

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.ExpectGet(key).SetVal("{not json")
	mock.ExpectDel(key).SetVal(1)

	for i := 0; i < 3; i++ {
		_, ok := r.Get(context.Background(), schemas.EntityWallet, "0xabc", time.Hour)
		assert.False(t, ok)
	}
	assert.Equal(t, int64(3), r.Stats().Misses)
	require.NoError(t, mock.ExpectationsWereMet())
}
