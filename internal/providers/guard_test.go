package providers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

// stubAdapter is a scriptable adapter for guard and pipeline tests.
type stubAdapter struct {
	name  string
	types []schemas.EntityType
	calls atomic.Int32
	fn    func(ctx context.Context, value string, call int) (schemas.Attributes, error)
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Types() []schemas.EntityType { return s.types }

func (s *stubAdapter) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	n := int(s.calls.Add(1))
	return s.fn(ctx, value, n)
}

func phoneFragment(country string) schemas.Attributes {
	return schemas.Attributes{Phone: &schemas.PhoneAttributes{Country: schemas.Ptr(country)}}
}

var quickRetry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2}

func TestGuardQuotaStopsCalls(t *testing.T) {
	stub := &stubAdapter{name: "carrierlookup", types: []schemas.EntityType{schemas.EntityPhone},
		fn: func(context.Context, string, int) (schemas.Attributes, error) { return phoneFragment("US"), nil }}
	limiter := ratelimit.New(map[string]ratelimit.Limit{"carrierlookup": {Quota: 2, Window: ratelimit.WindowMonth}}, zap.NewNop())
	g := NewGuard(stub, limiter, quickRetry, time.Second, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := g.Enrich(context.Background(), "+14155550100")
		require.NoError(t, err)
	}

	_, err := g.Enrich(context.Background(), "+14155550100")
	var quotaErr *schemas.QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.ErrorIs(t, err, schemas.ErrQuotaExhausted)
	assert.Equal(t, int32(2), stub.calls.Load(), "no call fires once the quota is used up")
}

func TestGuardRecordsOnlySuccessfulCalls(t *testing.T) {
	stub := &stubAdapter{name: "rdap", types: []schemas.EntityType{schemas.EntityDomain},
		fn: func(context.Context, string, int) (schemas.Attributes, error) {
			return schemas.Attributes{}, &schemas.ProviderError{Provider: "rdap", StatusCode: 404, Err: errNoData}
		}}
	limiter := ratelimit.New(map[string]ratelimit.Limit{"rdap": {Quota: 5}}, nil)
	g := NewGuard(stub, limiter, quickRetry, time.Second, nil)

	_, err := g.Enrich(context.Background(), "example.com")
	require.Error(t, err)
	left, _ := limiter.Remaining("rdap")
	assert.Equal(t, 5, left)
	assert.Equal(t, int32(1), stub.calls.Load(), "404 is terminal")
}

func TestGuardRetriesTransientFailures(t *testing.T) {
	stub := &stubAdapter{name: "ipgeo", types: []schemas.EntityType{schemas.EntityDomain},
		fn: func(_ context.Context, _ string, call int) (schemas.Attributes, error) {
			if call < 3 {
				return schemas.Attributes{}, &schemas.ProviderError{Provider: "ipgeo", StatusCode: 503, Err: errors.New("busy")}
			}
			return schemas.Attributes{Domain: &schemas.DomainAttributes{Country: schemas.Ptr("DE")}}, nil
		}}
	g := NewGuard(stub, nil, quickRetry, time.Second, nil)

	attrs, err := g.Enrich(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "DE", *attrs.Domain.Country)
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestGuardTimeoutBecomesSoftFailure(t *testing.T) {
	stub := &stubAdapter{name: "slow", types: []schemas.EntityType{schemas.EntityDomain},
		fn: func(ctx context.Context, _ string, _ int) (schemas.Attributes, error) {
			<-ctx.Done()
			return schemas.Attributes{}, ctx.Err()
		}}
	g := NewGuard(stub, nil, retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := g.Enrich(context.Background(), "example.com")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, schemas.ErrProviderUnavailable)

	detail := schemas.NewErrorDetail("enriching", "slow", err)
	assert.Equal(t, schemas.KindProvider, detail.Kind)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestGuardRecoversPanics(t *testing.T) {
	stub := &stubAdapter{name: "buggy", types: []schemas.EntityType{schemas.EntityWallet},
		fn: func(context.Context, string, int) (schemas.Attributes, error) { panic("nil map") }}
	g := NewGuard(stub, nil, quickRetry, time.Second, nil)

	attrs, err := g.Enrich(context.Background(), "0xabc")
	var provErr *schemas.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "buggy", provErr.Provider)
	assert.True(t, attrs.IsEmpty())
}

func TestGuardWrapsPlainErrors(t *testing.T) {
	stub := &stubAdapter{name: "plain", types: []schemas.EntityType{schemas.EntityHandle},
		fn: func(context.Context, string, int) (schemas.Attributes, error) {
			return schemas.Attributes{}, errors.New("boom")
		}}
	g := NewGuard(stub, nil, quickRetry, time.Second, nil)

	_, err := g.Enrich(context.Background(), "someone")
	var provErr *schemas.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "plain", provErr.Provider)
	assert.Equal(t, int32(1), stub.calls.Load())
	assert.Equal(t, "plain", g.Name())
	assert.Same(t, Adapter(stub), g.Unwrap())
}
