package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/network"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
)

func names(adapters []Adapter) []string {
	out := make([]string, len(adapters))
	for i, a := range adapters {
		out[i] = a.Name()
	}
	return out
}

func TestBuildKeepsDeclarationOrder(t *testing.T) {
	settings := map[string]Settings{
		"abusefeed":     {Enabled: true, BaseURL: "https://feed.example"},
		"phonemeta":     {Enabled: true},
		"carrierlookup": {Enabled: true, APIKey: "k", Quota: 100, Window: "month"},
		"rdap":          {Enabled: false},
		"dns":           {Enabled: true},
		"explorer":      {Enabled: true, Timeout: 5 * time.Second},
	}
	limits, err := Limits(settings)
	require.NoError(t, err)
	limiter := ratelimit.New(limits, zap.NewNop())

	reg, err := Build(settings, Deps{HTTP: network.NewClient(nil), Resolver: &fakeResolver{}}, limiter, quickRetry, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"phonemeta", "carrierlookup", "abusefeed"}, names(reg.For(schemas.EntityPhone)))
	assert.Equal(t, []string{"dns", "abusefeed"}, names(reg.For(schemas.EntityDomain)))
	assert.Equal(t, []string{"explorer", "abusefeed"}, names(reg.For(schemas.EntityWallet)))
	assert.Empty(t, reg.For(schemas.EntityHandle))
	assert.Len(t, reg.All(), 5)

	for _, a := range reg.All() {
		_, guarded := a.(*Guard)
		assert.True(t, guarded, "%s is not wrapped in a guard", a.Name())
	}
}

func TestBuildRejectsBadSettings(t *testing.T) {
	deps := Deps{HTTP: network.NewClient(nil)}

	_, err := Build(map[string]Settings{"whois-xml": {Enabled: true}}, deps, nil, quickRetry, nil)
	assert.ErrorContains(t, err, "unknown provider")

	_, err = Build(map[string]Settings{"phonerisk": {Enabled: true}}, deps, nil, quickRetry, nil)
	assert.ErrorContains(t, err, "api_key")

	_, err = Build(map[string]Settings{"messenger": {Enabled: true}}, deps, nil, quickRetry, nil)
	assert.ErrorContains(t, err, "base_url")

	_, err = Limits(map[string]Settings{"dns": {Window: "fortnight"}})
	assert.Error(t, err)
}

func TestNamesListsEveryBuiltin(t *testing.T) {
	assert.Equal(t, []string{
		"phonemeta", "carrierlookup", "phonerisk", "dns", "rdap",
		"ipgeo", "webfingerprint", "explorer", "messenger", "abusefeed",
	}, Names())
}
