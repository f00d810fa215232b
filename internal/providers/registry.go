package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

// Deps are the shared collaborators adapters are built from.
type Deps struct {
	HTTP       schemas.HTTPClient
	Resolver   Resolver
	Normalizer *normalize.Normalizer
}

type factory func(s Settings, d Deps) (Adapter, error)

func requireKey(s Settings) error {
	if s.APIKey == "" {
		return fmt.Errorf("provider %s: api_key is required", s.Name)
	}
	return nil
}

func requireURL(s Settings) error {
	if s.BaseURL == "" {
		return fmt.Errorf("provider %s: base_url is required", s.Name)
	}
	return nil
}

// builtin is the declaration order. Fragments for one entity are merged in
// this order, so later adapters win on conflicting scalars.
var builtin = []struct {
	name  string
	build factory
}{
	{"phonemeta", func(Settings, Deps) (Adapter, error) { return NewPhoneMeta(), nil }},
	{"carrierlookup", func(s Settings, d Deps) (Adapter, error) {
		if err := requireKey(s); err != nil {
			return nil, err
		}
		return NewCarrierLookup(d.HTTP, s), nil
	}},
	{"phonerisk", func(s Settings, d Deps) (Adapter, error) {
		if err := requireKey(s); err != nil {
			return nil, err
		}
		return NewPhoneRisk(d.HTTP, s), nil
	}},
	{"dns", func(_ Settings, d Deps) (Adapter, error) { return NewDNS(d.Resolver), nil }},
	{"rdap", func(s Settings, d Deps) (Adapter, error) { return NewRDAP(d.HTTP, s), nil }},
	{"ipgeo", func(s Settings, d Deps) (Adapter, error) { return NewIPGeo(d.HTTP, d.Resolver, s), nil }},
	{"webfingerprint", func(s Settings, d Deps) (Adapter, error) { return NewWebFingerprint(d.HTTP, s), nil }},
	{"explorer", func(s Settings, d Deps) (Adapter, error) { return NewExplorer(d.HTTP, s), nil }},
	{"messenger", func(s Settings, d Deps) (Adapter, error) {
		if err := requireURL(s); err != nil {
			return nil, err
		}
		return NewMessenger(d.HTTP, d.Normalizer, s), nil
	}},
	{"abusefeed", func(s Settings, d Deps) (Adapter, error) {
		if err := requireURL(s); err != nil {
			return nil, err
		}
		return NewAbuseFeed(d.HTTP, s), nil
	}},
}

// Names lists every built-in adapter in declaration order.
func Names() []string {
	out := make([]string, len(builtin))
	for i, b := range builtin {
		out[i] = b.name
	}
	return out
}

// Registry is an ordered, immutable set of adapters.
type Registry struct {
	adapters []Adapter
}

// NewRegistry keeps adapters in the order given.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: append([]Adapter(nil), adapters...)}
}

// For returns the adapters that handle t, in declaration order.
func (r *Registry) For(t schemas.EntityType) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if Supports(a, t) {
			out = append(out, a)
		}
	}
	return out
}

// All returns every adapter.
func (r *Registry) All() []Adapter {
	return append([]Adapter(nil), r.adapters...)
}

// Limits extracts the rate limiter configuration from settings.
func Limits(settings map[string]Settings) (map[string]ratelimit.Limit, error) {
	out := make(map[string]ratelimit.Limit, len(settings))
	for name, s := range settings {
		w, err := ratelimit.ParseWindow(s.Window)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[name] = ratelimit.Limit{Quota: s.Quota, Window: w, MinInterval: s.MinInterval}
	}
	return out, nil
}

// Build instantiates every enabled built-in adapter, each wrapped in a Guard,
// in declaration order. Unknown names in settings are rejected.
func Build(settings map[string]Settings, deps Deps, limiter *ratelimit.Limiter, policy retry.Policy, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(builtin))
	for _, b := range builtin {
		known[b.name] = true
	}
	for name := range settings {
		if !known[name] {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	var adapters []Adapter
	for _, b := range builtin {
		s, ok := settings[b.name]
		if !ok || !s.Enabled {
			continue
		}
		s.Name = b.name
		a, err := b.build(s, deps)
		if err != nil {
			return nil, err
		}
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		adapters = append(adapters, NewGuard(a, limiter, policy, timeout, logger.Named("provider")))
	}

	logger.Info("Provider adapters registered", zap.Int("count", len(adapters)))
	return NewRegistry(adapters...), nil
}
