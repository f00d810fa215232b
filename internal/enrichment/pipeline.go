// File: internal/enrichment/pipeline.go
package enrichment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/cache"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
	"github.com/xkilldash9x/osint-tracer/internal/providers"
)

// State is the position of one entity in the enrichment state machine.
type State string

const (
	StateValidating  State = "validating"
	StateCacheCheck  State = "cache_check"
	StateEnriching   State = "enriching"
	StateRiskScoring State = "risk_scoring"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Status is the per-entity outcome reported to callers.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// DefaultCacheTTL applies when the pipeline is built without WithCacheTTL.
const DefaultCacheTTL = 24 * time.Hour

// Result is what callers get for one entity. It never carries a raw error.
type Result struct {
	Type           schemas.EntityType    `json:"entity_type"`
	Input          string                `json:"input"`
	CanonicalValue string                `json:"canonical_value,omitempty"`
	Status         Status                `json:"status"`
	State          State                 `json:"state"`
	Enriched       bool                  `json:"enriched"`
	FromCache      bool                  `json:"from_cache"`
	Data           *schemas.EntityRecord `json:"data,omitempty"`
	Errors         []schemas.ErrorDetail `json:"errors"`
}

// Ref is the identity of the entity; empty when validation failed.
func (r Result) Ref() schemas.EntityRef {
	return schemas.EntityRef{Type: r.Type, Value: r.CanonicalValue}
}

// Done reports whether the entity reached the successful terminal state.
func (r Result) Done() bool { return r.State == StateDone }

// AdapterSource hands out the adapters for an entity type in merge order.
type AdapterSource interface {
	For(t schemas.EntityType) []providers.Adapter
}

// Pipeline runs one entity through Validating, CacheCheck, Enriching and
// RiskScoring. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	normalizer *normalize.Normalizer
	adapters   AdapterSource
	cache      cache.Cache
	scorer     Scorer
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCacheTTL sets the freshness window for cache hits.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.ttl = ttl }
}

// WithNormalizer overrides the default-region normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires a pipeline. A nil cache disables caching and a nil scorer
// leaves every entity at threat level "unknown".
func NewPipeline(adapters AdapterSource, c cache.Cache, scorer Scorer, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = cache.Nop{}
	}
	p := &Pipeline{
		normalizer: normalize.New(""),
		adapters:   adapters,
		cache:      c,
		scorer:     scorer,
		ttl:        DefaultCacheTTL,
		now:        time.Now,
		logger:     logger.Named("enrichment_pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enrich drives one raw value to Done or Failed.
func (p *Pipeline) Enrich(ctx context.Context, t schemas.EntityType, raw string) (res Result) {
	res = Result{Type: t, Input: raw, State: StateValidating, Errors: []schemas.ErrorDetail{}}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Enrichment panicked.", zap.String("entity_type", string(t)), zap.Any("panic", r))
			res.Errors = append(res.Errors, schemas.ErrorDetail{
				Stage:   string(res.State),
				Kind:    schemas.KindInternal,
				Message: fmt.Sprintf("internal error: %v", r),
			})
			res.fail()
		}
	}()

	// -- Validating --
	canonical, err := p.normalizer.Normalize(t, raw)
	if err != nil {
		res.Errors = append(res.Errors, schemas.NewErrorDetail(string(StateValidating), "", err))
		res.fail()
		return res
	}
	res.CanonicalValue = canonical
	logger := p.logger.With(zap.String("entity", res.Ref().String()))

	// -- CacheCheck --
	res.State = StateCacheCheck
	if cached, ok := p.cache.Get(ctx, t, canonical, p.ttl); ok {
		cached.Attributes.RawInputs = appendRaw(cached.Attributes.RawInputs, raw)
		// A cache hit is still a re-reference.
		if now := p.now().UTC(); now.After(cached.LastSeen) {
			cached.LastSeen = now
		}
		logger.Debug("Cache hit.")
		res.Data = cached
		res.FromCache = true
		res.succeed()
		return res
	}

	// -- Enriching --
	res.State = StateEnriching
	now := p.now().UTC()
	record := &schemas.EntityRecord{
		Type:           t,
		CanonicalValue: canonical,
		Attributes:     p.localAttributes(t, raw, canonical),
		ThreatLevel:    schemas.ThreatUnknown,
		FirstSeen:      now,
		LastSeen:       now,
	}

	adapters := p.adapters.For(t)
	succeeded := 0
	for _, a := range adapters {
		fragment, err := a.Enrich(ctx, canonical)
		if err != nil {
			logger.Debug("Provider failed.", zap.String("provider", a.Name()), zap.Error(err))
			res.Errors = append(res.Errors, schemas.NewErrorDetail(string(StateEnriching), a.Name(), err))
			continue
		}
		succeeded++
		record.Attributes.Merge(fragment)
	}
	if len(adapters) > 0 && succeeded == 0 {
		logger.Info("Every provider failed; entity not enriched.", zap.Int("providers", len(adapters)))
		record.Errors = append([]schemas.ErrorDetail(nil), res.Errors...)
		res.Data = record
		res.fail()
		return res
	}

	// -- RiskScoring --
	res.State = StateRiskScoring
	if p.scorer != nil {
		assessment, err := p.scorer.Score(ctx, record)
		if err != nil {
			logger.Warn("Risk scoring failed, using defaults.", zap.Error(err))
			detail := schemas.NewErrorDetail(string(StateRiskScoring), "", err)
			detail.Kind = schemas.KindScoring
			res.Errors = append(res.Errors, detail)
			record.RiskScore = 0
			record.ThreatLevel = schemas.ThreatUnknown
		} else {
			record.RiskScore = assessment.Score
			record.ThreatLevel = assessment.Level
			record.RiskFactors = assessment.Factors
		}
	}
	record.Errors = append([]schemas.ErrorDetail(nil), res.Errors...)

	if succeeded > 0 {
		p.cache.Set(ctx, t, canonical, record, p.ttl)
	}
	res.Data = record
	res.succeed()
	logger.Debug("Entity enriched.",
		zap.Int("providers_ok", succeeded),
		zap.Int("providers_failed", len(adapters)-succeeded),
		zap.Int("risk_score", record.RiskScore))
	return res
}

// localAttributes are facts derived from the input itself, before any provider runs.
func (p *Pipeline) localAttributes(t schemas.EntityType, raw, canonical string) schemas.Attributes {
	attrs := schemas.Attributes{RawInputs: appendRaw(nil, raw)}
	switch t {
	case schemas.EntityHandle:
		if platform := normalize.HandlePlatform(raw); platform != "" {
			attrs.Handle = &schemas.HandleAttributes{Platform: schemas.Ptr(platform)}
		}
	case schemas.EntityWallet:
		if chain := normalize.WalletChain(canonical); chain != "" {
			attrs.Wallet = &schemas.WalletAttributes{Chain: schemas.Ptr(chain)}
		}
	}
	return attrs
}

func appendRaw(list []string, raw string) []string {
	raw = strings.TrimSpace(raw)
	for _, s := range list {
		if s == raw {
			return list
		}
	}
	return append(list, raw)
}

func (r *Result) fail() {
	r.State = StateFailed
	r.Status = StatusError
	r.Enriched = false
}

func (r *Result) succeed() {
	r.State = StateDone
	r.Status = StatusSuccess
	r.Enriched = true
}
