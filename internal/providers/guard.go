package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

// DefaultTimeout bounds a single adapter attempt when none is configured.
const DefaultTimeout = 15 * time.Second

// Guard decorates an adapter with the quota check, pacing, retries and a
// per-attempt timeout. It also turns panics and stray errors into soft
// provider errors so nothing raw reaches the pipeline.
type Guard struct {
	inner   Adapter
	limiter *ratelimit.Limiter
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuard wraps inner. A nil limiter disables quota tracking.
func NewGuard(inner Adapter, limiter *ratelimit.Limiter, policy retry.Policy, timeout time.Duration, logger *zap.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		inner:   inner,
		limiter: limiter,
		policy:  policy,
		timeout: timeout,
		logger:  logger.With(zap.String("provider", inner.Name())),
	}
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) Types() []schemas.EntityType { return g.inner.Types() }

// Unwrap returns the decorated adapter.
func (g *Guard) Unwrap() Adapter { return g.inner }

// Enrich checks the quota immediately before the call and records usage only
// after a successful one. A denied check returns a *schemas.QuotaError and
// makes no call at all.
func (g *Guard) Enrich(ctx context.Context, value string) (attrs schemas.Attributes, err error) {
	name := g.inner.Name()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Adapter panicked.", zap.Any("panic", r))
			attrs = schemas.Attributes{}
			err = &schemas.ProviderError{Provider: name, Err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()

	if g.limiter != nil {
		if !g.limiter.Allow(name) {
			return schemas.Attributes{}, &schemas.QuotaError{Provider: name}
		}
		if err := g.limiter.Wait(ctx, name); err != nil {
			return schemas.Attributes{}, &schemas.ProviderError{Provider: name, Err: err}
		}
	}

	start := time.Now()
	attrs, err = retry.DoValue(ctx, g.policy, func(ctx context.Context) (schemas.Attributes, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.Enrich(attemptCtx, value)
	})
	if err != nil {
		g.logger.Debug("Adapter failed.", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return schemas.Attributes{}, soft(name, err)
	}

	if g.limiter != nil {
		g.limiter.Record(name)
	}
	return attrs, nil
}
