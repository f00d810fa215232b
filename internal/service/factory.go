// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/enrichment"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
	"github.com/xkilldash9x/osint-tracer/internal/providers"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
	"github.com/xkilldash9x/osint-tracer/internal/relationships"
	"github.com/xkilldash9x/osint-tracer/internal/tracer"
)

// ComponentFactory builds the components behind the trace and check commands.
// Commands depend on this interface so tests can substitute their own.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	resolver providers.Resolver
}

// NewComponentFactory creates a factory that resolves DNS with the system resolver.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{resolver: net.DefaultResolver}
}

// Create wires the whole engine. Without a database URL the tracer runs with
// no entity store: nothing is persisted relationally and history is empty.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Entity store (optional).
	var (
		entityStore schemas.EntityStore
		history     schemas.HistorySource
		cooccur     schemas.CooccurrenceSource
	)
	if cfg.Database().URL == "" {
		logger.Warn("No database configured; entities will not be persisted and history is unavailable.")
	} else {
		st, pool, err := InitializeStore(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.DBPool = pool
		components.Store = st
		entityStore, history, cooccur = st, st, st
		logger.Debug("Entity store initialized.")
	}

	// 2. Graph store.
	graph, err := InitializeGraph(ctx, cfg.Graph(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Graph = graph

	// 3. Enrichment cache.
	enrichCache, err := InitializeCache(ctx, cfg.Cache(), cfg.Engine().CacheTTL, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Cache = enrichCache
	logger.Debug("Enrichment cache initialized.", zap.String("backend", cfg.Cache().Backend))

	// 4. Rate limiter and adapters.
	settings := ProviderSettings(cfg.Providers())
	limits, err := providers.Limits(settings)
	if err != nil {
		initializationErr = fmt.Errorf("invalid provider limits: %w", err)
		return nil, initializationErr
	}
	components.Limiter = ratelimit.New(limits, logger)

	httpClient, err := NewHTTPClient(cfg.Network(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	normalizer := normalize.New(cfg.Normalize().DefaultRegion)
	registry, err := providers.Build(settings, providers.Deps{
		HTTP:       httpClient,
		Resolver:   f.resolver,
		Normalizer: normalizer,
	}, components.Limiter, RetryPolicy(cfg.Retry()), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build provider adapters: %w", err)
		return nil, initializationErr
	}
	components.Registry = registry

	// 5. Pipeline, detector, tracer.
	pipeline := enrichment.NewPipeline(registry, enrichCache, enrichment.NewRiskScorer(history, logger), logger,
		enrichment.WithCacheTTL(cfg.Engine().CacheTTL),
		enrichment.WithNormalizer(normalizer))
	relCfg := RelationshipConfig(cfg.Relationships())
	relCfg.Normalizer = normalizer
	detector := relationships.NewDetector(relCfg, cooccur, logger)
	components.Tracer = tracer.New(pipeline, entityStore, graph, detector, logger,
		tracer.WithConcurrency(cfg.Engine().Concurrency),
		tracer.WithNormalizer(normalizer))

	logger.Info("All components initialized successfully.", zap.Int("adapters", len(registry.All())))
	return components, nil
}
