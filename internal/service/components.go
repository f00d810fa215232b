// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/cache"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/providers"
	"github.com/xkilldash9x/osint-tracer/internal/ratelimit"
	"github.com/xkilldash9x/osint-tracer/internal/store"
	"github.com/xkilldash9x/osint-tracer/internal/tracer"
)

// shutdownTimeout bounds how long closing the graph connection may take.
const shutdownTimeout = 10 * time.Second

// Components holds everything a trace or check needs, and owns the lifecycle
// of the connections behind it.
type Components struct {
	Tracer   *tracer.Tracer
	Registry *providers.Registry
	Limiter  *ratelimit.Limiter
	Cache    cache.Cache
	Graph    schemas.GraphStore
	// Store is nil when no database is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool

	logger *zap.Logger
}

// Shutdown releases resources in reverse order of creation. It is safe to
// call on a partially built Components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Cache, which also stops the memory janitor.
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			logger.Warn("Error closing enrichment cache.", zap.Error(err))
		} else {
			logger.Debug("Enrichment cache closed.")
		}
	}

	// 2. Graph. Use a fresh context so shutdown completes after cancellation.
	if c.Graph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Graph.Close(ctx); err != nil {
			logger.Warn("Error closing graph store.", zap.Error(err))
		} else {
			logger.Debug("Graph store closed.")
		}
	}

	// 3. Database pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
