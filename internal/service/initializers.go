// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/cache"
	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/knowledgegraph"
	"github.com/xkilldash9x/osint-tracer/internal/network"
	"github.com/xkilldash9x/osint-tracer/internal/providers"
	"github.com/xkilldash9x/osint-tracer/internal/relationships"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
	"github.com/xkilldash9x/osint-tracer/internal/store"
)

// InitializeDBPool opens and pings the entity store's connection pool.
func InitializeDBPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (hint: check TRACER_DATABASE_URL)")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Debug("Database connection pool initialized.")
	return pool, nil
}

// InitializeStore opens a pool and wraps it in the entity store. The caller
// owns the returned pool.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, *pgxpool.Pool, error) {
	pool, err := InitializeDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize entity store: %w", err)
	}
	return st, pool, nil
}

// InitializeGraph builds the configured graph backend. A Neo4j backend that
// cannot be reached is still returned: every batch re-checks the connection
// and reports the outage in its result.
func InitializeGraph(ctx context.Context, cfg config.GraphConfig, logger *zap.Logger) (schemas.GraphStore, error) {
	switch cfg.Backend {
	case config.GraphBackendMemory, "":
		logger.Warn("Using the in-memory graph; graph data is lost on exit.")
		return knowledgegraph.NewInMemoryKG(logger), nil

	case config.GraphBackendNeo4j:
		logger.Info("Initializing Neo4j graph.", zap.String("uri", cfg.URI))
		dial := knowledgegraph.DriverDialer(knowledgegraph.ConnConfig{
			URI:            cfg.URI,
			Username:       cfg.Username,
			Password:       cfg.Password,
			Database:       cfg.Database,
			MaxPoolSize:    cfg.MaxPoolSize,
			AcquireTimeout: cfg.AcquireTimeout,
		})
		conn := knowledgegraph.NewConn(dial, knowledgegraph.DefaultReconnectPolicy, logger)
		g := knowledgegraph.NewNeo4jGraph(conn, logger)
		if err := g.EnsureSchema(ctx); err != nil {
			logger.Warn("Could not ensure graph schema; continuing without it.", zap.Error(err))
		}
		return g, nil
	}
	return nil, fmt.Errorf("unsupported graph backend: %s", cfg.Backend)
}

// InitializeCache builds the configured enrichment cache. maxTTL bounds the
// server side expiry of redis entries.
func InitializeCache(ctx context.Context, cfg config.CacheConfig, maxTTL time.Duration, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory, "":
		return cache.NewMemory(logger, cfg.JanitorInterval, cache.WithShards(cfg.Shards)), nil
	case config.CacheBackendRedis:
		c, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, maxTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		return c, nil
	case config.CacheBackendNone:
		return cache.Nop{}, nil
	}
	return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
}

// NewHTTPClient builds the shared provider HTTP client.
func NewHTTPClient(cfg config.NetworkConfig, logger *zap.Logger) (*network.Client, error) {
	cc := network.NewDefaultClientConfig()
	cc.Logger = logger
	cc.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	if cfg.Timeout > 0 {
		cc.RequestTimeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		cc.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		cc.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.Proxy.Enabled {
		proxy, err := url.Parse(cfg.Proxy.Address)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy address %q", cfg.Proxy.Address)
		}
		cc.ProxyURL = proxy
	}
	return network.NewClient(cc), nil
}

// ProviderSettings converts the provider config section into adapter settings.
func ProviderSettings(cfg map[string]config.ProviderConfig) map[string]providers.Settings {
	out := make(map[string]providers.Settings, len(cfg))
	for name, p := range cfg {
		out[name] = providers.Settings{
			Name:        name,
			Enabled:     p.Enabled,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			Timeout:     p.Timeout,
			Quota:       p.Quota,
			Window:      p.Window,
			MinInterval: p.MinInterval,
		}
	}
	return out
}

// RetryPolicy converts the retry section into the adapters' backoff policy.
func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxDelay:   cfg.MaxDelay,
	}
}

// RelationshipConfig converts rule toggles keyed by relationship kind.
func RelationshipConfig(cfg config.RelationshipsConfig) relationships.Config {
	out := relationships.Config{History: cfg.History, Rules: make(map[schemas.RelationshipKind]bool, len(cfg.Rules))}
	for kind, on := range cfg.Rules {
		out.Rules[schemas.RelationshipKind(kind)] = on
	}
	return out
}
