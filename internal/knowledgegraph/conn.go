package knowledgegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

// Session runs Cypher against one live connection.
type Session interface {
	// Write runs cypher in a write transaction.
	Write(ctx context.Context, cypher string, params map[string]any) error
	// Read runs cypher in a read transaction and returns each record as a map.
	Read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	// Verify checks that the connection is alive.
	Verify(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer opens a new Session.
type Dialer func(ctx context.Context) (Session, error)

// ConnConfig holds the Neo4j connection settings.
type ConnConfig struct {
	URI      string
	Username string
	Password string
	Database string
	// MaxPoolSize and AcquireTimeout are passed to the driver.
	MaxPoolSize    int
	AcquireTimeout time.Duration
}

// DriverDialer dials Neo4j with the official driver.
func DriverDialer(cfg ConnConfig) Dialer {
	return func(ctx context.Context) (Session, error) {
		driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""), func(c *neo4j.Config) {
			if cfg.MaxPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxPoolSize
			}
			if cfg.AcquireTimeout > 0 {
				c.ConnectionAcquisitionTimeout = cfg.AcquireTimeout
			}
		})
		if err != nil {
			return nil, fmt.Errorf("create neo4j driver: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			_ = driver.Close(ctx)
			return nil, err
		}
		return &driverSession{driver: driver, database: cfg.Database}, nil
	}
}

type driverSession struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverSession) Write(ctx context.Context, cypher string, params map[string]any) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: d.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}

func (d *driverSession) Read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: d.database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, record := range records {
			rows = append(rows, record.AsMap())
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]map[string]any), nil
}

func (d *driverSession) Verify(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

func (d *driverSession) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Conn owns the live Session and replaces it when the connection dies.
// Concurrent callers that observe a dead connection share one reconnect.
type Conn struct {
	dial    Dialer
	policy  retry.Policy
	mu      sync.RWMutex
	current Session
	group   singleflight.Group
	logger  *zap.Logger
}

// DefaultReconnectPolicy bounds reconnect attempts.
var DefaultReconnectPolicy = retry.Policy{
	MaxRetries: 3,
	BaseDelay:  200 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   3 * time.Second,
}

// ReconnectTimeout bounds one shared reconnect including its retries.
const ReconnectTimeout = 30 * time.Second

// NewConn creates a connection manager. Nothing is dialed until first use.
func NewConn(dial Dialer, policy retry.Policy, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Classify = func(err error) bool { return !errors.Is(err, context.Canceled) }
	policy.Exhausted = schemas.ErrStoreUnavailable
	return &Conn{dial: dial, policy: policy, logger: logger.Named("neo4j_conn")}
}

// IsConnectivityError separates a dead connection from an application error
// such as a constraint violation or a Cypher syntax error.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *schemas.StoreConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return neo4j.IsConnectivityError(err)
}

// EnsureConnected verifies the live session and reconnects when it is gone.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()

	if s != nil {
		err := s.Verify(ctx)
		if err == nil {
			return nil
		}
		if !IsConnectivityError(err) {
			return err
		}
		c.logger.Warn("Graph connection lost, reconnecting.", zap.Error(err))
	}
	_, err := c.reconnect(ctx, s)
	return err
}

// reconnect replaces stale with a freshly dialed session. Callers that raced
// on the same stale session receive the single new one. The dial runs detached
// from ctx under ReconnectTimeout, so a caller that gives up only stops waiting.
func (c *Conn) reconnect(ctx context.Context, stale Session) (Session, error) {
	ch := c.group.DoChan("connect", func() (any, error) {
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if cur != nil && cur != stale {
			return cur, nil
		}

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReconnectTimeout)
		defer cancel()
		fresh, err := retry.DoValue(dialCtx, c.policy, func(ctx context.Context) (Session, error) {
			return c.dial(ctx)
		})
		if err != nil {
			return nil, &schemas.StoreConnectionError{Store: "neo4j", Op: "connect", Err: err}
		}

		c.mu.Lock()
		old := c.current
		c.current = fresh
		c.mu.Unlock()
		if old != nil {
			_ = old.Close(dialCtx)
		}
		c.logger.Info("Connected to graph database.")
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (c *Conn) session(ctx context.Context) (Session, error) {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	return c.reconnect(ctx, nil)
}

// do runs fn on the live session. A connectivity failure triggers one
// reconnect and one replay; MERGE statements make the replay safe.
func (c *Conn) do(ctx context.Context, fn func(Session) error) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if err == nil || !IsConnectivityError(err) {
		return err
	}
	c.logger.Warn("Graph statement hit a dead connection, reconnecting.", zap.Error(err))
	s, rerr := c.reconnect(ctx, s)
	if rerr != nil {
		return rerr
	}
	if err := fn(s); err != nil {
		if IsConnectivityError(err) {
			return &schemas.StoreConnectionError{Store: "neo4j", Op: "statement", Err: err}
		}
		return err
	}
	return nil
}

// Write runs a write statement with reconnect handling.
func (c *Conn) Write(ctx context.Context, cypher string, params map[string]any) error {
	return c.do(ctx, func(s Session) error { return s.Write(ctx, cypher, params) })
}

// Read runs a read statement with reconnect handling.
func (c *Conn) Read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := c.do(ctx, func(s Session) error {
		var err error
		rows, err = s.Read(ctx, cypher, params)
		return err
	})
	return rows, err
}

// Close releases the live session.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close(ctx)
}
