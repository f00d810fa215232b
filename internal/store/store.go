package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const storeName = "postgres"

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// DefaultReconnectPolicy bounds how long a write waits out a lost connection.
var DefaultReconnectPolicy = retry.Policy{
	MaxRetries: 3,
	BaseDelay:  200 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   2 * time.Second,
}

// Store is the PostgreSQL EntityStore.
type Store struct {
	pool   DBPool
	policy retry.Policy
	now    func() time.Time
	log    *zap.Logger
}

var _ schemas.EntityStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithReconnectPolicy overrides DefaultReconnectPolicy.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, &schemas.StoreConnectionError{Store: storeName, Op: "ping", Err: fmt.Errorf("failed to ping database: %w", err)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:   pool,
		policy: DefaultReconnectPolicy,
		now:    time.Now,
		log:    logger.Named("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.Classify = isConnectionFailure
	s.policy.Exhausted = schemas.ErrStoreUnavailable
	return s, nil
}

// -- Entities --

const (
	sqlInsertEntity = `
        INSERT INTO entities (entity_type, canonical_value, attributes, risk_score, threat_level, risk_factors, errors, first_seen, last_seen)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (entity_type, canonical_value) DO NOTHING
        RETURNING id;
    `
	sqlLockEntity = `
        SELECT id, attributes, risk_score, threat_level, risk_factors, errors, first_seen, last_seen
        FROM entities
        WHERE entity_type = $1 AND canonical_value = $2
        FOR UPDATE;
    `
	sqlUpdateEntity = `
        UPDATE entities SET
            attributes = $2,
            risk_score = $3,
            threat_level = $4,
            risk_factors = $5,
            errors = $6,
            first_seen = $7,
            last_seen = $8
        WHERE id = $1;
    `
	sqlGetEntity = `
        SELECT id, attributes, risk_score, threat_level, risk_factors, errors, first_seen, last_seen
        FROM entities
        WHERE entity_type = $1 AND canonical_value = $2;
    `
)

// Upsert inserts the record or merges it into the stored row under a row
// lock, in one transaction per entity. Lost connections are retried.
func (s *Store) Upsert(ctx context.Context, record *schemas.EntityRecord) (int64, error) {
	if record == nil || record.CanonicalValue == "" || !record.Type.Valid() {
		return 0, &schemas.StoreWriteError{Store: storeName, Op: "upsert", Err: errors.New("record has no identity")}
	}
	return retry.DoValue(ctx, s.policy, func(ctx context.Context) (int64, error) {
		return s.upsertOnce(ctx, record)
	})
}

func (s *Store) upsertOnce(ctx context.Context, record *schemas.EntityRecord) (id int64, err error) {
	key := record.Ref().String()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify("begin", key, err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.String("entity", key), zap.Error(rollbackErr))
		}
	}()

	// 1. Insert if absent.
	row, err := encodeRecord(record)
	if err != nil {
		return 0, &schemas.StoreWriteError{Store: storeName, Op: "encode", Key: key, Err: err}
	}
	err = tx.QueryRow(ctx, sqlInsertEntity,
		string(record.Type), record.CanonicalValue,
		row.attributes, record.RiskScore, string(threatLevel(record.ThreatLevel)), row.factors, row.errors,
		row.firstSeen, row.lastSeen,
	).Scan(&id)

	switch {
	case err == nil:
		// Fresh row, nothing to merge.
	case errors.Is(err, pgx.ErrNoRows):
		// 2. Lock the existing row and merge in Go.
		existing, scanErr := scanRecord(tx.QueryRow(ctx, sqlLockEntity, string(record.Type), record.CanonicalValue), record.Type, record.CanonicalValue)
		if scanErr != nil {
			return 0, classify("lock", key, scanErr)
		}
		id = existing.ID
		existing.Merge(record)

		merged, encErr := encodeRecord(existing)
		if encErr != nil {
			return 0, &schemas.StoreWriteError{Store: storeName, Op: "encode", Key: key, Err: encErr}
		}
		// 3. Write the merged row back.
		if _, err := tx.Exec(ctx, sqlUpdateEntity,
			id, merged.attributes, existing.RiskScore, string(threatLevel(existing.ThreatLevel)), merged.factors, merged.errors,
			merged.firstSeen, merged.lastSeen,
		); err != nil {
			return 0, classify("update", key, err)
		}
	default:
		return 0, classify("insert", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("commit", key, err)
	}
	return id, nil
}

// Get loads the stored record for ref, or schemas.ErrNotFound.
func (s *Store) Get(ctx context.Context, ref schemas.EntityRef) (*schemas.EntityRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, sqlGetEntity, string(ref.Type), ref.Value), ref.Type, ref.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", ref, schemas.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get", ref.String(), err)
	}
	return rec, nil
}

// -- Investigation ledger --

const (
	sqlInsertSessionMember = `
        INSERT INTO investigation_sessions (session_id, entity_type, canonical_value, traced_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id, entity_type, canonical_value) DO NOTHING;
    `
	sqlCooccurrence = `
        SELECT COUNT(DISTINCT a.session_id)
        FROM investigation_sessions a
        JOIN investigation_sessions b ON a.session_id = b.session_id
        WHERE a.entity_type = $1 AND a.canonical_value = $2
          AND b.entity_type = $3 AND b.canonical_value = $4
          AND a.session_id <> $5;
    `
	sqlHistory = `
        SELECT
            COUNT(DISTINCT s.session_id),
            COUNT(DISTINCT (p.entity_type, p.canonical_value)) FILTER (
                WHERE p.entity_type <> s.entity_type OR p.canonical_value <> s.canonical_value
            )
        FROM investigation_sessions s
        LEFT JOIN investigation_sessions p ON p.session_id = s.session_id
        WHERE s.entity_type = $1 AND s.canonical_value = $2;
    `
)

// AppendSession records one ledger row per member. Rows already present are
// left untouched, so replaying a session is harmless.
func (s *Store) AppendSession(ctx context.Context, sessionID string, members []schemas.EntityRef) error {
	if len(members) == 0 {
		return nil
	}
	tracedAt := s.now().UTC()
	return s.policy.Do(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(sqlInsertSessionMember, sessionID, string(m.Type), m.Value, tracedAt)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classify("begin", sessionID, err)
		}
		defer func() {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				s.log.Error("Failed to rollback transaction", zap.String("session", sessionID), zap.Error(rollbackErr))
			}
		}()

		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return &schemas.StoreWriteError{Store: storeName, Op: "append_session", Key: sessionID, Err: errors.New("batch results is nil")}
		}
		for i := range members {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return classify("append_session", members[i].String(), err)
			}
		}
		if err := br.Close(); err != nil {
			return classify("append_session", sessionID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify("commit", sessionID, err)
		}
		return nil
	})
}

// HistoricalCooccurrence counts distinct past sessions, other than
// excludeSession, that contained both a and b.
func (s *Store) HistoricalCooccurrence(ctx context.Context, a, b schemas.EntityRef, excludeSession string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, sqlCooccurrence,
		string(a.Type), a.Value, string(b.Type), b.Value, excludeSession,
	).Scan(&n)
	if err != nil {
		return 0, classify("cooccurrence", a.String()+"|"+b.String(), err)
	}
	return n, nil
}

// History summarizes the sessions ref appeared in and how many distinct
// entities it was traced alongside.
func (s *Store) History(ctx context.Context, ref schemas.EntityRef) (schemas.HistoryStats, error) {
	var stats schemas.HistoryStats
	if err := s.pool.QueryRow(ctx, sqlHistory, string(ref.Type), ref.Value).Scan(&stats.Sessions, &stats.Partners); err != nil {
		return schemas.HistoryStats{}, classify("history", ref.String(), err)
	}
	return stats, nil
}

// -- Encoding --

type encodedRecord struct {
	attributes []byte
	factors    []byte
	errors     []byte
	firstSeen  time.Time
	lastSeen   time.Time
}

func encodeRecord(r *schemas.EntityRecord) (encodedRecord, error) {
	var (
		out encodedRecord
		err error
	)
	if out.attributes, err = json.Marshal(r.Attributes); err != nil {
		return out, fmt.Errorf("attributes: %w", err)
	}
	factors := r.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	if out.factors, err = json.Marshal(factors); err != nil {
		return out, fmt.Errorf("risk factors: %w", err)
	}
	errs := r.Errors
	if errs == nil {
		errs = []schemas.ErrorDetail{}
	}
	if out.errors, err = json.Marshal(errs); err != nil {
		return out, fmt.Errorf("errors: %w", err)
	}
	out.firstSeen = r.FirstSeen.UTC()
	out.lastSeen = r.LastSeen.UTC()
	if out.firstSeen.IsZero() {
		out.firstSeen = out.lastSeen
	}
	return out, nil
}

func scanRecord(row pgx.Row, t schemas.EntityType, value string) (*schemas.EntityRecord, error) {
	rec := &schemas.EntityRecord{Type: t, CanonicalValue: value}
	var (
		attrs, factors, errs []byte
		level                string
	)
	if err := row.Scan(&rec.ID, &attrs, &rec.RiskScore, &level, &factors, &errs, &rec.FirstSeen, &rec.LastSeen); err != nil {
		return nil, err
	}
	rec.ThreatLevel = schemas.ThreatLevel(level)
	if err := unmarshalColumn(attrs, &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if err := unmarshalColumn(factors, &rec.RiskFactors); err != nil {
		return nil, fmt.Errorf("decode risk factors: %w", err)
	}
	if err := unmarshalColumn(errs, &rec.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.LastSeen = rec.LastSeen.UTC()
	return rec, nil
}

func unmarshalColumn(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func threatLevel(l schemas.ThreatLevel) schemas.ThreatLevel {
	if l == "" {
		return schemas.ThreatUnknown
	}
	return l
}

// -- Error classification --

func classify(op, key string, err error) error {
	if isConnectionFailure(err) {
		return &schemas.StoreConnectionError{Store: storeName, Op: op, Err: err}
	}
	return &schemas.StoreWriteError{Store: storeName, Op: op, Key: key, Err: err}
}

// isConnectionFailure separates a dropped or unreachable database from
// statement-level failures such as constraint violations.
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	var connErr *schemas.StoreConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P0x is operator intervention.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		return true
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return strings.Contains(err.Error(), "closed pool") || strings.Contains(err.Error(), "conn closed")
}
