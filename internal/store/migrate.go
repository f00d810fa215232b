package store

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
        id BIGSERIAL PRIMARY KEY,
        entity_type TEXT NOT NULL,
        canonical_value TEXT NOT NULL,
        attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
        risk_score INTEGER NOT NULL DEFAULT 0 CHECK (risk_score BETWEEN 0 AND 100),
        threat_level TEXT NOT NULL DEFAULT 'unknown',
        risk_factors JSONB NOT NULL DEFAULT '[]'::jsonb,
        errors JSONB NOT NULL DEFAULT '[]'::jsonb,
        first_seen TIMESTAMPTZ NOT NULL,
        last_seen TIMESTAMPTZ NOT NULL,
        UNIQUE (entity_type, canonical_value)
    );`,
	`CREATE TABLE IF NOT EXISTS investigation_sessions (
        session_id UUID NOT NULL,
        entity_type TEXT NOT NULL,
        canonical_value TEXT NOT NULL,
        traced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (session_id, entity_type, canonical_value)
    );`,
	`CREATE INDEX IF NOT EXISTS investigation_sessions_entity_idx
        ON investigation_sessions (entity_type, canonical_value);`,
}

// Migrate creates the tables and indexes the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("migrate", "statement "+strconv.Itoa(i+1), err)
		}
	}
	s.log.Info("Database schema is up to date", zap.Int("statements", len(schema)))
	return nil
}
