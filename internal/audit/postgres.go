package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// createTableSQL matches spec.md §6's "persisted state layout: none
// required for correctness" — this table exists purely as an optional
// durable mirror of the in-process ring buffer, never read back by the
// core itself.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS bridge_audit_log (
	id        BIGSERIAL PRIMARY KEY,
	ts        TIMESTAMPTZ NOT NULL,
	event     TEXT NOT NULL,
	principal TEXT NOT NULL,
	severity  TEXT NOT NULL,
	detail    TEXT
)`

// PostgresSink persists audit entries to Postgres via pgx, the optional
// durable sink spec.md's Non-goals explicitly permit but do not require
// ("the core does not persist state across process restarts beyond the
// audit log"). Activated only when Config.Audit.PgDSN is set.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the audit table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create audit table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Write bulk-inserts entries via pgx's binary COPY protocol, the fastest
// bulk-insert path pgx offers and the natural fit for a periodic batch
// flush rather than a row-at-a-time INSERT per audit event.
func (s *PostgresSink) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.Timestamp, e.Event, e.Principal, string(e.Severity), e.Detail}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"bridge_audit_log"},
		[]string{"ts", "event", "principal", "severity", "detail"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("audit: copy entries: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
