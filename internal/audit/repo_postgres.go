package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema creates the audit table. INSERT is the only statement the portal issues against it.
const Schema = `
CREATE TABLE IF NOT EXISTS gate_audit_events (
	id          UUID PRIMARY KEY,
	type        TEXT NOT NULL,
	gate        TEXT NOT NULL,
	mount_id    UUID NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gate_audit_events_created_at_idx ON gate_audit_events (created_at);
`

// PostgresRepo appends events through database/sql. The caller opens the
// *sql.DB with the "pgx" driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	return &PostgresRepo{db: db}, nil
}

// EnsureSchema applies Schema. Safe to run on every start.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO gate_audit_events (id, type, gate, mount_id, session_id, path, ip_address, reason, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.Gate,
		e.MountID,
		e.SessionID,
		e.Path,
		e.IPAddress,
		e.Reason,
		e.DurationMS,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", e.ID, err)
	}
	return nil
}
