package audit

import (
	"context"
	"database/sql"
	"fmt"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS gateway_audit_events (
	id              UUID PRIMARY KEY,
	type            TEXT NOT NULL,
	subject_user_id TEXT NOT NULL DEFAULT '',
	token_id        TEXT NOT NULL DEFAULT '',
	ip_address      TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gateway_audit_events_subject_idx
	ON gateway_audit_events (subject_user_id, created_at);`

const insertSQL = `
INSERT INTO gateway_audit_events
	(id, type, subject_user_id, token_id, ip_address, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PostgresRepo appends events through database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Migrate creates the events table when missing.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit migrate: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, insertSQL,
		e.ID, string(e.Type), e.SubjectUserID, e.TokenID, e.IPAddress, e.Message, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
