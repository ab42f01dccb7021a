package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// LogTable holds persisted service log entries.
const LogTable = "transcript_service_logs"

// Execer runs a statement that returns no rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + LogTable + ` (
		id         BIGSERIAL PRIMARY KEY,
		logged_at  TIMESTAMPTZ NOT NULL,
		level      TEXT NOT NULL,
		service    TEXT NOT NULL,
		message    TEXT NOT NULL,
		fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
		trace_id   TEXT,
		meeting_id TEXT,
		caller     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ` + LogTable + `_meeting_idx ON ` + LogTable + ` (meeting_id, logged_at)`,
	`CREATE INDEX IF NOT EXISTS ` + LogTable + `_logged_at_idx ON ` + LogTable + ` (logged_at)`,
}

// EnsureSchema creates the log table and its indexes if they do not exist.
func EnsureSchema(ctx context.Context, exec Execer) error {
	for i, stmt := range schemaStatements {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
