// Package logsink persists service log entries to PostgreSQL.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/otherjamesbrown/penf-transcripts/pkg/db"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresWriter writes log batches with a single multi-row insert.
type PostgresWriter struct {
	exec  db.Execer
	table string
}

// NewPostgresWriter creates a writer over exec, typically a *pgxpool.Pool.
func NewPostgresWriter(exec db.Execer) *PostgresWriter {
	return &PostgresWriter{exec: exec, table: db.LogTable}
}

// WriteBatch implements logging.LogWriter.
func (w *PostgresWriter) WriteBatch(ctx context.Context, entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query, args, err := w.buildInsert(entries)
	if err != nil {
		return err
	}

	if _, err := w.exec.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d log entries: %w", len(entries), err)
	}
	return nil
}

func (w *PostgresWriter) buildInsert(entries []logging.LogEntry) (string, []any, error) {
	insert := psql.Insert(w.table).
		Columns("logged_at", "level", "service", "message", "fields", "trace_id", "meeting_id", "caller")

	for _, e := range entries {
		fields := e.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return "", nil, fmt.Errorf("encode log fields: %w", err)
		}
		insert = insert.Values(
			e.Timestamp.UTC(),
			e.Level,
			e.Service,
			e.Message,
			string(data),
			nullable(e.TraceID),
			nullable(e.MeetingID),
			nullable(e.Caller),
		)
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build log insert: %w", err)
	}
	return query, args, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ logging.LogWriter = (*PostgresWriter)(nil)
