package canonical

// pg.go implements Writer on top of PostgreSQL. Each entity type maps to its
// own table; the typed contract fields become columns and everything else the
// normalizer produced lands in an attributes jsonb column for the public
// site to surface.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tableSpec maps an entity type to its canonical table and typed columns.
type tableSpec struct {
	table   string
	columns []string // contract fields stored as typed columns, in order
}

var tableSpecs = map[EntityType]tableSpec{
	Person:       {table: "people", columns: []string{"name"}},
	Organization: {table: "organizations", columns: []string{"name"}},
	Statement:    {table: "statements", columns: []string{"text", "speaker"}},
	Case:         {table: "cases", columns: []string{"case_number"}},
	Source:       {table: "sources", columns: []string{"url"}},
	Topic:        {table: "topics", columns: []string{"name"}},
}

// PGWriter writes canonical records with pgx. It is safe for concurrent use.
type PGWriter struct {
	pool *pgxpool.Pool
}

// NewPGWriter creates a Writer backed by the given pool.
func NewPGWriter(pool *pgxpool.Pool) *PGWriter {
	return &PGWriter{pool: pool}
}

// Write inserts one record. Dispatch over the entity type is a closed table
// lookup; an unknown type is a programming error upstream and reported as
// non-retryable.
func (w *PGWriter) Write(ctx context.Context, entity EntityType, schemaVersion int, fields map[string]any) error {
	if schemaVersion != SchemaVersion {
		return &WriteError{
			Err: fmt.Errorf("row normalized against schema v%d, store expects v%d", schemaVersion, SchemaVersion),
		}
	}

	spec, ok := tableSpecs[entity]
	if !ok {
		return &WriteError{Err: fmt.Errorf("unknown entity type %q", entity)}
	}

	if err := ValidateFields(entity, fields); err != nil {
		return err
	}

	args := make([]any, 0, len(spec.columns)+1)
	cols := ""
	placeholders := ""
	for i, col := range spec.columns {
		if i > 0 {
			cols += ", "
			placeholders += ", "
		}
		cols += col
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, fieldString(fields[col]))
	}

	// Remaining fields go to the attributes jsonb column.
	attrs := make(map[string]any, len(fields))
	for k, v := range fields {
		if !contains(spec.columns, k) {
			attrs[k] = jsonValue(v)
		}
	}
	args = append(args, attrs)

	query := fmt.Sprintf(
		"INSERT INTO %s (%s, attributes) VALUES (%s, $%d)",
		spec.table, cols, placeholders, len(spec.columns)+1,
	)

	if _, err := w.pool.Exec(ctx, query, args...); err != nil {
		return classify(err)
	}
	return nil
}

// classify splits pgx failures into retryable outages and data errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientClass(pgErr.Code) {
			return &WriteError{Err: fmt.Errorf("canonical write: %w", err), Retryable: true}
		}
		// Everything else (class 22 data errors, class 23 integrity
		// constraint violations) means the data is wrong, not the server.
		return &WriteError{Err: fmt.Errorf("canonical write: %w", err)}
	}
	return &WriteError{Err: fmt.Errorf("canonical store unavailable: %w", err), Retryable: true}
}

// transientClass reports whether a SQLSTATE code names a server-side
// condition that can clear on its own, so an unchanged resubmission may
// succeed.
func transientClass(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08": // connection exception
		return true
	case "40": // transaction rollback: serialization failure, deadlock
		return true
	case "53": // insufficient resources: too_many_connections, disk full
		return true
	case "57": // operator intervention: shutdown, crash recovery
		return true
	case "58": // system error: io_error
		return true
	default:
		return false
	}
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return fmt.Sprint(v)
	}
}

// jsonValue converts coerced field values to JSON-safe representations.
func jsonValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
