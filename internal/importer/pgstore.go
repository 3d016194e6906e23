package importer

// pgstore.go implements Store on PostgreSQL with pgx. Conditional updates
// are single-statement compare-and-swaps (UPDATE ... WHERE id AND status),
// so concurrent reviewers and executors racing on the same row serialize at
// the database without any job-wide lock.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed quarantine store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const itemColumns = `id, job_id, row_num, entity_type, raw_payload, parsed, status,
	confidence, review_note, commit_error, retryable, schema_version, created_at, updated_at`

func (s *PGStore) CreateJob(ctx context.Context, job *ImportJob, items []*QuarantineItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job creation: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO import_jobs (id, file_name, file_size, format, operator, total_rows, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.FileName, job.FileSize, string(job.Format), job.Operator, job.TotalRows, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	rows := make([][]any, 0, len(items))
	for _, item := range items {
		parsed, err := json.Marshal(item.Parsed)
		if err != nil {
			return fmt.Errorf("marshal parsed payload row %d: %w", item.RowNum, err)
		}
		rows = append(rows, []any{
			item.ID, item.JobID, item.RowNum, string(item.EntityType), item.RawPayload,
			parsed, string(item.Status), item.Confidence, item.ReviewNote,
			item.CommitError, item.Retryable, item.SchemaVersion, item.CreatedAt, item.UpdatedAt,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"quarantine_items"},
		[]string{"id", "job_id", "row_num", "entity_type", "raw_payload", "parsed", "status",
			"confidence", "review_note", "commit_error", "retryable", "schema_version", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy quarantine rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job creation: %w", err)
	}
	return nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID string) (*ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, file_name, file_size, format, operator, total_rows, created_at
		FROM import_jobs WHERE id = $1`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) ListJobs(ctx context.Context) ([]*ImportJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, file_name, file_size, format, operator, total_rows, created_at
		FROM import_jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PGStore) DeleteJob(ctx context.Context, jobID string) error {
	// quarantine_items and import_audit cascade on the job foreign key.
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PGStore) CountByStatus(ctx context.Context, jobID string) (StatusCounts, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM quarantine_items WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PGStore) GetItem(ctx context.Context, itemID string) (*QuarantineItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM quarantine_items WHERE id = $1`, itemID)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *PGStore) ListItems(ctx context.Context, jobID string, f ItemFilter) ([]*QuarantineItem, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM quarantine_items WHERE job_id = $1`
	args := []any{jobID}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY row_num`
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		args = append(args, f.PageSize, (page-1)*f.PageSize)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*QuarantineItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PGStore) Transition(ctx context.Context, itemID string, from, to ItemStatus, note string) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	query := `
		UPDATE quarantine_items
		SET status = $1,
		    review_note = CASE WHEN $2 <> '' THEN $2 ELSE review_note END,
		    updated_at = NOW()`
	if from == StatusFailed && to == StatusApproved {
		query += `, commit_error = '', retryable = FALSE`
	}
	query += ` WHERE id = $3 AND status = $4`

	tag, err := s.pool.Exec(ctx, query, string(to), note, itemID, string(from))
	if err != nil {
		return fmt.Errorf("transition item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conditionalFailure(ctx, itemID)
	}
	return nil
}

func (s *PGStore) SetEntityType(ctx context.Context, itemID string, t EntityType) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_items SET entity_type = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(t), itemID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("set entity type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conditionalFailure(ctx, itemID)
	}
	return nil
}

func (s *PGStore) SetParsedPayload(ctx context.Context, itemID string, fields FieldMap) error {
	parsed, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal parsed payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_items SET parsed = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		parsed, itemID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("set parsed payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conditionalFailure(ctx, itemID)
	}
	return nil
}

func (s *PGStore) ClaimApproved(ctx context.Context, jobID string) ([]*QuarantineItem, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	// The WHERE status = 'approved' predicate makes each row's swap a
	// compare-and-swap: two concurrent executes never claim the same row.
	rows, err := s.pool.Query(ctx, `
		UPDATE quarantine_items
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
		RETURNING `+itemColumns,
		string(StatusClaimed), jobID, string(StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("claim approved rows: %w", err)
	}
	defer rows.Close()

	var claimed []*QuarantineItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		claimed = append(claimed, item)
	}
	return claimed, rows.Err()
}

func (s *PGStore) Resolve(ctx context.Context, itemID string, to ItemStatus, commitErr string, retryable bool) error {
	if !CanTransition(StatusClaimed, to) {
		return ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_items
		SET status = $1, commit_error = $2, retryable = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		string(to), commitErr, retryable, itemID, string(StatusClaimed))
	if err != nil {
		return fmt.Errorf("resolve item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conditionalFailure(ctx, itemID)
	}
	return nil
}

func (s *PGStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_audit (id, job_id, item_id, action, operator, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.JobID, nullable(e.ItemID), string(e.Action), e.Operator, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PGStore) ListAudit(ctx context.Context, jobID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, COALESCE(item_id, ''), action, operator, detail, created_at
		FROM import_audit WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.JobID, &e.ItemID, &action, &e.Operator, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// conditionalFailure decides why a conditional update matched nothing.
func (s *PGStore) conditionalFailure(ctx context.Context, itemID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM quarantine_items WHERE id = $1)`, itemID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check item existence: %w", err)
	}
	if !exists {
		return ErrItemNotFound
	}
	return ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ImportJob, error) {
	var job ImportJob
	var format string
	if err := row.Scan(&job.ID, &job.FileName, &job.FileSize, &format,
		&job.Operator, &job.TotalRows, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Format = FileFormat(format)
	return &job, nil
}

func scanItem(row rowScanner) (*QuarantineItem, error) {
	var item QuarantineItem
	var entityType, status string
	var parsed []byte
	var createdAt, updatedAt time.Time

	if err := row.Scan(&item.ID, &item.JobID, &item.RowNum, &entityType, &item.RawPayload,
		&parsed, &status, &item.Confidence, &item.ReviewNote, &item.CommitError,
		&item.Retryable, &item.SchemaVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if len(parsed) > 0 {
		if err := json.Unmarshal(parsed, &item.Parsed); err != nil {
			return nil, fmt.Errorf("unmarshal parsed payload: %w", err)
		}
	}
	item.EntityType = EntityType(entityType)
	item.Status = ItemStatus(status)
	item.CreatedAt = createdAt
	item.UpdatedAt = updatedAt
	return &item, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
