package importer

import "context"

// Store is the quarantine store: the single shared mutable resource of the
// pipeline. All mutations are row-scoped conditional updates; the only
// cross-row operation is the atomic job-creation step.
//
// Conditional methods return ErrInvalidTransition when the row is not in the
// state the caller expected, and never mutate anything on failure.
type Store interface {
	// CreateJob persists a job header and its full set of quarantined rows
	// as one logical unit: either everything is visible afterwards or
	// nothing is.
	CreateJob(ctx context.Context, job *ImportJob, items []*QuarantineItem) error

	// GetJob returns the job header without derived counters.
	GetJob(ctx context.Context, jobID string) (*ImportJob, error)

	// ListJobs returns job headers, newest first.
	ListJobs(ctx context.Context) ([]*ImportJob, error)

	// DeleteJob removes the job, all its quarantined rows, and its audit
	// trail. Canonical records already produced are untouched.
	DeleteJob(ctx context.Context, jobID string) error

	// CountByStatus recomputes row counts per status for a job. This is the
	// single source of truth for all job counters.
	CountByStatus(ctx context.Context, jobID string) (StatusCounts, error)

	// GetItem returns a single quarantined row.
	GetItem(ctx context.Context, itemID string) (*QuarantineItem, error)

	// ListItems returns a job's rows ordered by row number, optionally
	// filtered by status and paginated.
	ListItems(ctx context.Context, jobID string, f ItemFilter) ([]*QuarantineItem, error)

	// Transition moves a row from one status to another, recording an
	// optional reviewer note. Moving Failed → Approved clears the row's
	// commit error (the resubmission path).
	Transition(ctx context.Context, itemID string, from, to ItemStatus, note string) error

	// SetEntityType reclassifies a row. Allowed only while Pending.
	SetEntityType(ctx context.Context, itemID string, t EntityType) error

	// SetParsedPayload replaces a row's normalized payload. Allowed only
	// while Pending.
	SetParsedPayload(ctx context.Context, itemID string, fields FieldMap) error

	// ClaimApproved atomically moves every Approved row of the job to
	// Claimed and returns the claimed rows. The swap is per-row
	// compare-and-swap: a concurrent call claims none of the same rows.
	ClaimApproved(ctx context.Context, jobID string) ([]*QuarantineItem, error)

	// Resolve finishes a claimed row as Imported or Failed, attaching the
	// commit error and retryable flag on failure.
	Resolve(ctx context.Context, itemID string, to ItemStatus, commitErr string, retryable bool) error

	// AppendAudit records a pipeline action against a job.
	AppendAudit(ctx context.Context, e AuditEntry) error

	// ListAudit returns a job's audit trail, oldest first.
	ListAudit(ctx context.Context, jobID string) ([]AuditEntry, error)
}
