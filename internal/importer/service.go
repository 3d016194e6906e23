package importer

// service.go wires the pipeline together and provides the job-registry
// views. Job counters and status are always recomputed from row statuses —
// there is no incremental counter anywhere, so the invariants
// approvedRows + rejectedRows <= totalRows and "processedRows only grows"
// hold by construction.

import (
	"context"
	"fmt"
	"time"

	"github.com/statementwatch/statementwatch/internal/canonical"
)

// Options tunes a Service. Zero values get sensible defaults.
type Options struct {
	// MaxFileSize is the upload ceiling in bytes (default 10 MB).
	MaxFileSize int64
	// MaxConcurrentUploads bounds parallel submitUpload calls.
	MaxConcurrentUploads int
	// UploadWaitTime is how long an upload waits for a slot.
	UploadWaitTime time.Duration
	// CommitWorkers bounds the per-row parallelism of execute.
	CommitWorkers int
}

// DefaultMaxFileSize is the recommended upload ceiling.
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// DefaultCommitWorkers is the per-execute commit parallelism.
const DefaultCommitWorkers = 4

// Service provides the pipeline operations: upload, review, commit, and the
// job-registry views. Safe for concurrent use.
type Service struct {
	store   Store
	writer  canonical.Writer
	limiter *UploadLimiter

	maxFileSize   int64
	commitWorkers int
}

// NewService creates a Service over a quarantine store and canonical writer.
func NewService(store Store, writer canonical.Writer, opts Options) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.CommitWorkers <= 0 {
		opts.CommitWorkers = DefaultCommitWorkers
	}

	return &Service{
		store:         store,
		writer:        writer,
		limiter:       NewUploadLimiter(opts.MaxConcurrentUploads, opts.UploadWaitTime),
		maxFileSize:   opts.MaxFileSize,
		commitWorkers: opts.CommitWorkers,
	}
}

// GetJob returns a job with counters and status derived from its rows.
func (s *Service) GetJob(ctx context.Context, jobID string) (*ImportJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.deriveCounters(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, newest first, with derived counters.
func (s *Service) ListJobs(ctx context.Context) ([]*ImportJob, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := s.deriveCounters(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// DeleteJob removes the job and all its quarantined rows. Canonical records
// already produced by Imported rows are NOT retracted: deleting a job only
// discards staging history, never undoes a committed write.
func (s *Service) DeleteJob(ctx context.Context, jobID, operator string) error {
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	// Trail went with the job; record the deletion in the log instead.
	s.logDelete(jobID, operator)
	return nil
}

// deriveCounters fills the job's aggregate fields from row status counts.
func (s *Service) deriveCounters(ctx context.Context, job *ImportJob) error {
	counts, err := s.store.CountByStatus(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("derive counters for job %s: %w", job.ID, err)
	}

	job.ApprovedRows = counts[StatusApproved] + counts[StatusClaimed] +
		counts[StatusImported] + counts[StatusFailed]
	job.RejectedRows = counts[StatusRejected]
	job.ProcessedRows = counts.Total() - counts[StatusPending]
	job.Status = DeriveJobStatus(counts)
	return nil
}
