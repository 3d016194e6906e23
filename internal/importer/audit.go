package importer

// audit.go records the lifecycle of every job so a reviewer can answer "who
// did what to this batch, and when" after the fact. Entries live and die
// with the job; deleting a job discards its trail along with its rows.

import (
	"context"
	"log/slog"
	"time"
)

// AuditAction identifies a pipeline action.
type AuditAction string

const (
	ActionUpload      AuditAction = "upload"
	ActionReclassify  AuditAction = "reclassify"
	ActionApprove     AuditAction = "approve"
	ActionReject      AuditAction = "reject"
	ActionBulkApprove AuditAction = "bulk_approve"
	ActionEditPayload AuditAction = "edit_payload"
	ActionResubmit    AuditAction = "resubmit"
	ActionExecute     AuditAction = "execute"
	ActionDelete      AuditAction = "delete"
)

// AuditEntry is one recorded pipeline action.
type AuditEntry struct {
	ID        string
	JobID     string
	ItemID    string // empty for job-level actions
	Action    AuditAction
	Operator  string
	Detail    string
	CreatedAt time.Time
}

// logAudit appends an audit entry, logging rather than failing the calling
// operation when the append itself errors: the action already happened.
func (s *Service) logAudit(ctx context.Context, e AuditEntry) {
	e.CreatedAt = time.Now().UTC()
	if err := s.store.AppendAudit(ctx, e); err != nil {
		slog.Error("audit append failed",
			"job_id", e.JobID,
			"action", e.Action,
			"error", err,
		)
	}
}

// logDelete records a job deletion in the application log. The job's audit
// trail is removed with the job, so the log is the only place left for it.
func (s *Service) logDelete(jobID, operator string) {
	slog.Info("import job deleted",
		"job_id", jobID,
		"operator", operator,
	)
}

// AuditTrail returns the recorded actions for a job, oldest first.
func (s *Service) AuditTrail(ctx context.Context, jobID string) ([]AuditEntry, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, jobID)
}
