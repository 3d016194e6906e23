package importer

// review.go is the review controller: per-row operations a human reviewer
// drives while a job's rows sit in quarantine. Every operation enforces the
// row state machine and mutates nothing on failure.

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/statementwatch/statementwatch/internal/canonical"
)

// ListItems returns a job's quarantined rows in row-number order, optionally
// filtered by status and paginated. The listing is restartable: the same
// filter and page always name the same rows (modulo concurrent review).
func (s *Service) ListItems(ctx context.Context, jobID string, f ItemFilter) ([]*QuarantineItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status filter %q", f.Status)
	}
	return s.store.ListItems(ctx, jobID, f)
}

// GetItem returns one quarantined row.
func (s *Service) GetItem(ctx context.Context, itemID string) (*QuarantineItem, error) {
	return s.store.GetItem(ctx, itemID)
}

// Reclassify changes a row's entity type. Allowed only while Pending;
// anything else fails with ErrInvalidTransition.
func (s *Service) Reclassify(ctx context.Context, itemID string, entityType string, operator string) error {
	t, ok := canonical.ParseEntityType(entityType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}

	if err := s.store.SetEntityType(ctx, itemID, t); err != nil {
		return err
	}

	s.auditItem(ctx, itemID, ActionReclassify, operator, string(t))
	return nil
}

// Approve moves a Pending row to Approved.
func (s *Service) Approve(ctx context.Context, itemID, operator string) error {
	if err := s.store.Transition(ctx, itemID, StatusPending, StatusApproved, ""); err != nil {
		return err
	}
	s.auditItem(ctx, itemID, ActionApprove, operator, "")
	return nil
}

// Reject moves a Pending row to Rejected, recording an optional note.
// Rejected is terminal.
func (s *Service) Reject(ctx context.Context, itemID, note, operator string) error {
	if err := s.store.Transition(ctx, itemID, StatusPending, StatusRejected, note); err != nil {
		return err
	}
	s.auditItem(ctx, itemID, ActionReject, operator, note)
	return nil
}

// EditParsedPayload replaces a row's normalized payload while it is Pending.
// This is how an operator corrects a row the parser could not handle before
// approving it.
func (s *Service) EditParsedPayload(ctx context.Context, itemID string, fields FieldMap, operator string) error {
	if err := s.store.SetParsedPayload(ctx, itemID, fields); err != nil {
		return err
	}
	s.auditItem(ctx, itemID, ActionEditPayload, operator, "")
	return nil
}

// Resubmit moves a Failed row back to Approved after the operator fixed the
// underlying data. This is the single documented exception to the
// terminal-state rule; the row's commit error is cleared.
func (s *Service) Resubmit(ctx context.Context, itemID, operator string) error {
	if err := s.store.Transition(ctx, itemID, StatusFailed, StatusApproved, ""); err != nil {
		return err
	}
	s.auditItem(ctx, itemID, ActionResubmit, operator, "")
	return nil
}

// BulkApprove approves every currently Pending row of the job that matches
// the predicate. It is exactly equivalent to calling Approve on each row
// individually: the per-row state machine is never shortcut, and a row
// another reviewer rejects mid-loop is simply skipped.
func (s *Service) BulkApprove(ctx context.Context, jobID string, pred ApprovePredicate, operator string) (int, error) {
	pending, err := s.store.ListItems(ctx, jobID, ItemFilter{Status: StatusPending})
	if err != nil {
		return 0, err
	}

	approved := 0
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return approved, err
		}
		if !pred.Matches(item) {
			continue
		}
		err := s.store.Transition(ctx, item.ID, StatusPending, StatusApproved, "")
		if errors.Is(err, ErrInvalidTransition) {
			continue // lost a race with another reviewer; their call stands
		}
		if err != nil {
			return approved, err
		}
		approved++
	}

	if approved > 0 {
		s.logAudit(ctx, AuditEntry{
			ID:       uuid.New().String(),
			JobID:    jobID,
			Action:   ActionBulkApprove,
			Operator: operator,
			Detail:   fmt.Sprintf("approved %d rows (min confidence %.2f)", approved, pred.MinConfidence),
		})
	}
	return approved, nil
}

// auditItem records a row-level review action.
func (s *Service) auditItem(ctx context.Context, itemID string, action AuditAction, operator, detail string) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return
	}
	s.logAudit(ctx, AuditEntry{
		ID:       uuid.New().String(),
		JobID:    item.JobID,
		ItemID:   itemID,
		Action:   action,
		Operator: operator,
		Detail:   detail,
	})
}
