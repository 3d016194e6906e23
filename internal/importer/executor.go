package importer

// executor.go commits approved rows into the canonical store. The claim
// step is the pipeline's double-import guard: each Approved row is swapped
// to Claimed by a per-row compare-and-swap, so two executes racing on the
// same job partition the rows between them instead of both writing them.
// Claimed rows then commit independently on a bounded worker pool; one
// row's failure never rolls back or blocks its siblings.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/statementwatch/statementwatch/internal/canonical"
)

// Execute claims every Approved row of the job and writes each into the
// canonical store, recording the per-row outcome on the row itself. It
// returns the aggregate counts. Calling it on a job with no Approved rows
// is a no-op returning {0, 0}: Imported and Failed rows are never
// re-processed.
func (s *Service) Execute(ctx context.Context, jobID, operator string) (ExecuteResult, error) {
	claimed, err := s.store.ClaimApproved(ctx, jobID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if len(claimed) == 0 {
		return ExecuteResult{}, nil
	}

	var (
		mu     sync.Mutex
		result ExecuteResult
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.commitWorkers)

	for _, item := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *QuarantineItem) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := s.commitRow(ctx, item)

			mu.Lock()
			if ok {
				result.Succeeded++
			} else {
				result.Failed++
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	s.logAudit(ctx, AuditEntry{
		ID:       uuid.New().String(),
		JobID:    jobID,
		Action:   ActionExecute,
		Operator: operator,
		Detail:   result.String(),
	})

	slog.Info("commit finished",
		"job_id", jobID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

// commitRow writes one claimed row and resolves it to Imported or Failed.
// The caller already owns the row via the claim, so the resolve cannot race
// with another executor.
//
// The write runs on context.Background: once a row is claimed it must
// resolve even if the caller abandons the execute call, otherwise the row
// would be stuck in the claimed state forever.
func (s *Service) commitRow(_ context.Context, item *QuarantineItem) bool {
	ctx := context.Background()

	err := s.writer.Write(ctx, item.EntityType, item.SchemaVersion, item.Parsed)
	if err != nil {
		we := canonical.AsWriteError(err)
		if rerr := s.store.Resolve(ctx, item.ID, StatusFailed, we.Error(), we.Retryable); rerr != nil {
			slog.Error("failed to record commit failure",
				"item_id", item.ID,
				"row", item.RowNum,
				"error", rerr,
			)
		}
		return false
	}

	if err := s.store.Resolve(ctx, item.ID, StatusImported, "", false); err != nil {
		// The canonical write landed but the row could not be marked. Leave
		// it Failed so the operator sees it; resubmitting may duplicate the
		// record, which the canonical store's own constraints catch.
		slog.Error("failed to mark row imported",
			"item_id", item.ID,
			"row", item.RowNum,
			"error", err,
		)
		_ = s.store.Resolve(ctx, item.ID, StatusFailed, "imported but status update failed: "+err.Error(), false)
		return false
	}
	return true
}

// String renders the result for audit detail lines.
func (r ExecuteResult) String() string {
	return fmt.Sprintf("succeeded=%d failed=%d", r.Succeeded, r.Failed)
}
