package importer

// Shared fixtures for the pipeline tests: an in-memory service wired to a
// stub canonical writer, and upload helpers.

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/statementwatch/statementwatch/internal/canonical"
)

// stubWriter implements canonical.Writer. A failOn hook lets a test fail
// selected rows; successful writes are recorded for inspection.
type stubWriter struct {
	mu     sync.Mutex
	writes []stubWrite
	failOn func(fields map[string]any) error
}

type stubWrite struct {
	Entity canonical.EntityType
	Fields map[string]any
}

func (w *stubWriter) Write(_ context.Context, entity canonical.EntityType, _ int, fields map[string]any) error {
	if w.failOn != nil {
		if err := w.failOn(fields); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, stubWrite{Entity: entity, Fields: fields})
	return nil
}

func (w *stubWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// newTestService builds a Service over a MemStore and stub writer with
// generous limits.
func newTestService(t *testing.T) (*Service, *MemStore, *stubWriter) {
	t.Helper()
	store := NewMemStore()
	writer := &stubWriter{}
	svc := NewService(store, writer, Options{
		MaxFileSize:          1 << 20,
		MaxConcurrentUploads: 4,
		UploadWaitTime:       time.Second,
		CommitWorkers:        2,
	})
	return svc, store, writer
}

// uploadCSV stages a CSV document and fails the test on error.
func uploadCSV(t *testing.T, svc *Service, doc string) *ImportJob {
	t.Helper()
	job, err := svc.SubmitUpload(context.Background(), UploadRequest{
		FileName: "test.csv",
		FileSize: int64(len(doc)),
		Format:   FormatCSV,
		Operator: "tester",
		Data:     strings.NewReader(doc),
	})
	if err != nil {
		t.Fatalf("SubmitUpload failed: %v", err)
	}
	return job
}

// itemsByRow returns a job's items keyed by row number.
func itemsByRow(t *testing.T, svc *Service, jobID string) map[int]*QuarantineItem {
	t.Helper()
	items, err := svc.ListItems(context.Background(), jobID, ItemFilter{})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	byRow := make(map[int]*QuarantineItem, len(items))
	for _, item := range items {
		byRow[item.RowNum] = item
	}
	return byRow
}

// approveAll moves every pending row of the job to approved.
func approveAll(t *testing.T, svc *Service, jobID string) {
	t.Helper()
	n, err := svc.BulkApprove(context.Background(), jobID, ApprovePredicate{}, "tester")
	if err != nil {
		t.Fatalf("BulkApprove failed: %v", err)
	}
	if n == 0 {
		t.Fatalf("BulkApprove approved no rows")
	}
}
