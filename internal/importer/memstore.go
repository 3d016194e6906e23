package importer

// memstore.go is an in-memory Store used by tests and local development.
// A single mutex guards all state; conditional updates therefore get the
// same compare-and-swap semantics the Postgres store provides per row.

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Store.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]*ImportJob
	items map[string]*QuarantineItem
	audit map[string][]AuditEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]*ImportJob),
		items: make(map[string]*QuarantineItem),
		audit: make(map[string][]AuditEntry),
	}
}

func (m *MemStore) CreateJob(_ context.Context, job *ImportJob, items []*QuarantineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	m.jobs[j.ID] = &j
	for _, item := range items {
		it := *item
		m.items[it.ID] = &it
	}
	return nil
}

func (m *MemStore) GetJob(_ context.Context, jobID string) (*ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	j := *job
	return &j, nil
}

func (m *MemStore) ListJobs(_ context.Context) ([]*ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*ImportJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		j := *job
		jobs = append(jobs, &j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (m *MemStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, jobID)
	delete(m.audit, jobID)
	for id, item := range m.items {
		if item.JobID == jobID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *MemStore) CountByStatus(_ context.Context, jobID string) (StatusCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	counts := make(StatusCounts)
	for _, item := range m.items {
		if item.JobID == jobID {
			counts[item.Status]++
		}
	}
	return counts, nil
}

func (m *MemStore) GetItem(_ context.Context, itemID string) (*QuarantineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	it := copyItem(item)
	return &it, nil
}

func (m *MemStore) ListItems(_ context.Context, jobID string, f ItemFilter) ([]*QuarantineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}

	var items []*QuarantineItem
	for _, item := range m.items {
		if item.JobID != jobID {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		it := copyItem(item)
		items = append(items, &it)
	}
	sort.Slice(items, func(i, k int) bool { return items[i].RowNum < items[k].RowNum })

	return paginate(items, f), nil
}

func (m *MemStore) Transition(_ context.Context, itemID string, from, to ItemStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != from || !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	item.Status = to
	if note != "" {
		item.ReviewNote = note
	}
	if from == StatusFailed && to == StatusApproved {
		item.CommitError = ""
		item.Retryable = false
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) SetEntityType(_ context.Context, itemID string, t EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusPending {
		return ErrInvalidTransition
	}
	item.EntityType = t
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) SetParsedPayload(_ context.Context, itemID string, fields FieldMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusPending {
		return ErrInvalidTransition
	}
	item.Parsed = copyFields(fields)
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) ClaimApproved(_ context.Context, jobID string) ([]*QuarantineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}

	var claimed []*QuarantineItem
	for _, item := range m.items {
		if item.JobID == jobID && item.Status == StatusApproved {
			item.Status = StatusClaimed
			item.UpdatedAt = time.Now().UTC()
			it := copyItem(item)
			claimed = append(claimed, &it)
		}
	}
	sort.Slice(claimed, func(i, k int) bool { return claimed[i].RowNum < claimed[k].RowNum })
	return claimed, nil
}

func (m *MemStore) Resolve(_ context.Context, itemID string, to ItemStatus, commitErr string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusClaimed || !CanTransition(StatusClaimed, to) {
		return ErrInvalidTransition
	}

	item.Status = to
	item.CommitError = commitErr
	item.Retryable = retryable
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.audit[e.JobID] = append(m.audit[e.JobID], e)
	return nil
}

func (m *MemStore) ListAudit(_ context.Context, jobID string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]AuditEntry, len(m.audit[jobID]))
	copy(entries, m.audit[jobID])
	return entries, nil
}

func paginate(items []*QuarantineItem, f ItemFilter) []*QuarantineItem {
	if f.PageSize <= 0 {
		return items
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.PageSize
	if start >= len(items) {
		return nil
	}
	end := start + f.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func copyItem(item *QuarantineItem) QuarantineItem {
	it := *item
	it.Parsed = copyFields(item.Parsed)
	return it
}

func copyFields(fields FieldMap) FieldMap {
	if fields == nil {
		return nil
	}
	out := make(FieldMap, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
