// Package importer implements the bulk data-import pipeline: uploaded files
// are parsed into candidate records, staged in a quarantine store for human
// review, and committed to the canonical store only after explicit approval.
// This package has no HTTP dependencies and can be driven by any frontend.
package importer

import (
	"time"

	"github.com/statementwatch/statementwatch/internal/canonical"
)

// EntityType identifies which canonical record kind a staged row produces.
type EntityType = canonical.EntityType

// ItemStatus is the review/commit state of a single quarantined row.
type ItemStatus string

const (
	// StatusPending rows await review. Entity type and parsed payload may
	// still be changed.
	StatusPending ItemStatus = "pending"

	// StatusApproved rows are cleared for commit but not yet claimed.
	StatusApproved ItemStatus = "approved"

	// StatusRejected rows will never be committed. Terminal.
	StatusRejected ItemStatus = "rejected"

	// StatusClaimed marks a row owned by exactly one in-flight execute call.
	// It is an internal marker; rows never rest in this state.
	StatusClaimed ItemStatus = "claimed"

	// StatusImported rows produced a canonical record. Terminal.
	StatusImported ItemStatus = "imported"

	// StatusFailed rows hit a commit error. Terminal, except for the
	// documented resubmission path back to StatusApproved after the operator
	// corrects the parsed payload.
	StatusFailed ItemStatus = "failed"
)

// allowedTransitions is the closed transition table for quarantined rows.
// Failed → Approved is the single resubmission exception; everything not
// listed here is an invalid transition.
var allowedTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusClaimed},
	StatusClaimed:  {StatusImported, StatusFailed},
	StatusFailed:   {StatusApproved},
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status permits no further transitions other
// than the Failed resubmission exception.
func (s ItemStatus) Terminal() bool {
	return s == StatusRejected || s == StatusImported || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusClaimed, StatusImported, StatusFailed:
		return true
	}
	return false
}

// JobStatus is derived from the aggregate state of a job's rows; it is never
// stored independently.
type JobStatus string

const (
	JobPending  JobStatus = "PENDING"
	JobApproved JobStatus = "APPROVED"
	JobImported JobStatus = "IMPORTED"
	JobRejected JobStatus = "REJECTED"
	JobFailed   JobStatus = "FAILED"
)

// FileFormat is a supported upload format.
type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatJSON FileFormat = "json"
)

// Supported reports whether the declared format is one the gateway accepts.
func (f FileFormat) Supported() bool {
	return f == FormatCSV || f == FormatJSON
}

// FieldMap is a normalized row payload: column name to coerced value.
// Values are strings, float64, bool, or time.Time.
type FieldMap map[string]any

// QuarantineItem is one staged row. It is exclusively owned by its ImportJob
// until it reaches StatusImported, at which point the canonical record it
// produced belongs to the canonical store.
type QuarantineItem struct {
	ID    string
	JobID string

	// RowNum is the 1-based, contiguous row number within the source file.
	// Stable; used for operator reference and error reporting.
	RowNum int

	EntityType EntityType
	RawPayload string   // verbatim source row, kept for audit
	Parsed     FieldMap // payload the commit executor writes; empty on parse failure

	Status     ItemStatus
	Confidence float64 // normalizer's certainty about EntityType, in [0,1]

	ReviewNote  string // reviewer note, set on reject or resubmit
	CommitError string // last commit failure message, set with StatusFailed
	Retryable   bool   // whether the commit failure looks transient

	// SchemaVersion pins the canonical row contract the parsed payload was
	// normalized against.
	SchemaVersion int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImportJob is one upload batch and the header over its quarantined rows.
// Counter fields are recomputed from row statuses on every read; they are
// never incremented independently.
type ImportJob struct {
	ID        string
	FileName  string
	FileSize  int64
	Format    FileFormat
	Operator  string
	CreatedAt time.Time

	TotalRows     int
	ProcessedRows int // rows that have left StatusPending
	ApprovedRows  int // rows that passed review, whatever happened at commit
	RejectedRows  int

	Status JobStatus
}

// StatusCounts maps row statuses to how many of a job's rows hold each.
type StatusCounts map[ItemStatus]int

// Total returns the sum across all statuses.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// DeriveJobStatus computes the job status from its row status counts.
//
// PENDING while any row awaits review; APPROVED once review is finished but
// uncommitted approved (or claimed) rows remain; IMPORTED when every row is
// terminal and at least one was committed; REJECTED when every row was
// rejected; FAILED when every row is terminal, none was committed, and at
// least one failed.
func DeriveJobStatus(counts StatusCounts) JobStatus {
	if counts[StatusPending] > 0 {
		return JobPending
	}
	if counts[StatusApproved] > 0 || counts[StatusClaimed] > 0 {
		return JobApproved
	}
	if counts[StatusImported] > 0 {
		return JobImported
	}
	if counts[StatusFailed] > 0 {
		return JobFailed
	}
	return JobRejected
}

// ItemFilter narrows a listing of quarantined rows. Zero values mean "no
// constraint". Page is 1-based; PageSize <= 0 disables pagination.
type ItemFilter struct {
	Status   ItemStatus
	Page     int
	PageSize int
}

// ApprovePredicate selects pending rows for bulk approval.
type ApprovePredicate struct {
	// MinConfidence approves only rows at or above this normalizer score.
	MinConfidence float64
	// EntityType, when set, approves only rows of that type.
	EntityType EntityType
}

// Matches reports whether a pending item satisfies the predicate.
func (p ApprovePredicate) Matches(item *QuarantineItem) bool {
	if item.Confidence < p.MinConfidence {
		return false
	}
	if p.EntityType != "" && item.EntityType != p.EntityType {
		return false
	}
	return true
}

// ExecuteResult is the aggregate outcome of one execute call.
type ExecuteResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
