package importer

// errors.go defines the pipeline's error taxonomy and the user-facing
// message mapping.
//
// Error codes are grouped by category:
//
//	UPL001 - Unsupported format: declared format is not csv or json
//	UPL002 - File too large: file exceeds the configured ceiling
//	UPL003 - Empty file: no data rows found
//	UPL004 - System busy: too many concurrent uploads
//	REV001 - Invalid transition: row is not in a state that allows the action
//	JOB001 - Job not found
//	ITM001 - Item not found
//	CMT001 - Commit failure: canonical store rejected the row
//	ERR000 - Fallback for unmatched errors
//
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.

import (
	"errors"
	"strings"
)

// Upload-time errors. All are surfaced before any state is persisted.
var (
	// ErrInvalidFormat is returned when the declared format is unsupported.
	ErrInvalidFormat = errors.New("unsupported file format")

	// ErrFileTooLarge is returned when the file exceeds the size ceiling.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyFile is returned when the file contains zero data rows.
	ErrEmptyFile = errors.New("empty file: no data rows")

	// ErrTooManyUploads is returned when all upload slots are occupied and
	// the wait timeout expires.
	ErrTooManyUploads = errors.New("too many concurrent uploads, please try again later")
)

// Review and lookup errors.
var (
	// ErrInvalidTransition is returned when an operation is attempted on a
	// row in the wrong state. No state is mutated on failure.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("import job not found")

	// ErrItemNotFound is returned for unknown quarantine item ids.
	ErrItemNotFound = errors.New("quarantine item not found")

	// ErrInvalidEntityType is returned when a reclassify names a type
	// outside the closed entity set.
	ErrInvalidEntityType = errors.New("invalid entity type")
)

// UserMessage provides user-friendly error information with actionable
// guidance and a code for support reference.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{
		pattern: "unsupported file format",
		msg: UserMessage{
			Message: "The declared file format is not supported",
			Action:  "Upload a csv or json file and declare it as such",
			Code:    "UPL001",
		},
	},
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "The file exceeds the maximum upload size",
			Action:  "Split the file into smaller batches",
			Code:    "UPL002",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file has no data rows",
			Action:  "Check the file contents and re-upload",
			Code:    "UPL003",
		},
	},
	{
		pattern: "too many concurrent uploads",
		msg: UserMessage{
			Message: "Too many uploads are in progress",
			Action:  "Wait a moment and try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "invalid status transition",
		msg: UserMessage{
			Message: "The row is not in a state that allows this action",
			Action:  "Refresh the job view; the row may already be reviewed or committed",
			Code:    "REV001",
		},
	},
	{
		pattern: "import job not found",
		msg: UserMessage{
			Message: "The import job does not exist",
			Action:  "It may have been deleted; refresh the job list",
			Code:    "JOB001",
		},
	},
	{
		pattern: "quarantine item not found",
		msg: UserMessage{
			Message: "The staged row does not exist",
			Action:  "Its job may have been deleted; refresh the job list",
			Code:    "ITM001",
		},
	},
	{
		pattern: "invalid entity type",
		msg: UserMessage{
			Message: "The entity type is not one of the supported kinds",
			Action:  "Use one of: person, organization, statement, case, source, topic",
			Code:    "REV002",
		},
	},
	{
		pattern: "canonical",
		msg: UserMessage{
			Message: "The canonical store rejected the row",
			Action:  "Inspect the row's commit error, correct the data, and resubmit",
			Code:    "CMT001",
		},
	},
}

// MapError converts a technical error into a user-facing message. Unmatched
// errors fall back to ERR000; the technical detail stays in the logs.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.msg
		}
	}

	return UserMessage{
		Message: "An unexpected error occurred",
		Action:  "Please try again or contact support",
		Code:    "ERR000",
	}
}
