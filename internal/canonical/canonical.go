// Package canonical defines the contract between the import pipeline and the
// production store of finalized records. The pipeline only ever writes here
// through the Writer interface, and only for rows that passed review.
package canonical

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// SchemaVersion is the version of the per-entity row contract below. It is
// recorded on every staged row at normalization time and checked again at
// commit time, so the normalizer and the canonical store cannot silently
// diverge.
const SchemaVersion = 1

// EntityType enumerates the closed set of canonical record kinds.
type EntityType string

const (
	Person       EntityType = "person"
	Organization EntityType = "organization"
	Statement    EntityType = "statement"
	Case         EntityType = "case"
	Source       EntityType = "source"
	Topic        EntityType = "topic"
)

// requiredFields is the versioned row contract: the fields a normalized
// payload must carry for each entity type. Extending this table is a schema
// version bump.
var requiredFields = map[EntityType][]string{
	Person:       {"name"},
	Organization: {"name"},
	Statement:    {"text", "speaker"},
	Case:         {"case_number"},
	Source:       {"url"},
	Topic:        {"name"},
}

// Types returns all entity types in stable order.
func Types() []EntityType {
	types := make([]EntityType, 0, len(requiredFields))
	for t := range requiredFields {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ParseEntityType validates a string against the closed entity set.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(s)
	_, ok := requiredFields[t]
	return t, ok
}

// RequiredFields returns the contract fields for an entity type.
func RequiredFields(t EntityType) []string {
	return requiredFields[t]
}

// ValidateFields checks a normalized payload against the row contract for
// the given entity type. It returns a non-retryable WriteError naming the
// first missing field.
func ValidateFields(t EntityType, fields map[string]any) error {
	for _, name := range requiredFields[t] {
		v, ok := fields[name]
		if !ok || v == nil || v == "" {
			return &WriteError{
				Err: fmt.Errorf("missing required field %q for %s", name, t),
			}
		}
	}
	return nil
}

// WriteError is a per-row commit failure. Retryable failures (store
// unavailable, timeouts) may succeed if the row is resubmitted unchanged;
// non-retryable ones (constraint violations, contract violations) need the
// data fixed first.
type WriteError struct {
	Err       error
	Retryable bool
}

func (e *WriteError) Error() string { return e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// AsWriteError extracts a WriteError from an error chain, wrapping unknown
// errors as non-retryable.
func AsWriteError(err error) *WriteError {
	var we *WriteError
	if errors.As(err, &we) {
		return we
	}
	return &WriteError{Err: err}
}

// Writer commits one approved row into the canonical store. Each write is
// independent: a failure affects only that row. Implementations must reject
// payloads whose schema version does not match SchemaVersion.
type Writer interface {
	Write(ctx context.Context, entity EntityType, schemaVersion int, fields map[string]any) error
}
