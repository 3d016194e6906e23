package canonical

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// ----------------------------------------------------------------------------
// Entity set
// ----------------------------------------------------------------------------

func TestParseEntityType(t *testing.T) {
	tests := []struct {
		input  string
		wantOK bool
	}{
		{"person", true},
		{"organization", true},
		{"statement", true},
		{"case", true},
		{"source", true},
		{"topic", true},
		{"Person", false}, // case-sensitive
		{"meme", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, ok := ParseEntityType(tt.input)
			if ok != tt.wantOK {
				t.Errorf("ParseEntityType(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
		})
	}
}

func TestTypes_StableOrder(t *testing.T) {
	types := Types()
	if len(types) != 6 {
		t.Fatalf("Types() returned %d types, want 6", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("Types() not sorted at %d: %q >= %q", i, types[i-1], types[i])
		}
	}
}

// ----------------------------------------------------------------------------
// Row contract
// ----------------------------------------------------------------------------

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name    string
		entity  EntityType
		fields  map[string]any
		wantErr bool
	}{
		{
			name:   "statement with text and speaker",
			entity: Statement,
			fields: map[string]any{"text": "We will cut taxes", "speaker": "Jane Doe"},
		},
		{
			name:    "statement missing speaker",
			entity:  Statement,
			fields:  map[string]any{"text": "We will cut taxes"},
			wantErr: true,
		},
		{
			name:    "empty string counts as missing",
			entity:  Person,
			fields:  map[string]any{"name": ""},
			wantErr: true,
		},
		{
			name:    "nil counts as missing",
			entity:  Topic,
			fields:  map[string]any{"name": nil},
			wantErr: true,
		},
		{
			name:   "extra fields are allowed",
			entity: Case,
			fields: map[string]any{"case_number": "24-cv-1234", "court": "S.D.N.Y."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFields(tt.entity, tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateFields() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var we *WriteError
				if !errors.As(err, &we) {
					t.Fatalf("ValidateFields() error is not a *WriteError: %v", err)
				}
				if we.Retryable {
					t.Error("contract violations must not be retryable")
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		code          string
		wantRetryable bool
	}{
		{name: "unique violation", code: "23505", wantRetryable: false},
		{name: "not null violation", code: "23502", wantRetryable: false},
		{name: "invalid text representation", code: "22P02", wantRetryable: false},
		{name: "deadlock detected", code: "40P01", wantRetryable: true},
		{name: "serialization failure", code: "40001", wantRetryable: true},
		{name: "too many connections", code: "53300", wantRetryable: true},
		{name: "admin shutdown", code: "57P01", wantRetryable: true},
		{name: "connection failure", code: "08006", wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(&pgconn.PgError{Code: tt.code, Message: tt.name})
			we := AsWriteError(err)
			if we.Retryable != tt.wantRetryable {
				t.Errorf("classify(%s) retryable = %v, want %v", tt.code, we.Retryable, tt.wantRetryable)
			}
		})
	}

	// Anything that is not a server-reported error is an outage.
	we := AsWriteError(classify(errors.New("dial tcp: connection refused")))
	if !we.Retryable {
		t.Error("non-PgError failures must be retryable")
	}
}

func TestAsWriteError(t *testing.T) {
	base := &WriteError{Err: errors.New("boom"), Retryable: true}

	if got := AsWriteError(base); got != base {
		t.Errorf("AsWriteError passed a WriteError should return it unchanged")
	}

	wrapped := fmt.Errorf("write row: %w", base)
	if got := AsWriteError(wrapped); !got.Retryable {
		t.Error("AsWriteError should unwrap through fmt.Errorf and keep Retryable")
	}

	plain := errors.New("connection refused")
	got := AsWriteError(plain)
	if got.Retryable {
		t.Error("unknown errors default to non-retryable")
	}
	if !errors.Is(got, plain) {
		t.Error("wrapped error should preserve the original in the chain")
	}
}
