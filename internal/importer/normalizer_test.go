package importer

import (
	"testing"
	"time"

	"github.com/statementwatch/statementwatch/internal/canonical"
)

func TestNormalizeRow_EntityDetection(t *testing.T) {
	tests := []struct {
		name        string
		row         RawRow
		wantEntity  EntityType
		wantMinConf float64
	}{
		{
			name: "statement by signature",
			row: RawRow{
				"statement": "We will cut taxes",
				"speaker":   "Jane Doe",
				"said_on":   "2024-03-15",
			},
			wantEntity:  canonical.Statement,
			wantMinConf: 0.8,
		},
		{
			name: "person by signature",
			row: RawRow{
				"full_name":  "Jane Doe",
				"birth_date": "1970-01-01",
				"party":      "Independent",
			},
			wantEntity:  canonical.Person,
			wantMinConf: 0.8,
		},
		{
			name: "case by docket",
			row: RawRow{
				"case_number": "23-cv-1042",
				"court":       "SDNY",
				"filed_on":    "2023-06-01",
			},
			wantEntity:  canonical.Case,
			wantMinConf: 0.8,
		},
		{
			name: "source by url",
			row: RawRow{
				"url":          "https://example.org/article",
				"publisher":    "Example Times",
				"published_on": "2024-02-01",
			},
			wantEntity:  canonical.Source,
			wantMinConf: 0.8,
		},
		{
			name: "explicit entity type wins",
			row: RawRow{
				"entity_type": "organization",
				"url":         "https://example.org",
				"publisher":   "Example Times",
			},
			wantEntity:  canonical.Organization,
			wantMinConf: 1.0,
		},
		{
			name: "unknown columns default to statement",
			row: RawRow{
				"foo": "bar",
				"baz": "qux",
			},
			wantEntity:  canonical.Statement,
			wantMinConf: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRow(tt.row, FormatCSV)
			if got.EntityType != tt.wantEntity {
				t.Errorf("EntityType = %s, want %s", got.EntityType, tt.wantEntity)
			}
			if got.Confidence < tt.wantMinConf {
				t.Errorf("Confidence = %v, want >= %v", got.Confidence, tt.wantMinConf)
			}
			if got.Confidence > 1.0 {
				t.Errorf("Confidence = %v, must not exceed 1.0", got.Confidence)
			}
		})
	}
}

func TestNormalizeRow_FieldAliases(t *testing.T) {
	got := NormalizeRow(RawRow{
		"Statement": "We will cut taxes",
		"Speaker":   "Jane Doe",
		"Said On":   "2024-03-15",
	}, FormatCSV)

	if got.EntityType != canonical.Statement {
		t.Fatalf("EntityType = %s, want statement", got.EntityType)
	}
	if _, ok := got.Fields["text"]; !ok {
		t.Errorf("expected statement column aliased to text, got fields %v", got.Fields)
	}
	if _, ok := got.Fields["statement"]; ok {
		t.Errorf("original statement key should be replaced by its alias")
	}
	if _, ok := got.Fields["said_on"]; !ok {
		t.Errorf("expected Said On header canonicalized to said_on")
	}
}

func TestNormalizeRow_ValueCoercion(t *testing.T) {
	got := NormalizeRow(RawRow{
		"full_name":  "Jane Doe",
		"birth_date": "1/2/1970",
		"active":     "yes",
		"vote_count": "1,204",
	}, FormatJSON)

	if _, ok := got.Fields["birth_date"].(time.Time); !ok {
		t.Errorf("birth_date = %T(%v), want time.Time", got.Fields["birth_date"], got.Fields["birth_date"])
	}
	if v, ok := got.Fields["active"].(bool); !ok || !v {
		t.Errorf("active = %T(%v), want bool true", got.Fields["active"], got.Fields["active"])
	}
	if v, ok := got.Fields["vote_count"].(float64); !ok || v != 1204 {
		t.Errorf("vote_count = %T(%v), want float64 1204", got.Fields["vote_count"], got.Fields["vote_count"])
	}
	if v, ok := got.Fields["name"].(string); !ok || v != "Jane Doe" {
		t.Errorf("name = %T(%v), want string Jane Doe", got.Fields["name"], got.Fields["name"])
	}
}

func TestNormalizeRow_DropsEmptyAndTypeColumns(t *testing.T) {
	got := NormalizeRow(RawRow{
		"entity_type": "topic",
		"topic_name":  "Healthcare",
		"description": "",
		"":            "orphan value",
	}, FormatCSV)

	if got.EntityType != canonical.Topic {
		t.Fatalf("EntityType = %s, want topic", got.EntityType)
	}
	if _, ok := got.Fields["entity_type"]; ok {
		t.Errorf("entity_type column must not appear in normalized fields")
	}
	if _, ok := got.Fields["description"]; ok {
		t.Errorf("empty cells must be dropped")
	}
	if v := got.Fields["name"]; v != "Healthcare" {
		t.Errorf("topic_name should alias to name, got %v", v)
	}
	if len(got.Fields) != 1 {
		t.Errorf("fields = %v, want only name", got.Fields)
	}
}

func TestNormalizeRow_SingleLetterNotBool(t *testing.T) {
	got := NormalizeRow(RawRow{
		"full_name": "Jane Doe",
		"initial":   "t",
	}, FormatCSV)

	if v, ok := got.Fields["initial"].(string); !ok || v != "t" {
		t.Errorf("initial = %T(%v), want raw string", got.Fields["initial"], got.Fields["initial"])
	}
}

func TestCanonicalFieldName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Case Number", "case_number"},
		{"said-on", "said_on"},
		{"  Speaker  ", "speaker"},
		{"URL", "url"},
	}
	for _, tt := range tests {
		if got := canonicalFieldName(tt.input); got != tt.want {
			t.Errorf("canonicalFieldName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
