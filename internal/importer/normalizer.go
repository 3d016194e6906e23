package importer

// normalizer.go converts one raw file row into a normalized field map and a
// best-guess entity type with a confidence score. Normalization is per-row
// and stateless; it never looks at sibling rows.

import (
	"strings"

	"github.com/statementwatch/statementwatch/internal/canonical"
)

// RawRow is one parsed file row: column name to raw string value.
type RawRow map[string]string

// NormalizedRow is the normalizer's output for one row.
type NormalizedRow struct {
	Fields     FieldMap
	EntityType EntityType
	Confidence float64 // in [0,1]
}

// entitySignatures weights field names by how strongly their presence
// indicates each entity type. A field named distinctly for one type (for
// example case_number) carries more weight than a shared one (name).
var entitySignatures = map[EntityType]map[string]float64{
	canonical.Statement: {
		"statement": 0.55, "quote": 0.5, "text": 0.35,
		"speaker": 0.4, "said_on": 0.4, "context": 0.1,
	},
	canonical.Person: {
		"full_name": 0.5, "first_name": 0.45, "last_name": 0.45,
		"birth_date": 0.4, "party": 0.3, "role": 0.2, "name": 0.15,
	},
	canonical.Organization: {
		"org_name": 0.55, "organization": 0.5, "founded": 0.35,
		"industry": 0.3, "website": 0.2, "name": 0.15,
	},
	canonical.Case: {
		"case_number": 0.6, "docket": 0.55, "court": 0.45,
		"filed_on": 0.35, "outcome": 0.2,
	},
	canonical.Source: {
		"url": 0.5, "publisher": 0.4, "published_on": 0.35,
		"title": 0.2, "author": 0.2,
	},
	canonical.Topic: {
		"topic": 0.6, "topic_name": 0.6, "description": 0.15,
	},
}

// fieldAliases maps source column names onto the canonical row contract, so
// the commit executor consumes the same field names the canonical store
// expects (see canonical.RequiredFields).
var fieldAliases = map[EntityType]map[string]string{
	canonical.Statement:    {"statement": "text", "quote": "text"},
	canonical.Person:       {"full_name": "name"},
	canonical.Organization: {"org_name": "name", "organization": "name"},
	canonical.Case:         {"docket": "case_number"},
	canonical.Topic:        {"topic": "name", "topic_name": "name"},
}

// dateHints are column-name fragments that mark a field as a date.
var dateHints = []string{"date", "_on", "_at", "born", "filed", "founded", "published"}

// NormalizeRow normalizes one raw row. The declared file format is accepted
// for symmetry with the gateway but does not change normalization; both
// formats reduce to the same flat row model.
func NormalizeRow(raw RawRow, _ FileFormat) NormalizedRow {
	cleaned := make(map[string]string, len(raw))
	for col, val := range raw {
		name := canonicalFieldName(col)
		if name == "" {
			continue
		}
		val = CleanCell(val)
		if val == "" {
			continue
		}
		cleaned[name] = val
	}

	entity, confidence := guessEntityType(cleaned)

	fields := make(FieldMap, len(cleaned))
	aliases := fieldAliases[entity]
	for name, val := range cleaned {
		if name == "entity_type" || name == "type" {
			continue
		}
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		fields[name] = coerceValue(name, val)
	}

	return NormalizedRow{
		Fields:     fields,
		EntityType: entity,
		Confidence: confidence,
	}
}

// guessEntityType scores the row's field names against every entity
// signature. An explicit, valid entity_type column wins outright.
func guessEntityType(cleaned map[string]string) (EntityType, float64) {
	for _, col := range []string{"entity_type", "type"} {
		if declared, ok := cleaned[col]; ok {
			if t, valid := canonical.ParseEntityType(strings.ToLower(declared)); valid {
				return t, 1.0
			}
		}
	}

	best := canonical.Statement
	bestScore := 0.0
	for _, entity := range canonical.Types() {
		score := 0.0
		for name, weight := range entitySignatures[entity] {
			if _, present := cleaned[name]; present {
				score += weight
			}
		}
		if score > 1.0 {
			score = 1.0
		}
		if score > bestScore {
			best = entity
			bestScore = score
		}
	}

	return best, bestScore
}

// coerceValue converts a cell to a typed value where the conversion is
// unambiguous; otherwise the raw string is kept.
func coerceValue(name, val string) any {
	if hasDateHint(name) {
		if t, ok := CoerceDate(val); ok {
			return t
		}
	}
	if f, ok := CoerceNumber(val); ok {
		return f
	}
	// Single-letter spellings like "y" are too ambiguous to coerce.
	if len(val) > 1 {
		if b, ok := CoerceBool(val); ok {
			return b
		}
	}
	return val
}

func hasDateHint(name string) bool {
	for _, hint := range dateHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// canonicalFieldName lowercases a column header and converts separators to
// underscores: "Case Number" -> "case_number".
func canonicalFieldName(col string) string {
	col = strings.ToLower(CleanCell(col))
	col = strings.ReplaceAll(col, " ", "_")
	col = strings.ReplaceAll(col, "-", "_")
	return col
}
