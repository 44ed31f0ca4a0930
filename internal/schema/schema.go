// Package schema infers per-column datatypes and statistics for a dataset.
package schema

import "strings"

type Datatype string

const (
	Boolean  Datatype = "boolean"
	Integer  Datatype = "integer"
	Float    Datatype = "float"
	DateTime Datatype = "datetime"
	Text     Datatype = "text"
)

// inferenceOrder lists candidate types from most to least specific.
var inferenceOrder = []Datatype{Boolean, Integer, Float, DateTime}

func (d Datatype) Numeric() bool {
	return d == Integer || d == Float
}

func ParseDatatype(raw string) (Datatype, bool) {
	switch Datatype(strings.ToLower(strings.TrimSpace(raw))) {
	case Boolean, "bool":
		return Boolean, true
	case Integer, "int":
		return Integer, true
	case Float, "number", "numeric", "double":
		return Float, true
	case DateTime, "date", "timestamp":
		return DateTime, true
	case Text, "string":
		return Text, true
	default:
		return "", false
	}
}

type Cardinality string

const (
	CardinalityLow    Cardinality = "low"
	CardinalityMedium Cardinality = "medium"
	CardinalityHigh   Cardinality = "high"
)

func cardinalityOf(distinct int) Cardinality {
	switch {
	case distinct <= 10:
		return CardinalityLow
	case distinct <= 100:
		return CardinalityMedium
	default:
		return CardinalityHigh
	}
}

type Column struct {
	Name        string      `json:"name"`
	Type        Datatype    `json:"type"`
	NonNull     int         `json:"non_null"`
	Null        int         `json:"null"`
	Distinct    int         `json:"distinct"`
	Cardinality Cardinality `json:"cardinality"`
	Samples     []string    `json:"samples,omitempty"`
}

type Schema struct {
	DatasetID string   `json:"dataset_id"`
	RowCount  int      `json:"row_count"`
	Columns   []Column `json:"columns"`
}

func (s Schema) Column(name string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

func (s Schema) Types() map[string]Datatype {
	out := make(map[string]Datatype, len(s.Columns))
	for _, col := range s.Columns {
		out[col.Name] = col.Type
	}
	return out
}
