package executor

import (
	"fmt"

	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

type Kind string

const (
	KindScalar Kind = "scalar"
	KindTable  Kind = "table"
	KindSeries Kind = "series"
)

type Column struct {
	Name string          `json:"name"`
	Type schema.Datatype `json:"type"`
}

type Point struct {
	Label string      `json:"label"`
	Value value.Value `json:"value"`
}

// Comparison holds left minus right and left divided by right for a compare
// step. Either is null when it cannot be computed.
type Comparison struct {
	Difference value.Value `json:"difference"`
	Ratio      value.Value `json:"ratio"`
}

// Result is one of three shapes selected by Kind. Scalar results set Value;
// table results set Columns and Rows; series results set Series and also
// carry the underlying Columns and Rows.
type Result struct {
	Kind       Kind            `json:"kind"`
	Value      *value.Value    `json:"value,omitempty"`
	Columns    []Column        `json:"columns,omitempty"`
	Rows       [][]value.Value `json:"rows,omitempty"`
	Series     []Point         `json:"series,omitempty"`
	Comparison *Comparison     `json:"comparison,omitempty"`
	NullCount  *int            `json:"null_count,omitempty"`
	RowCount   int             `json:"row_count"`
}

// Summary is a short human-readable description for history listings.
func (r Result) Summary() string {
	switch r.Kind {
	case KindScalar:
		if r.Value == nil || r.Value.IsNull() {
			return "no value"
		}
		return r.Value.String()
	case KindSeries:
		return fmt.Sprintf("%d points", len(r.Series))
	default:
		return fmt.Sprintf("%d rows x %d columns", r.RowCount, len(r.Columns))
	}
}
