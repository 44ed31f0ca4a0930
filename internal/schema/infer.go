package schema

import (
	"strings"

	"github.com/sheetqa/sheetqa/internal/dataset"
)

var DefaultNullMarkers = []string{"null", "NULL", "None", "NaN", "N/A", "n/a", "NA", "-"}

type Options struct {
	// Threshold is the fraction of non-null values that must parse for a type
	// to be accepted. 1.0 means every non-null value.
	Threshold   float64
	NullMarkers []string
	// SampleValues caps the distinct example values kept per column for prompts.
	SampleValues int
}

func DefaultOptions() Options {
	return Options{Threshold: 1.0, NullMarkers: DefaultNullMarkers, SampleValues: 5}
}

// Inferencer is safe for concurrent use; it holds only read-only options.
type Inferencer struct {
	threshold    float64
	nullMarkers  map[string]struct{}
	sampleValues int
}

func NewInferencer(opts Options) *Inferencer {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = 1.0
	}
	if opts.NullMarkers == nil {
		opts.NullMarkers = DefaultNullMarkers
	}
	if opts.SampleValues < 0 {
		opts.SampleValues = 0
	}
	markers := make(map[string]struct{}, len(opts.NullMarkers))
	for _, marker := range opts.NullMarkers {
		markers[strings.TrimSpace(marker)] = struct{}{}
	}
	return &Inferencer{threshold: opts.Threshold, nullMarkers: markers, sampleValues: opts.SampleValues}
}

// IsNull reports whether a raw cell counts as null: empty, whitespace-only or
// a configured marker.
func (i *Inferencer) IsNull(cell string) bool {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return true
	}
	_, ok := i.nullMarkers[trimmed]
	return ok
}

// Infer never fails. A column with no non-null values is Text.
func (i *Inferencer) Infer(ds *dataset.Dataset) Schema {
	out := Schema{DatasetID: ds.ID, RowCount: ds.RowCount(), Columns: make([]Column, 0, len(ds.Columns))}
	for _, col := range ds.Columns {
		out.Columns = append(out.Columns, i.inferColumn(col))
	}
	return out
}

func (i *Inferencer) inferColumn(col dataset.Column) Column {
	values := make([]string, 0, len(col.Cells))
	distinct := make(map[string]struct{})
	samples := make([]string, 0, i.sampleValues)
	nulls := 0
	for _, cell := range col.Cells {
		if i.IsNull(cell) {
			nulls++
			continue
		}
		value := strings.TrimSpace(cell)
		values = append(values, value)
		if _, seen := distinct[value]; !seen {
			distinct[value] = struct{}{}
			if len(samples) < i.sampleValues {
				samples = append(samples, value)
			}
		}
	}

	return Column{
		Name:        col.Name,
		Type:        i.detect(values),
		NonNull:     len(values),
		Null:        nulls,
		Distinct:    len(distinct),
		Cardinality: cardinalityOf(len(distinct)),
		Samples:     samples,
	}
}

func (i *Inferencer) detect(values []string) Datatype {
	if len(values) == 0 {
		return Text
	}
	for _, candidate := range inferenceOrder {
		matched := 0
		for _, v := range values {
			if parses(candidate, v) {
				matched++
			}
		}
		if float64(matched) >= i.threshold*float64(len(values)) {
			return candidate
		}
	}
	return Text
}
