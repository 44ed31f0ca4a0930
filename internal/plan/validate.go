package plan

import (
	"errors"
	"strings"

	"github.com/sheetqa/sheetqa/internal/expr"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

// columnSet tracks the columns flowing between steps in order.
type columnSet struct {
	names []string
	types map[string]schema.Datatype
}

func columnsOf(s schema.Schema) columnSet {
	set := columnSet{types: make(map[string]schema.Datatype, len(s.Columns))}
	for _, col := range s.Columns {
		set.names = append(set.names, col.Name)
		set.types[col.Name] = col.Type
	}
	return set
}

func (c columnSet) clone() columnSet {
	out := columnSet{names: append([]string(nil), c.names...), types: make(map[string]schema.Datatype, len(c.types))}
	for k, v := range c.types {
		out.types[k] = v
	}
	return out
}

func (c columnSet) require(name string, op Op) (schema.Datatype, error) {
	if strings.TrimSpace(name) == "" {
		return "", qerr.InvalidPlan("", string(op), "%s step is missing a column", op)
	}
	typ, ok := c.types[name]
	if !ok {
		return "", qerr.InvalidPlan(name, string(op), "column %q does not exist", name)
	}
	return typ, nil
}

// Validate checks every referenced column exists and fits its operation,
// following computed and aggregated columns through the pipeline.
func Validate(p Plan, s schema.Schema) error {
	if len(p.Steps) == 0 {
		return qerr.InvalidPlan("", "", "plan has no steps")
	}
	_, err := validateSteps(p.Steps, columnsOf(s), true)
	return err
}

func validateSteps(steps []Step, cols columnSet, allowTerminal bool) (columnSet, error) {
	for i, step := range steps {
		last := i == len(steps)-1
		var err error
		switch s := step.(type) {
		case Filter:
			err = validateFilter(s, cols)
		case Project:
			cols, err = validateProject(s, cols)
		case Aggregate:
			if len(s.GroupBy) == 0 && (!last || !allowTerminal) {
				return cols, qerr.InvalidPlan(s.Column, string(OpAggregate), "an aggregate without group_by must be the last step")
			}
			cols, err = validateAggregate(s, cols)
		case Sort:
			_, err = cols.require(s.Column, OpSort)
		case Compute:
			cols, err = validateCompute(s, cols)
		case Compare:
			if !last || !allowTerminal {
				return cols, qerr.InvalidPlan(s.Aggregate.Column, string(OpCompare), "compare must be the last step")
			}
			err = validateCompare(s, cols)
		default:
			err = qerr.InvalidPlan("", "", "unsupported step %T", step)
		}
		if err != nil {
			return cols, err
		}
	}
	return cols, nil
}

func validateFilter(f Filter, cols columnSet) error {
	typ, err := cols.require(f.Column, OpFilter)
	if err != nil {
		return err
	}
	if !OperatorAllowed(f.Operator, typ) {
		return qerr.InvalidPlan(f.Column, string(f.Operator), "operator %q cannot be applied to %s column %q", f.Operator, typ, f.Column)
	}
	if !f.Operator.NeedsValue() {
		return nil
	}
	if f.Value == nil {
		return qerr.InvalidPlan(f.Column, string(f.Operator), "operator %q needs a value", f.Operator)
	}
	if _, ok := value.Parse(f.Value, typ); !ok {
		return qerr.InvalidPlan(f.Column, string(f.Operator), "value %v is not a valid %s for column %q", f.Value, typ, f.Column)
	}
	return nil
}

// OperatorAllowed reports whether a filter operator applies to a column type.
func OperatorAllowed(op Operator, typ schema.Datatype) bool {
	switch op {
	case OpIsNull, OpNotNull:
		return true
	case OpEq:
		return true
	case OpNe:
		return typ != schema.Boolean && typ != schema.DateTime
	case OpGt, OpGte, OpLt, OpLte:
		return typ.Numeric()
	case OpContains:
		return typ == schema.Text
	case OpBefore, OpAfter:
		return typ == schema.DateTime
	default:
		return false
	}
}

func validateProject(p Project, cols columnSet) (columnSet, error) {
	if len(p.Columns) == 0 {
		return cols, qerr.InvalidPlan("", string(OpProject), "project step lists no columns")
	}
	out := columnSet{types: map[string]schema.Datatype{}}
	for _, name := range p.Columns {
		typ, err := cols.require(name, OpProject)
		if err != nil {
			return cols, err
		}
		if _, dup := out.types[name]; dup {
			return cols, qerr.InvalidPlan(name, string(OpProject), "column %q is projected twice", name)
		}
		out.names = append(out.names, name)
		out.types[name] = typ
	}
	return out, nil
}

// AggregateType returns the result type of fn over a column of type typ, or
// false when the combination is not allowed.
func AggregateType(fn AggFunc, typ schema.Datatype) (schema.Datatype, bool) {
	switch fn {
	case AggCount, AggDistinctCount:
		return schema.Integer, true
	case AggSum:
		return typ, typ.Numeric()
	case AggAverage:
		return schema.Float, typ.Numeric()
	case AggMin, AggMax:
		return typ, typ.Numeric() || typ == schema.DateTime
	default:
		return "", false
	}
}

func validateAggregate(a Aggregate, cols columnSet) (columnSet, error) {
	var resultType schema.Datatype
	switch {
	case a.Column == "" && a.Func == AggCount:
		resultType = schema.Integer
	default:
		switch a.Func {
		case AggCount, AggSum, AggAverage, AggMin, AggMax, AggDistinctCount:
		default:
			return cols, qerr.InvalidPlan(a.Column, string(a.Func), "unknown aggregate function %q", a.Func)
		}
		typ, err := cols.require(a.Column, OpAggregate)
		if err != nil {
			return cols, err
		}
		out, ok := AggregateType(a.Func, typ)
		if !ok {
			return cols, qerr.InvalidPlan(a.Column, string(a.Func), "cannot compute %s of %s column %q", a.Func, typ, a.Column)
		}
		resultType = out
	}

	out := columnSet{types: map[string]schema.Datatype{}}
	for _, name := range a.GroupBy {
		typ, err := cols.require(name, OpAggregate)
		if err != nil {
			return cols, err
		}
		if _, dup := out.types[name]; dup {
			return cols, qerr.InvalidPlan(name, string(OpAggregate), "column %q is grouped twice", name)
		}
		out.names = append(out.names, name)
		out.types[name] = typ
	}
	name := a.OutputName()
	if _, clash := out.types[name]; clash {
		return cols, qerr.InvalidPlan(name, string(OpAggregate), "aggregate output %q collides with a group column", name)
	}
	out.names = append(out.names, name)
	out.types[name] = resultType
	if a.NullStats && len(a.GroupBy) > 0 {
		out.names = append(out.names, NullCountName)
		out.types[NullCountName] = schema.Integer
	}
	return out, nil
}

// NullCountName is the column carrying per-group null counts when an
// aggregate requests null statistics.
const NullCountName = "null_count"

func validateCompute(c Compute, cols columnSet) (columnSet, error) {
	name := c.Name
	if strings.TrimSpace(name) == "" {
		return cols, qerr.InvalidPlan("", string(OpCompute), "compute step is missing a column name")
	}
	if _, exists := cols.types[name]; exists {
		return cols, qerr.InvalidPlan(name, string(OpCompute), "computed column %q already exists", name)
	}
	compiled, err := expr.Compile(c.Expression, cols.types)
	if err != nil {
		return cols, exprError(name, err)
	}
	out := cols.clone()
	out.names = append(out.names, name)
	out.types[name] = compiled.Type()
	return out, nil
}

func exprError(computed string, err error) error {
	var unknown *expr.UnknownColumnError
	if errors.As(err, &unknown) {
		return qerr.InvalidPlan(unknown.Name, string(OpCompute), "column %q does not exist", unknown.Name)
	}
	var typeErr *expr.TypeError
	if errors.As(err, &typeErr) {
		column := typeErr.Column
		if column == "" {
			column = computed
		}
		return qerr.InvalidPlan(column, string(OpCompute), "%s", typeErr.Msg)
	}
	return qerr.InvalidPlan(computed, string(OpCompute), "invalid expression: %v", err)
}

func validateCompare(c Compare, cols columnSet) error {
	if len(c.Aggregate.GroupBy) > 0 {
		return qerr.InvalidPlan(c.Aggregate.Column, string(OpCompare), "compare aggregates cannot be grouped")
	}
	for _, branch := range []Branch{c.Left, c.Right} {
		out, err := validateSteps(branch.Steps, cols.clone(), false)
		if err != nil {
			return err
		}
		if _, err := validateAggregate(c.Aggregate, out); err != nil {
			return err
		}
	}
	return nil
}

// BranchLabel is the label shown for a compare branch.
func BranchLabel(b Branch, fallback string) string {
	if label := strings.TrimSpace(b.Label); label != "" {
		return label
	}
	if len(b.Steps) == 0 {
		return fallback
	}
	return Describe(Plan{Steps: b.Steps})
}
