package plan

import (
	"fmt"
	"strings"
)

// Describe renders a plan as a one-line pipeline, used for history and audit
// views.
func Describe(p Plan) string {
	parts := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		parts = append(parts, describeStep(step))
	}
	return strings.Join(parts, " | ")
}

func describeStep(step Step) string {
	switch s := step.(type) {
	case Filter:
		if !s.Operator.NeedsValue() {
			return fmt.Sprintf("filter %s %s", s.Column, s.Operator)
		}
		return fmt.Sprintf("filter %s %s %s", s.Column, s.Operator, literal(s.Value))
	case Project:
		return "project " + strings.Join(s.Columns, ", ")
	case Aggregate:
		return describeAggregate(s)
	case Sort:
		if s.Descending {
			return fmt.Sprintf("sort %s desc", s.Column)
		}
		return fmt.Sprintf("sort %s asc", s.Column)
	case Compute:
		return fmt.Sprintf("compute %s = %s", s.Name, s.Expression)
	case Compare:
		return fmt.Sprintf("compare %s [%s] vs [%s]",
			describeAggregate(s.Aggregate),
			Describe(Plan{Steps: s.Left.Steps}),
			Describe(Plan{Steps: s.Right.Steps}))
	default:
		return fmt.Sprintf("%T", step)
	}
}

func describeAggregate(a Aggregate) string {
	target := a.Column
	if target == "" {
		target = "*"
	}
	out := fmt.Sprintf("%s(%s)", a.Func, target)
	if len(a.GroupBy) > 0 {
		out += " by " + strings.Join(a.GroupBy, ", ")
	}
	if a.NullStats {
		out += " with nulls"
	}
	return out
}

func literal(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
