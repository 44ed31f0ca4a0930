package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type wireStep struct {
	Op         Op          `json:"op"`
	Column     string      `json:"column,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	Columns    []string    `json:"columns,omitempty"`
	Func       AggFunc     `json:"func,omitempty"`
	GroupBy    []string    `json:"group_by,omitempty"`
	NullStats  bool        `json:"null_stats,omitempty"`
	Descending bool        `json:"descending,omitempty"`
	Name       string      `json:"name,omitempty"`
	Expression string      `json:"expression,omitempty"`
	Left       *wireBranch `json:"left,omitempty"`
	Right      *wireBranch `json:"right,omitempty"`
}

type wireBranch struct {
	Label string     `json:"label,omitempty"`
	Steps []wireStep `json:"steps"`
}

type wirePlan struct {
	Steps []wireStep `json:"steps"`
}

func (p Plan) MarshalJSON() ([]byte, error) {
	steps, err := encodeSteps(p.Steps)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePlan{Steps: steps})
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var wire wirePlan
	if err := decoder.Decode(&wire); err != nil {
		return err
	}
	steps, err := decodeSteps(wire.Steps)
	if err != nil {
		return err
	}
	p.Steps = steps
	return nil
}

// Parse decodes the plan JSON form. Unknown step kinds are errors; field
// level checks are left to Validate.
func Parse(data []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, err
	}
	if len(p.Steps) == 0 {
		return Plan{}, fmt.Errorf("plan has no steps")
	}
	return p, nil
}

func encodeSteps(steps []Step) ([]wireStep, error) {
	out := make([]wireStep, 0, len(steps))
	for _, step := range steps {
		var w wireStep
		switch s := step.(type) {
		case Filter:
			w = wireStep{Op: OpFilter, Column: s.Column, Operator: s.Operator, Value: s.Value}
		case Project:
			w = wireStep{Op: OpProject, Columns: s.Columns}
		case Aggregate:
			w = aggregateWire(s)
		case Sort:
			w = wireStep{Op: OpSort, Column: s.Column, Descending: s.Descending}
		case Compute:
			w = wireStep{Op: OpCompute, Name: s.Name, Expression: s.Expression}
		case Compare:
			left, err := encodeSteps(s.Left.Steps)
			if err != nil {
				return nil, err
			}
			right, err := encodeSteps(s.Right.Steps)
			if err != nil {
				return nil, err
			}
			w = aggregateWire(s.Aggregate)
			w.Op = OpCompare
			w.Left = &wireBranch{Label: s.Left.Label, Steps: left}
			w.Right = &wireBranch{Label: s.Right.Label, Steps: right}
		default:
			return nil, fmt.Errorf("unsupported plan step %T", step)
		}
		out = append(out, w)
	}
	return out, nil
}

func aggregateWire(a Aggregate) wireStep {
	return wireStep{Op: OpAggregate, Func: a.Func, Column: a.Column, GroupBy: a.GroupBy, NullStats: a.NullStats}
}

func decodeSteps(wire []wireStep) ([]Step, error) {
	steps := make([]Step, 0, len(wire))
	for i, w := range wire {
		switch Op(strings.ToLower(string(w.Op))) {
		case OpFilter:
			steps = append(steps, Filter{Column: w.Column, Operator: Operator(strings.ToLower(string(w.Operator))), Value: w.Value})
		case OpProject:
			steps = append(steps, Project{Columns: w.Columns})
		case OpAggregate:
			steps = append(steps, aggregateFromWire(w))
		case OpSort:
			steps = append(steps, Sort{Column: w.Column, Descending: w.Descending})
		case OpCompute:
			steps = append(steps, Compute{Name: strings.TrimSpace(w.Name), Expression: w.Expression})
		case OpCompare:
			if w.Left == nil || w.Right == nil {
				return nil, fmt.Errorf("step %d: compare needs left and right branches", i+1)
			}
			left, err := decodeSteps(w.Left.Steps)
			if err != nil {
				return nil, err
			}
			right, err := decodeSteps(w.Right.Steps)
			if err != nil {
				return nil, err
			}
			steps = append(steps, Compare{
				Aggregate: aggregateFromWire(w),
				Left:      Branch{Label: w.Left.Label, Steps: left},
				Right:     Branch{Label: w.Right.Label, Steps: right},
			})
		case "":
			return nil, fmt.Errorf("step %d: missing op", i+1)
		default:
			return nil, fmt.Errorf("step %d: unknown op %q", i+1, w.Op)
		}
	}
	return steps, nil
}

func aggregateFromWire(w wireStep) Aggregate {
	return Aggregate{
		Func:      AggFunc(strings.ToLower(string(w.Func))),
		Column:    w.Column,
		GroupBy:   w.GroupBy,
		NullStats: w.NullStats,
	}
}
