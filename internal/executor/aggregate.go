package executor

import (
	"strings"

	"github.com/sheetqa/sheetqa/internal/plan"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

// accumulator folds the non-null values of one group. Nulls are only counted.
type accumulator struct {
	fn       plan.AggFunc
	eps      float64
	rows     int
	nonNull  int
	nulls    int
	intSum   int64
	floatSum float64
	floating bool
	best     value.Value
	distinct map[string]struct{}
}

func newAccumulator(fn plan.AggFunc, eps float64) *accumulator {
	acc := &accumulator{fn: fn, eps: eps, best: value.Null()}
	if fn == plan.AggDistinctCount {
		acc.distinct = map[string]struct{}{}
	}
	return acc
}

func (a *accumulator) add(v value.Value, hasColumn bool) {
	a.rows++
	if !hasColumn {
		return
	}
	if v.IsNull() {
		a.nulls++
		return
	}
	a.nonNull++
	switch a.fn {
	case plan.AggSum, plan.AggAverage:
		a.addNumber(v)
	case plan.AggMin, plan.AggMax:
		if a.best.IsNull() {
			a.best = v
			return
		}
		cmp, ok := value.Compare(v, a.best, a.eps)
		if !ok {
			return
		}
		if (a.fn == plan.AggMin && cmp < 0) || (a.fn == plan.AggMax && cmp > 0) {
			a.best = v
		}
	case plan.AggDistinctCount:
		a.distinct[groupKey(v)] = struct{}{}
	}
}

// addNumber keeps an exact integer sum until it would overflow, then
// continues in float.
func (a *accumulator) addNumber(v value.Value) {
	if v.Kind() == value.KindInt && !a.floating {
		next := a.intSum + v.Int()
		overflow := (v.Int() > 0 && next < a.intSum) || (v.Int() < 0 && next > a.intSum)
		if !overflow {
			a.intSum = next
			return
		}
	}
	if !a.floating {
		a.floating = true
		a.floatSum = float64(a.intSum)
	}
	f, _ := v.Number()
	a.floatSum += f
}

func (a *accumulator) result(hasColumn bool) value.Value {
	switch a.fn {
	case plan.AggCount:
		if !hasColumn {
			return value.Int(int64(a.rows))
		}
		return value.Int(int64(a.nonNull))
	case plan.AggDistinctCount:
		return value.Int(int64(len(a.distinct)))
	case plan.AggSum:
		if a.floating {
			return value.Float(a.floatSum)
		}
		return value.Int(a.intSum)
	case plan.AggAverage:
		if a.nonNull == 0 {
			return value.Null()
		}
		total := float64(a.intSum)
		if a.floating {
			total = a.floatSum
		}
		return value.Float(total / float64(a.nonNull))
	case plan.AggMin, plan.AggMax:
		return a.best
	}
	return value.Null()
}

func (e *Executor) aggregate(a plan.Aggregate, t *table, step int) (*table, *stepOutput, error) {
	valueIdx := -1
	resultType := schema.Integer
	if a.Column != "" {
		valueIdx = t.index(a.Column)
		if valueIdx < 0 {
			return nil, nil, qerr.Execution(step, "column %q not found", a.Column)
		}
		typ, ok := plan.AggregateType(a.Func, t.cols[valueIdx].Type)
		if !ok {
			return nil, nil, qerr.Execution(step, "cannot compute %s of %s column %q", a.Func, t.cols[valueIdx].Type, a.Column)
		}
		resultType = typ
	} else if a.Func != plan.AggCount {
		return nil, nil, qerr.Execution(step, "%s needs a column", a.Func)
	}
	hasColumn := valueIdx >= 0

	groupIdx := make([]int, len(a.GroupBy))
	for i, name := range a.GroupBy {
		groupIdx[i] = t.index(name)
		if groupIdx[i] < 0 {
			return nil, nil, qerr.Execution(step, "column %q not found", name)
		}
	}

	if len(groupIdx) == 0 {
		acc := newAccumulator(a.Func, e.opts.Epsilon)
		for _, row := range t.rows {
			acc.add(cellAt(row, valueIdx), hasColumn)
		}
		out := acc.result(hasColumn)
		terminal := &stepOutput{scalar: &out}
		if a.NullStats {
			nulls := acc.nulls
			terminal.nullCount = &nulls
		}
		return nil, terminal, nil
	}

	type group struct {
		key []value.Value
		acc *accumulator
	}
	var order []*group
	groups := map[string]*group{}
	for _, row := range t.rows {
		keyParts := make([]string, len(groupIdx))
		keyValues := make([]value.Value, len(groupIdx))
		for i, idx := range groupIdx {
			keyValues[i] = row[idx]
			keyParts[i] = groupKey(row[idx])
		}
		key := strings.Join(keyParts, "\x1f")
		g, ok := groups[key]
		if !ok {
			g = &group{key: keyValues, acc: newAccumulator(a.Func, e.opts.Epsilon)}
			groups[key] = g
			order = append(order, g)
		}
		g.acc.add(cellAt(row, valueIdx), hasColumn)
	}

	cols := make([]Column, 0, len(groupIdx)+2)
	for _, idx := range groupIdx {
		cols = append(cols, t.cols[idx])
	}
	cols = append(cols, Column{Name: a.OutputName(), Type: resultType})
	if a.NullStats {
		cols = append(cols, Column{Name: plan.NullCountName, Type: schema.Integer})
	}
	out := &table{cols: cols, rows: make([][]value.Value, 0, len(order))}
	for _, g := range order {
		row := append(append([]value.Value(nil), g.key...), g.acc.result(hasColumn))
		if a.NullStats {
			row = append(row, value.Int(int64(g.acc.nulls)))
		}
		out.rows = append(out.rows, row)
	}
	return out, nil, nil
}

// groupKey folds case and surrounding space for text so "Oslo" and "oslo "
// group together, matching filter equality.
func groupKey(v value.Value) string {
	if v.Kind() == value.KindText {
		return "s:" + strings.ToLower(strings.TrimSpace(v.Str()))
	}
	return v.Key()
}

func cellAt(row []value.Value, idx int) value.Value {
	if idx < 0 {
		return value.Null()
	}
	return row[idx]
}

func subtract(a, b int64) value.Value {
	diff := a - b
	if (a >= 0 && b < 0 && diff < 0) || (a < 0 && b > 0 && diff >= 0) {
		return value.Float(float64(a) - float64(b))
	}
	return value.Int(diff)
}
