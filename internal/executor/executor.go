// Package executor runs a validated query plan against an in-memory dataset.
// Execution is deterministic: the same plan over the same dataset yields the
// same Result, row order included.
package executor

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/expr"
	"github.com/sheetqa/sheetqa/internal/plan"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

const cancelCheckInterval = 1024

type Options struct {
	// MaxRows caps the rows any step may produce or consume.
	MaxRows int
	// MaxCells caps rows times columns of any intermediate table.
	MaxCells int
	Epsilon  float64
}

func DefaultOptions() Options {
	return Options{MaxRows: 1_000_000, MaxCells: 20_000_000, Epsilon: value.DefaultEpsilon}
}

type Executor struct {
	opts   Options
	isNull func(string) bool
}

// New builds an executor. isNull decides which raw cells read as null and
// should match the inferencer that produced the schema.
func New(opts Options, isNull func(string) bool) *Executor {
	defaults := DefaultOptions()
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaults.MaxRows
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = defaults.MaxCells
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = defaults.Epsilon
	}
	if isNull == nil {
		isNull = func(cell string) bool { return strings.TrimSpace(cell) == "" }
	}
	return &Executor{opts: opts, isNull: isNull}
}

type table struct {
	cols []Column
	rows [][]value.Value
}

func (t *table) index(name string) int {
	for i, col := range t.cols {
		if col.Name == name {
			return i
		}
	}
	return -1
}

func (t *table) types() map[string]schema.Datatype {
	out := make(map[string]schema.Datatype, len(t.cols))
	for _, col := range t.cols {
		out[col.Name] = col.Type
	}
	return out
}

// stepOutput is what a terminal step hands back instead of a table.
type stepOutput struct {
	scalar     *value.Value
	nullCount  *int
	series     []Point
	comparison *Comparison
}

// Execute runs p over ds using the column types from sch. Failures carry the
// 1-based index of the offending step; partial results are never returned.
func (e *Executor) Execute(ctx context.Context, p plan.Plan, ds *dataset.Dataset, sch schema.Schema) (Result, error) {
	if len(p.Steps) == 0 {
		return Result{}, qerr.Execution(0, "plan has no steps")
	}
	input, err := e.materialize(ctx, ds, sch)
	if err != nil {
		return Result{}, err
	}

	current, terminal, err := e.run(ctx, p.Steps, input, 0)
	if err != nil {
		return Result{}, err
	}
	if terminal != nil {
		return scalarResult(*terminal), nil
	}

	out := Result{Kind: KindTable, Columns: current.cols, Rows: current.rows, RowCount: len(current.rows)}
	if out.Rows == nil {
		out.Rows = [][]value.Value{}
	}
	if isSeries(p.Steps) {
		out.Kind = KindSeries
		out.Series = make([]Point, 0, len(current.rows))
		for _, row := range current.rows {
			out.Series = append(out.Series, Point{Label: row[0].String(), Value: row[1]})
		}
	}
	return out, nil
}

func scalarResult(o stepOutput) Result {
	if o.comparison != nil {
		return Result{Kind: KindSeries, Series: o.series, Comparison: o.comparison, RowCount: len(o.series)}
	}
	return Result{Kind: KindScalar, Value: o.scalar, NullCount: o.nullCount, RowCount: 1}
}

// isSeries reports whether the plan ends in a single-key grouped aggregate,
// optionally followed by sorts.
func isSeries(steps []plan.Step) bool {
	for i := len(steps) - 1; i >= 0; i-- {
		switch s := steps[i].(type) {
		case plan.Sort:
			continue
		case plan.Aggregate:
			return len(s.GroupBy) == 1 && !s.NullStats
		default:
			return false
		}
	}
	return false
}

func (e *Executor) materialize(ctx context.Context, ds *dataset.Dataset, sch schema.Schema) (*table, error) {
	rows := ds.RowCount()
	if rows > e.opts.MaxRows {
		return nil, qerr.Execution(1, "dataset has %d rows, above the %d row ceiling", rows, e.opts.MaxRows)
	}
	if rows*len(ds.Columns) > e.opts.MaxCells {
		return nil, qerr.Execution(1, "dataset has %d cells, above the %d cell ceiling", rows*len(ds.Columns), e.opts.MaxCells)
	}

	t := &table{cols: make([]Column, len(ds.Columns)), rows: make([][]value.Value, rows)}
	for j, col := range ds.Columns {
		typ := schema.Text
		if meta, ok := sch.Column(col.Name); ok {
			typ = meta.Type
		}
		t.cols[j] = Column{Name: col.Name, Type: typ}
	}
	for i := 0; i < rows; i++ {
		if i%cancelCheckInterval == 0 {
			if err := qerr.FromContext(ctx, "execution"); err != nil {
				return nil, err
			}
		}
		row := make([]value.Value, len(ds.Columns))
		for j, col := range ds.Columns {
			cell := col.Cells[i]
			if e.isNull(cell) {
				continue
			}
			if t.cols[j].Type == schema.Text {
				row[j] = value.Text(cell)
				continue
			}
			row[j] = value.FromCell(cell, t.cols[j].Type)
		}
		t.rows[i] = row
	}
	return t, nil
}

// run applies steps in order. offset shifts step numbers for compare branches
// so errors still point at the enclosing plan step.
func (e *Executor) run(ctx context.Context, steps []plan.Step, t *table, offset int) (*table, *stepOutput, error) {
	for i, step := range steps {
		number := i + 1
		if offset > 0 {
			number = offset
		}
		if err := qerr.FromContext(ctx, "execution"); err != nil {
			return nil, nil, err
		}

		var (
			next     *table
			terminal *stepOutput
			err      error
		)
		switch s := step.(type) {
		case plan.Filter:
			next, err = e.filter(ctx, s, t, number)
		case plan.Project:
			next, err = project(s, t, number)
		case plan.Aggregate:
			next, terminal, err = e.aggregate(s, t, number)
		case plan.Sort:
			next, err = e.sort(s, t, number)
		case plan.Compute:
			next, err = e.compute(ctx, s, t, number)
		case plan.Compare:
			terminal, err = e.compare(ctx, s, t, number)
		default:
			err = qerr.Execution(number, "unsupported step %T", step)
		}
		if err != nil {
			return nil, nil, err
		}
		if terminal != nil {
			if i != len(steps)-1 {
				return nil, nil, qerr.Execution(number, "%s produces a single value and must be the last step", step.Op())
			}
			return nil, terminal, nil
		}
		if err := e.checkCeiling(next, number); err != nil {
			return nil, nil, err
		}
		t = next
	}
	return t, nil, nil
}

func (e *Executor) checkCeiling(t *table, step int) error {
	if len(t.rows) > e.opts.MaxRows {
		return qerr.Execution(step, "result has %d rows, above the %d row ceiling", len(t.rows), e.opts.MaxRows)
	}
	if len(t.rows)*len(t.cols) > e.opts.MaxCells {
		return qerr.Execution(step, "result has %d cells, above the %d cell ceiling", len(t.rows)*len(t.cols), e.opts.MaxCells)
	}
	return nil
}

func (e *Executor) filter(ctx context.Context, f plan.Filter, t *table, step int) (*table, error) {
	idx := t.index(f.Column)
	if idx < 0 {
		return nil, qerr.Execution(step, "column %q not found", f.Column)
	}
	typ := t.cols[idx].Type
	if !plan.OperatorAllowed(f.Operator, typ) {
		return nil, qerr.Execution(step, "operator %q cannot be applied to %s column %q", f.Operator, typ, f.Column)
	}
	var literal value.Value
	if f.Operator.NeedsValue() {
		parsed, ok := value.Parse(f.Value, typ)
		if !ok || parsed.IsNull() {
			return nil, qerr.Execution(step, "value %v is not a valid %s", f.Value, typ)
		}
		literal = parsed
	}

	out := &table{cols: t.cols, rows: make([][]value.Value, 0, len(t.rows))}
	for i, row := range t.rows {
		if i%cancelCheckInterval == 0 {
			if err := qerr.FromContext(ctx, "execution"); err != nil {
				return nil, err
			}
		}
		if e.matches(f.Operator, row[idx], literal) {
			out.rows = append(out.rows, row)
		}
	}
	return out, nil
}

func (e *Executor) matches(op plan.Operator, cell, literal value.Value) bool {
	switch op {
	case plan.OpIsNull:
		return cell.IsNull()
	case plan.OpNotNull:
		return !cell.IsNull()
	}
	if cell.IsNull() {
		return false
	}
	if cell.Kind() == value.KindText {
		text := strings.TrimSpace(cell.Str())
		switch op {
		case plan.OpEq:
			return strings.EqualFold(text, literal.Str())
		case plan.OpNe:
			return !strings.EqualFold(text, literal.Str())
		case plan.OpContains:
			return strings.Contains(strings.ToLower(text), strings.ToLower(literal.Str()))
		}
		return false
	}
	cmp, ok := value.Compare(cell, literal, e.opts.Epsilon)
	if !ok {
		return false
	}
	switch op {
	case plan.OpEq:
		return cmp == 0
	case plan.OpNe:
		return cmp != 0
	case plan.OpGt, plan.OpAfter:
		return cmp > 0
	case plan.OpGte:
		return cmp >= 0
	case plan.OpLt, plan.OpBefore:
		return cmp < 0
	case plan.OpLte:
		return cmp <= 0
	}
	return false
}

func project(p plan.Project, t *table, step int) (*table, error) {
	indexes := make([]int, len(p.Columns))
	cols := make([]Column, len(p.Columns))
	for i, name := range p.Columns {
		idx := t.index(name)
		if idx < 0 {
			return nil, qerr.Execution(step, "column %q not found", name)
		}
		indexes[i] = idx
		cols[i] = t.cols[idx]
	}
	out := &table{cols: cols, rows: make([][]value.Value, len(t.rows))}
	for r, row := range t.rows {
		projected := make([]value.Value, len(indexes))
		for i, idx := range indexes {
			projected[i] = row[idx]
		}
		out.rows[r] = projected
	}
	return out, nil
}

// sort orders rows stably. Nulls sort last in both directions.
func (e *Executor) sort(s plan.Sort, t *table, step int) (*table, error) {
	idx := t.index(s.Column)
	if idx < 0 {
		return nil, qerr.Execution(step, "column %q not found", s.Column)
	}
	rows := append([][]value.Value(nil), t.rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		left, right := rows[a][idx], rows[b][idx]
		if left.IsNull() || right.IsNull() {
			return !left.IsNull() && right.IsNull()
		}
		cmp, ok := value.Compare(left, right, e.opts.Epsilon)
		if !ok {
			return false
		}
		if s.Descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return &table{cols: t.cols, rows: rows}, nil
}

func (e *Executor) compute(ctx context.Context, c plan.Compute, t *table, step int) (*table, error) {
	if t.index(c.Name) >= 0 {
		return nil, qerr.Execution(step, "computed column %q already exists", c.Name)
	}
	compiled, err := expr.Compile(c.Expression, t.types())
	if err != nil {
		var unknown *expr.UnknownColumnError
		if errors.As(err, &unknown) {
			return nil, qerr.Execution(step, "column %q not found", unknown.Name)
		}
		return nil, qerr.Execution(step, "invalid expression %q: %v", c.Expression, err)
	}

	positions := make(map[string]int, len(t.cols))
	for i, col := range t.cols {
		positions[col.Name] = i
	}
	cols := append(append([]Column(nil), t.cols...), Column{Name: c.Name, Type: compiled.Type()})
	out := &table{cols: cols, rows: make([][]value.Value, len(t.rows))}
	for r, row := range t.rows {
		if r%cancelCheckInterval == 0 {
			if err := qerr.FromContext(ctx, "execution"); err != nil {
				return nil, err
			}
		}
		lookup := func(name string) value.Value { return row[positions[name]] }
		extended := make([]value.Value, len(row)+1)
		copy(extended, row)
		extended[len(row)] = compiled.Eval(lookup)
		out.rows[r] = extended
	}
	return out, nil
}

func (e *Executor) compare(ctx context.Context, c plan.Compare, t *table, step int) (*stepOutput, error) {
	if len(c.Aggregate.GroupBy) > 0 {
		return nil, qerr.Execution(step, "compare aggregates cannot be grouped")
	}
	branches := []plan.Branch{c.Left, c.Right}
	fallbacks := []string{"left", "right"}
	points := make([]Point, 0, 2)
	for i, branch := range branches {
		branchTable, terminal, err := e.run(ctx, branch.Steps, t, step)
		if err != nil {
			return nil, err
		}
		if terminal != nil {
			return nil, qerr.Execution(step, "compare branches must produce rows")
		}
		_, out, err := e.aggregate(c.Aggregate, branchTable, step)
		if err != nil {
			return nil, err
		}
		points = append(points, Point{Label: plan.BranchLabel(branch, fallbacks[i]), Value: *out.scalar})
	}

	comparison := &Comparison{Difference: value.Null(), Ratio: value.Null()}
	left, lok := points[0].Value.Number()
	right, rok := points[1].Value.Number()
	if lok && rok {
		comparison.Difference = value.Float(left - right)
		if points[0].Value.Kind() == value.KindInt && points[1].Value.Kind() == value.KindInt {
			comparison.Difference = subtract(points[0].Value.Int(), points[1].Value.Int())
		}
		if right != 0 {
			comparison.Ratio = value.Float(left / right)
		}
	}
	return &stepOutput{series: points, comparison: comparison}, nil
}
