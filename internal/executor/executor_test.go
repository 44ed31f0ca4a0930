package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/plan"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

func fixture(t *testing.T, header []string, rows [][]string) (*dataset.Dataset, schema.Schema, *Executor) {
	t.Helper()
	ds := &dataset.Dataset{ID: "ds", Columns: dataset.FromRows(header, rows)}
	inferencer := schema.NewInferencer(schema.DefaultOptions())
	return ds, inferencer.Infer(ds), New(DefaultOptions(), inferencer.IsNull)
}

func staff(t *testing.T) (*dataset.Dataset, schema.Schema, *Executor) {
	return fixture(t,
		[]string{"name", "dept", "age", "salary", "remote"},
		[][]string{
			{"ann", "ops", "31", "5000.5", "yes"},
			{"bob", "eng", "42", "7000", "no"},
			{"cid", "ops", "", "4000", "no"},
			{"dee", "eng", "29", "", "yes"},
			{"eve", "Ops ", "31", "4500", "no"},
		})
}

func mustExecute(t *testing.T, e *Executor, p plan.Plan, ds *dataset.Dataset, sch schema.Schema) Result {
	t.Helper()
	if err := plan.Validate(p, sch); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	got, err := e.Execute(context.Background(), p, ds, sch)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return got
}

func TestAverageAge(t *testing.T) {
	ds, sch, e := fixture(t, []string{"age"}, [][]string{{"25"}, {"30"}, {"40"}})
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{plan.Aggregate{Func: plan.AggAverage, Column: "age"}}}, ds, sch)
	if got.Kind != KindScalar || got.Value == nil {
		t.Fatalf("Execute() = %+v, want scalar", got)
	}
	avg, _ := got.Value.Number()
	if math.Abs(avg-31.666666666) > 1e-6 {
		t.Fatalf("average = %v, want 31.666...", avg)
	}
}

func TestNullsExcludedAndCountedOnRequest(t *testing.T) {
	ds, sch, e := staff(t)
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Aggregate{Func: plan.AggSum, Column: "salary", NullStats: true},
	}}, ds, sch)
	sum, _ := got.Value.Number()
	if math.Abs(sum-20500.5) > 1e-9 {
		t.Fatalf("sum = %v, want 20500.5", sum)
	}
	if got.NullCount == nil || *got.NullCount != 1 {
		t.Fatalf("null count = %v, want 1", got.NullCount)
	}

	withoutStats := mustExecute(t, e, plan.Plan{Steps: []plan.Step{plan.Aggregate{Func: plan.AggCount, Column: "age"}}}, ds, sch)
	if withoutStats.NullCount != nil || withoutStats.Value.Int() != 4 {
		t.Fatalf("count(age) = %+v, want 4 with no null stats", withoutStats)
	}
}

func TestFilterNeverMatchesNullUnlessAsked(t *testing.T) {
	ds, sch, e := staff(t)
	lt := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Filter{Column: "age", Operator: plan.OpLt, Value: float64(100)},
	}}, ds, sch)
	if lt.RowCount != 4 {
		t.Fatalf("age < 100 rows = %d, want 4", lt.RowCount)
	}
	ne := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Filter{Column: "age", Operator: plan.OpNe, Value: float64(31)},
	}}, ds, sch)
	if ne.RowCount != 2 {
		t.Fatalf("age != 31 rows = %d, want 2", ne.RowCount)
	}
	isNull := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Filter{Column: "age", Operator: plan.OpIsNull},
	}}, ds, sch)
	if isNull.RowCount != 1 || isNull.Rows[0][0].Str() != "cid" {
		t.Fatalf("age is null = %+v", isNull.Rows)
	}
}

func TestSortIsStable(t *testing.T) {
	ds, sch, e := staff(t)
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Sort{Column: "age", Descending: true},
		plan.Project{Columns: []string{"name"}},
	}}, ds, sch)
	want := []string{"bob", "ann", "eve", "dee", "cid"}
	for i, name := range want {
		if got.Rows[i][0].Str() != name {
			t.Fatalf("row %d = %q, want %q (rows %v)", i, got.Rows[i][0].Str(), name, got.Rows)
		}
	}
}

func TestGroupedAggregateIsSeriesInFirstSeenOrder(t *testing.T) {
	ds, sch, e := staff(t)
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Aggregate{Func: plan.AggCount, GroupBy: []string{"dept"}},
	}}, ds, sch)
	if got.Kind != KindSeries || len(got.Series) != 2 {
		t.Fatalf("Execute() = %+v, want 2-point series", got)
	}
	if got.Series[0].Label != "ops" || got.Series[0].Value.Int() != 3 {
		t.Fatalf("first point = %+v, want ops=3", got.Series[0])
	}
	if got.Series[1].Label != "eng" || got.Series[1].Value.Int() != 2 {
		t.Fatalf("second point = %+v, want eng=2", got.Series[1])
	}
}

func TestComputeThenAggregate(t *testing.T) {
	ds, sch, e := staff(t)
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
		plan.Compute{Name: "monthly", Expression: "salary / 12"},
		plan.Filter{Column: "monthly", Operator: plan.OpGt, Value: float64(400)},
		plan.Aggregate{Func: plan.AggMax, Column: "monthly"},
	}}, ds, sch)
	max, _ := got.Value.Number()
	if math.Abs(max-7000.0/12) > 1e-9 {
		t.Fatalf("max monthly = %v", max)
	}
}

func TestCompare(t *testing.T) {
	ds, sch, e := staff(t)
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{plan.Compare{
		Aggregate: plan.Aggregate{Func: plan.AggCount},
		Left:      plan.Branch{Label: "remote", Steps: []plan.Step{plan.Filter{Column: "remote", Operator: plan.OpEq, Value: true}}},
		Right:     plan.Branch{Label: "office", Steps: []plan.Step{plan.Filter{Column: "remote", Operator: plan.OpEq, Value: false}}},
	}}}, ds, sch)
	if got.Kind != KindSeries || got.Comparison == nil {
		t.Fatalf("Execute() = %+v, want comparison series", got)
	}
	if got.Series[0].Value.Int() != 2 || got.Series[1].Value.Int() != 3 {
		t.Fatalf("series = %+v, want 2 vs 3", got.Series)
	}
	if got.Comparison.Difference.Int() != -1 {
		t.Fatalf("difference = %v, want -1", got.Comparison.Difference)
	}
}

func TestExecuteIsDeterministic(t *testing.T) {
	ds, sch, e := staff(t)
	p := plan.Plan{Steps: []plan.Step{
		plan.Aggregate{Func: plan.AggAverage, Column: "salary", GroupBy: []string{"dept", "remote"}, NullStats: true},
		plan.Sort{Column: "average_salary"},
	}}
	first, _ := json.Marshal(mustExecute(t, e, p, ds, sch))
	second, _ := json.Marshal(mustExecute(t, e, p, ds, sch))
	if !bytes.Equal(first, second) {
		t.Fatalf("results differ:\n%s\n%s", first, second)
	}
}

func TestMissingColumnIsExecutionErrorWithStep(t *testing.T) {
	ds, sch, e := staff(t)
	_, err := e.Execute(context.Background(), plan.Plan{Steps: []plan.Step{
		plan.Sort{Column: "age"},
		plan.Filter{Column: "bonus", Operator: plan.OpGt, Value: float64(1)},
	}}, ds, sch)
	var qe *qerr.Error
	if !errors.As(err, &qe) || qe.Kind != qerr.KindExecution || qe.Step != 2 {
		t.Fatalf("Execute() error = %v, want execution error at step 2", err)
	}
}

func TestRowCeiling(t *testing.T) {
	ds, sch, _ := staff(t)
	e := New(Options{MaxRows: 3}, nil)
	_, err := e.Execute(context.Background(), plan.Plan{Steps: []plan.Step{plan.Aggregate{Func: plan.AggCount}}}, ds, sch)
	if !errors.Is(err, qerr.ErrExecution) {
		t.Fatalf("Execute() error = %v, want execution error", err)
	}
}

func TestDeadlineIsTimeout(t *testing.T) {
	ds, sch, e := staff(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := e.Execute(ctx, plan.Plan{Steps: []plan.Step{plan.Aggregate{Func: plan.AggCount}}}, ds, sch)
	if !errors.Is(err, qerr.ErrTimeout) {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
}

func TestIntegerSumOverflowPromotes(t *testing.T) {
	ds, sch, e := fixture(t, []string{"n"}, [][]string{{"9223372036854775807"}, {"10"}})
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{plan.Aggregate{Func: plan.AggSum, Column: "n"}}}, ds, sch)
	if got.Value.Kind() != value.KindFloat {
		t.Fatalf("sum kind = %v, want float", got.Value.Kind())
	}
}

func TestFilterOperatorsPerType(t *testing.T) {
	ds, sch, e := fixture(t,
		[]string{"name", "joined", "score", "active"},
		[][]string{
			{"Ann", "2024-01-10", "0.3", "yes"},
			{" cherry", "2024-03-05", "0.1", "no"},
			{"bob", "2023-12-31", "0.30000000000000004", "yes"},
			{"ANNA", "", "1.5", "no"},
		})
	tests := []struct {
		name     string
		column   string
		operator plan.Operator
		value    any
		want     []string
	}{
		{name: "datetime before", column: "joined", operator: plan.OpBefore, value: "2024-01-01", want: []string{"bob"}},
		{name: "datetime after", column: "joined", operator: plan.OpAfter, value: "2024-01-10", want: []string{"cherry"}},
		{name: "datetime eq", column: "joined", operator: plan.OpEq, value: "2024-01-10", want: []string{"Ann"}},
		{name: "text contains folds case", column: "name", operator: plan.OpContains, value: "ann", want: []string{"Ann", "ANNA"}},
		{name: "text eq folds case", column: "name", operator: plan.OpEq, value: "ann", want: []string{"Ann"}},
		{name: "text eq trims cell and literal", column: "name", operator: plan.OpEq, value: "cherry ", want: []string{"cherry"}},
		{name: "text ne", column: "name", operator: plan.OpNe, value: "ANN", want: []string{"cherry", "bob", "ANNA"}},
		{name: "float eq uses epsilon", column: "score", operator: plan.OpEq, value: 0.3, want: []string{"Ann", "bob"}},
		{name: "boolean eq", column: "active", operator: plan.OpEq, value: true, want: []string{"Ann", "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{
				plan.Filter{Column: tt.column, Operator: tt.operator, Value: tt.value},
				plan.Project{Columns: []string{"name"}},
			}}, ds, sch)
			names := make([]string, len(got.Rows))
			for i, row := range got.Rows {
				names[i] = strings.TrimSpace(row[0].Str())
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("filter %s %s %v = %v, want %v", tt.column, tt.operator, tt.value, names, tt.want)
			}
		})
	}
}

func TestNotEqualIsInvalidForBooleanAndDateTime(t *testing.T) {
	_, sch, _ := fixture(t,
		[]string{"joined", "active"},
		[][]string{{"2024-01-10", "yes"}, {"2024-03-05", "no"}})
	for _, f := range []plan.Filter{
		{Column: "active", Operator: plan.OpNe, Value: true},
		{Column: "joined", Operator: plan.OpNe, Value: "2024-01-10"},
	} {
		err := plan.Validate(plan.Plan{Steps: []plan.Step{f}}, sch)
		if !errors.Is(err, qerr.ErrInvalidPlan) {
			t.Fatalf("Validate(%s ne) error = %v, want invalid plan", f.Column, err)
		}
		var qe *qerr.Error
		if !errors.As(err, &qe) || qe.Column != f.Column || qe.Operation != string(plan.OpNe) {
			t.Fatalf("Validate(%s ne) error = %+v, want column and operation named", f.Column, qe)
		}
	}
}

func TestSortTextFoldsCaseAndSpace(t *testing.T) {
	ds, sch, e := fixture(t, []string{"fruit"}, [][]string{{"banana"}, {"Apple"}, {" cherry"}, {"apple"}})
	got := mustExecute(t, e, plan.Plan{Steps: []plan.Step{plan.Sort{Column: "fruit"}}}, ds, sch)
	want := []string{"Apple", "apple", "banana", " cherry"}
	for i, fruit := range want {
		if got.Rows[i][0].Str() != fruit {
			t.Fatalf("row %d = %q, want %q", i, got.Rows[i][0].Str(), fruit)
		}
	}
}

func TestComputedNameIsTrimmedOnDecode(t *testing.T) {
	ds, sch, e := fixture(t, []string{"age"}, [][]string{{"25"}, {"30"}, {"40"}})
	p, err := plan.Parse([]byte(`{"steps":[
		{"op":"compute","name":" double ","expression":"age * 2"},
		{"op":"aggregate","func":"sum","column":"double"}
	]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := mustExecute(t, e, p, ds, sch)
	if got.Value == nil {
		t.Fatalf("Execute() = %+v, want scalar", got)
	}
	sum, ok := got.Value.Number()
	if !ok || sum != 190 {
		t.Fatalf("sum(double) = %v, want 190", got.Value)
	}
}
