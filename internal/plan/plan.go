// Package plan defines QueryPlan, the structured form of a translated
// question. A plan is an ordered pipeline of steps; each step is one of six
// closed variants and the executor switches over them exhaustively.
package plan

type Op string

const (
	OpFilter    Op = "filter"
	OpProject   Op = "project"
	OpAggregate Op = "aggregate"
	OpSort      Op = "sort"
	OpCompute   Op = "compute"
	OpCompare   Op = "compare"
)

type Step interface {
	Op() Op
	step()
}

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpBefore   Operator = "before"
	OpAfter    Operator = "after"
	OpIsNull   Operator = "is_null"
	OpNotNull  Operator = "not_null"
)

type AggFunc string

const (
	AggCount         AggFunc = "count"
	AggSum           AggFunc = "sum"
	AggAverage       AggFunc = "average"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggDistinctCount AggFunc = "distinct_count"
)

// Filter keeps rows whose Column satisfies Operator against Value. Value is a
// JSON literal (string, number, bool); it is unused for null tests.
type Filter struct {
	Column   string
	Operator Operator
	Value    any
}

type Project struct {
	Columns []string
}

// Aggregate reduces rows. Without GroupBy it yields a scalar and must end the
// plan; with GroupBy it yields one row per group in first-seen order. Column
// may be empty for a row count.
type Aggregate struct {
	Func      AggFunc
	Column    string
	GroupBy   []string
	NullStats bool
}

// Sort is always stable.
type Sort struct {
	Column     string
	Descending bool
}

type Compute struct {
	Name       string
	Expression string
}

// Compare runs two branch pipelines over the same input, reduces each with
// Aggregate and reports both values side by side. It must end the plan.
type Compare struct {
	Aggregate Aggregate
	Left      Branch
	Right     Branch
}

type Branch struct {
	Label string
	Steps []Step
}

type Plan struct {
	Steps []Step
}

func (Filter) Op() Op    { return OpFilter }
func (Project) Op() Op   { return OpProject }
func (Aggregate) Op() Op { return OpAggregate }
func (Sort) Op() Op      { return OpSort }
func (Compute) Op() Op   { return OpCompute }
func (Compare) Op() Op   { return OpCompare }

func (Filter) step()    {}
func (Project) step()   {}
func (Aggregate) step() {}
func (Sort) step()      {}
func (Compute) step()   {}
func (Compare) step()   {}

// OutputName is the column an aggregate writes its value to.
func (a Aggregate) OutputName() string {
	if a.Column == "" {
		return string(a.Func)
	}
	return string(a.Func) + "_" + a.Column
}

func (o Operator) NeedsValue() bool {
	return o != OpIsNull && o != OpNotNull
}
