// Package expr compiles the small arithmetic and string expression language
// used to derive computed columns.
//
// Operands are numbers, 'single-quoted' strings, bare or "double-quoted"
// column names and calls to a few built-in functions. Operators are + - * / %
// with the usual precedence, unary minus and parentheses.
package expr

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

// UnknownColumnError is returned when an expression references a column that
// is not in the type environment.
type UnknownColumnError struct {
	Name string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("unknown column %q", e.Name)
}

// TypeError reports an operand whose type does not fit the operator.
type TypeError struct {
	Column string
	Msg    string
}

func (e *TypeError) Error() string {
	return e.Msg
}

var ErrEmpty = errors.New("expression is empty")

type Expr struct {
	src     string
	root    node
	typ     schema.Datatype
	columns []string
}

// Compile parses src and type-checks it against the given column types.
func Compile(src string, types map[string]schema.Datatype) (*Expr, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, ErrEmpty
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
	}

	seen := map[string]struct{}{}
	typ, err := root.check(types, seen)
	if err != nil {
		return nil, err
	}
	columns := make([]string, 0, len(seen))
	for name := range seen {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return &Expr{src: src, root: root, typ: typ, columns: columns}, nil
}

func (e *Expr) Type() schema.Datatype { return e.typ }

// Columns lists referenced column names in sorted order.
func (e *Expr) Columns() []string { return append([]string(nil), e.columns...) }

func (e *Expr) String() string { return e.src }

// Eval computes the expression for one row. Nulls propagate and division by
// zero yields null; evaluation itself never fails.
func (e *Expr) Eval(row func(column string) value.Value) value.Value {
	return e.root.eval(row)
}
