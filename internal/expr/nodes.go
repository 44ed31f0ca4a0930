package expr

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/sheetqa/sheetqa/internal/schema"
	"github.com/sheetqa/sheetqa/internal/value"
)

type node interface {
	check(types map[string]schema.Datatype, seen map[string]struct{}) (schema.Datatype, error)
	eval(row func(string) value.Value) value.Value
}

type literalNode struct {
	v value.Value
}

func (n *literalNode) check(map[string]schema.Datatype, map[string]struct{}) (schema.Datatype, error) {
	switch n.v.Kind() {
	case value.KindInt:
		return schema.Integer, nil
	case value.KindFloat:
		return schema.Float, nil
	default:
		return schema.Text, nil
	}
}

func (n *literalNode) eval(func(string) value.Value) value.Value { return n.v }

type columnNode struct {
	name string
}

func (n *columnNode) check(types map[string]schema.Datatype, seen map[string]struct{}) (schema.Datatype, error) {
	typ, ok := types[n.name]
	if !ok {
		return "", &UnknownColumnError{Name: n.name}
	}
	seen[n.name] = struct{}{}
	return typ, nil
}

func (n *columnNode) eval(row func(string) value.Value) value.Value { return row(n.name) }

type negateNode struct {
	operand node
}

func (n *negateNode) check(types map[string]schema.Datatype, seen map[string]struct{}) (schema.Datatype, error) {
	typ, err := n.operand.check(types, seen)
	if err != nil {
		return "", err
	}
	if !typ.Numeric() {
		return "", &TypeError{Column: columnName(n.operand), Msg: fmt.Sprintf("cannot negate %s value", typ)}
	}
	return typ, nil
}

func (n *negateNode) eval(row func(string) value.Value) value.Value {
	v := n.operand.eval(row)
	switch v.Kind() {
	case value.KindInt:
		if v.Int() == math.MinInt64 {
			return value.Float(-float64(v.Int()))
		}
		return value.Int(-v.Int())
	case value.KindFloat:
		f, _ := v.Number()
		return value.Float(-f)
	default:
		return value.Null()
	}
}

type binaryNode struct {
	op          string
	left, right node
	concat      bool
}

func (n *binaryNode) check(types map[string]schema.Datatype, seen map[string]struct{}) (schema.Datatype, error) {
	lt, err := n.left.check(types, seen)
	if err != nil {
		return "", err
	}
	rt, err := n.right.check(types, seen)
	if err != nil {
		return "", err
	}
	if n.op == "+" && lt == schema.Text && rt == schema.Text {
		n.concat = true
		return schema.Text, nil
	}
	if !lt.Numeric() {
		return "", &TypeError{Column: columnName(n.left), Msg: fmt.Sprintf("operator %s does not apply to %s and %s", n.op, lt, rt)}
	}
	if !rt.Numeric() {
		return "", &TypeError{Column: columnName(n.right), Msg: fmt.Sprintf("operator %s does not apply to %s and %s", n.op, lt, rt)}
	}
	if n.op == "/" || lt == schema.Float || rt == schema.Float {
		return schema.Float, nil
	}
	return schema.Integer, nil
}

func (n *binaryNode) eval(row func(string) value.Value) value.Value {
	l := n.left.eval(row)
	r := n.right.eval(row)
	if l.IsNull() || r.IsNull() {
		return value.Null()
	}
	if n.concat {
		return value.Text(l.Str() + r.Str())
	}
	if l.Kind() == value.KindInt && r.Kind() == value.KindInt && n.op != "/" {
		return intArith(n.op, l.Int(), r.Int())
	}
	lf, lok := l.Number()
	rf, rok := r.Number()
	if !lok || !rok {
		return value.Null()
	}
	switch n.op {
	case "+":
		return value.Float(lf + rf)
	case "-":
		return value.Float(lf - rf)
	case "*":
		return value.Float(lf * rf)
	case "/":
		if rf == 0 {
			return value.Null()
		}
		return value.Float(lf / rf)
	case "%":
		if rf == 0 {
			return value.Null()
		}
		return value.Float(math.Mod(lf, rf))
	}
	return value.Null()
}

// intArith promotes to float when the int64 result would overflow.
func intArith(op string, a, b int64) value.Value {
	switch op {
	case "+":
		sum := a + b
		if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
			return value.Float(float64(a) + float64(b))
		}
		return value.Int(sum)
	case "-":
		diff := a - b
		if (a >= 0 && b < 0 && diff < 0) || (a < 0 && b > 0 && diff >= 0) {
			return value.Float(float64(a) - float64(b))
		}
		return value.Int(diff)
	case "*":
		if a == 0 || b == 0 {
			return value.Int(0)
		}
		product := a * b
		if product/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return value.Float(float64(a) * float64(b))
		}
		return value.Int(product)
	case "%":
		if b == 0 {
			return value.Null()
		}
		if b == -1 {
			return value.Int(0)
		}
		return value.Int(a % b)
	}
	return value.Null()
}

type function struct {
	name    string
	minArgs int
	maxArgs int
	check   func(args []schema.Datatype) (schema.Datatype, error)
	eval    func(args []value.Value) value.Value
}

var functions = map[string]*function{
	"lower": textFunction("lower", strings.ToLower),
	"upper": textFunction("upper", strings.ToUpper),
	"trim":  textFunction("trim", strings.TrimSpace),
	"length": {
		name: "length", minArgs: 1, maxArgs: 1,
		check: expect("length", schema.Integer, schema.Text),
		eval: func(args []value.Value) value.Value {
			return value.Int(int64(utf8.RuneCountInString(args[0].Str())))
		},
	},
	"abs": {
		name: "abs", minArgs: 1, maxArgs: 1,
		check: numericPassthrough("abs"),
		eval: func(args []value.Value) value.Value {
			if args[0].Kind() == value.KindInt {
				if args[0].Int() == math.MinInt64 {
					return value.Float(math.Abs(float64(args[0].Int())))
				}
				if args[0].Int() < 0 {
					return value.Int(-args[0].Int())
				}
				return args[0]
			}
			f, _ := args[0].Number()
			return value.Float(math.Abs(f))
		},
	},
	"round": {
		name: "round", minArgs: 1, maxArgs: 2,
		check: func(args []schema.Datatype) (schema.Datatype, error) {
			for _, arg := range args {
				if !arg.Numeric() {
					return "", fmt.Errorf("round() expects numeric arguments, got %s", arg)
				}
			}
			if len(args) == 2 && args[1] != schema.Integer {
				return "", fmt.Errorf("round() digits must be an integer")
			}
			if args[0] == schema.Integer {
				return schema.Integer, nil
			}
			return schema.Float, nil
		},
		eval: func(args []value.Value) value.Value {
			if args[0].Kind() == value.KindInt {
				return args[0]
			}
			f, _ := args[0].Number()
			digits := int64(0)
			if len(args) == 2 {
				digits = args[1].Int()
			}
			scale := math.Pow(10, float64(digits))
			return value.Float(math.Round(f*scale) / scale)
		},
	},
	"year":  datePart("year", func(v value.Value) int64 { return int64(v.Time().Year()) }),
	"month": datePart("month", func(v value.Value) int64 { return int64(v.Time().Month()) }),
	"day":   datePart("day", func(v value.Value) int64 { return int64(v.Time().Day()) }),
}

func textFunction(name string, fn func(string) string) *function {
	return &function{
		name: name, minArgs: 1, maxArgs: 1,
		check: expect(name, schema.Text, schema.Text),
		eval: func(args []value.Value) value.Value {
			return value.Text(fn(args[0].Str()))
		},
	}
}

func datePart(name string, fn func(value.Value) int64) *function {
	return &function{
		name: name, minArgs: 1, maxArgs: 1,
		check: expect(name, schema.Integer, schema.DateTime),
		eval: func(args []value.Value) value.Value {
			return value.Int(fn(args[0]))
		},
	}
}

func expect(name string, result, arg schema.Datatype) func([]schema.Datatype) (schema.Datatype, error) {
	return func(args []schema.Datatype) (schema.Datatype, error) {
		if args[0] != arg {
			return "", fmt.Errorf("%s() expects a %s argument, got %s", name, arg, args[0])
		}
		return result, nil
	}
}

func numericPassthrough(name string) func([]schema.Datatype) (schema.Datatype, error) {
	return func(args []schema.Datatype) (schema.Datatype, error) {
		if !args[0].Numeric() {
			return "", fmt.Errorf("%s() expects a numeric argument, got %s", name, args[0])
		}
		return args[0], nil
	}
}

type callNode struct {
	fn   *function
	args []node
}

func (n *callNode) check(types map[string]schema.Datatype, seen map[string]struct{}) (schema.Datatype, error) {
	argTypes := make([]schema.Datatype, len(n.args))
	for i, arg := range n.args {
		typ, err := arg.check(types, seen)
		if err != nil {
			return "", err
		}
		argTypes[i] = typ
	}
	typ, err := n.fn.check(argTypes)
	if err != nil {
		column := ""
		if len(n.args) > 0 {
			column = columnName(n.args[0])
		}
		return "", &TypeError{Column: column, Msg: err.Error()}
	}
	return typ, nil
}

func (n *callNode) eval(row func(string) value.Value) value.Value {
	args := make([]value.Value, len(n.args))
	for i, arg := range n.args {
		args[i] = arg.eval(row)
		if args[i].IsNull() {
			return value.Null()
		}
	}
	return n.fn.eval(args)
}

func columnName(n node) string {
	if col, ok := n.(*columnNode); ok {
		return col.name
	}
	return ""
}
