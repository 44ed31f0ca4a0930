// Package value holds the typed cell values produced when raw dataset cells
// are read under their inferred datatype.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sheetqa/sheetqa/internal/schema"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindTime
	KindBool
)

// DefaultEpsilon is the tolerance used for float equality.
const DefaultEpsilon = 1e-9

type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	t    time.Time
	b    bool
}

func Null() Value               { return Value{} }
func Int(v int64) Value         { return Value{kind: KindInt, i: v} }
func Text(v string) Value       { return Value{kind: KindText, s: v} }
func Time(v time.Time) Value    { return Value{kind: KindTime, t: v.UTC()} }
func Bool(v bool) Value         { return Value{kind: KindBool, b: v} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Str() string     { return v.s }
func (v Value) Time() time.Time { return v.t }
func (v Value) Bool() bool      { return v.b }
func (v Value) Int() int64      { return v.i }

// Float normalises non-finite results to null so results stay serialisable.
func Float(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Null()
	}
	return Value{kind: KindFloat, f: v}
}

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// FromCell reads a non-null raw cell under its column type. Cells that do not
// parse, possible when inference runs below a full threshold, read as null.
func FromCell(raw string, t schema.Datatype) Value {
	switch t {
	case schema.Integer:
		if v, ok := schema.ParseInteger(raw); ok {
			return Int(v)
		}
		if v, ok := schema.ParseFloat(raw); ok {
			return Float(v)
		}
	case schema.Float:
		if v, ok := schema.ParseFloat(raw); ok {
			return Float(v)
		}
	case schema.Boolean:
		if v, ok := schema.ParseBoolean(raw); ok {
			return Bool(v)
		}
	case schema.DateTime:
		if v, ok := schema.ParseDateTime(raw); ok {
			return Time(v)
		}
	default:
		return Text(raw)
	}
	return Null()
}

// Parse reads a plan literal for comparison against a column of type t.
func Parse(raw any, t schema.Datatype) (Value, bool) {
	if t == schema.Text {
		switch typed := raw.(type) {
		case bool, float64, json.Number:
			return Text(fmt.Sprint(typed)), true
		}
	}
	switch typed := raw.(type) {
	case nil:
		return Null(), true
	case bool:
		if t == schema.Boolean {
			return Bool(typed), true
		}
		return Null(), false
	case float64:
		if !t.Numeric() {
			return Null(), false
		}
		if typed == math.Trunc(typed) && math.Abs(typed) < 1<<53 {
			return Int(int64(typed)), true
		}
		return Float(typed), true
	case json.Number:
		if !t.Numeric() {
			return Null(), false
		}
		if i, err := typed.Int64(); err == nil {
			return Int(i), true
		}
		f, err := typed.Float64()
		if err != nil {
			return Null(), false
		}
		return Float(f), true
	case string:
		if t == schema.Text {
			return Text(strings.TrimSpace(typed)), true
		}
		v := FromCell(typed, t)
		return v, !v.IsNull()
	default:
		return Null(), false
	}
}

// Compare orders two non-null values of compatible kinds. Integers and floats
// compare numerically with eps tolerance for equality. Text orders by its
// trimmed, case-folded form, then by the raw string.
func Compare(a, b Value, eps float64) (int, bool) {
	if a.IsNumeric() && b.IsNumeric() {
		if a.kind == KindInt && b.kind == KindInt {
			switch {
			case a.i < b.i:
				return -1, true
			case a.i > b.i:
				return 1, true
			default:
				return 0, true
			}
		}
		af, _ := a.Number()
		bf, _ := b.Number()
		if math.Abs(af-bf) <= eps*math.Max(1, math.Max(math.Abs(af), math.Abs(bf))) {
			return 0, true
		}
		if af < bf {
			return -1, true
		}
		return 1, true
	}
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindText:
		if c := strings.Compare(foldText(a.s), foldText(b.s)); c != 0 {
			return c, true
		}
		return strings.Compare(a.s, b.s), true
	case KindTime:
		return a.t.Compare(b.t), true
	case KindBool:
		switch {
		case a.b == b.b:
			return 0, true
		case !a.b:
			return -1, true
		default:
			return 1, true
		}
	case KindNull:
		return 0, true
	}
	return 0, false
}

// Key returns a grouping key. Numerically equal ints and floats share a key.
func (v Value) Key() string {
	switch v.kind {
	case KindNull:
		return "\x00null"
	case KindInt:
		return "n:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(v.f), 10)
		}
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return "s:" + v.s
	case KindTime:
		return "t:" + v.t.Format(time.RFC3339Nano)
	case KindBool:
		return "b:" + strconv.FormatBool(v.b)
	}
	return ""
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON restores values read back from storage. Timestamps come back
// as text because JSON carries no type tag for them.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Bool(typed)
	case string:
		*v = Text(typed)
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := typed.Float64()
		if err != nil {
			return err
		}
		*v = Float(f)
	default:
		*v = Text(string(data))
	}
	return nil
}

func foldText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
