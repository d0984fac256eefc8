package dsl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the runtime type of a Value.
type Kind int

const (
	// NullKind is the null / missing value.
	NullKind Kind = iota
	// BoolKind is a boolean value.
	BoolKind
	// NumberKind is a float64 value.
	NumberKind
	// StringKind is a string value.
	StringKind
	// ArrayKind is a list value; arrays appear only as literals.
	ArrayKind
	// ObjectKind is a string-keyed map value supplied by the environment.
	ObjectKind
)

// String returns the name of a Kind, used in type-error messages.
func (k Kind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BoolKind:
		return "boolean"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case ArrayKind:
		return "array"
	case ObjectKind:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged variant the evaluator operates on. The zero value is
// null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: NullKind} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: BoolKind, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: NumberKind, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: StringKind, s: s} }

// Array wraps a list of values.
func Array(elems []Value) Value { return Value{kind: ArrayKind, arr: elems} }

// Object wraps a string-keyed map of values.
func Object(fields map[string]Value) Value { return Value{kind: ObjectKind, obj: fields} }

// Kind returns the runtime type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == NullKind }

// AsBool returns the boolean payload; callers must check Kind first.
func (v Value) AsBool() bool { return v.b }

// AsNumber returns the numeric payload; callers must check Kind first.
func (v Value) AsNumber() float64 { return v.n }

// AsString returns the string payload; callers must check Kind first.
func (v Value) AsString() string { return v.s }

// Elems returns the array payload; callers must check Kind first.
func (v Value) Elems() []Value { return v.arr }

// Field looks up a property on an object value. The second return is false
// when the key is absent.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != ObjectKind {
		return Null(), false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Truthy applies the language's falsiness rule: false, 0, "" and null are
// falsy; everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case NullKind:
		return false
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n != 0
	case StringKind:
		return v.s != ""
	default:
		return true
	}
}

// StrictEquals implements == semantics: types must match exactly, no
// coercion. Arrays and objects never compare equal to anything.
func (v Value) StrictEquals(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case NullKind:
		return true
	case BoolKind:
		return v.b == other.b
	case NumberKind:
		return v.n == other.n
	case StringKind:
		return v.s == other.s
	default:
		return false
	}
}

// AsNumberStrict coerces the value to a number for ordering comparisons.
// Only numeric values qualify; everything else is a type error.
func (v Value) AsNumberStrict() (float64, error) {
	if v.kind != NumberKind {
		return 0, fmt.Errorf("cannot compare %s as number", v.kind)
	}
	return v.n, nil
}

// FromJSON converts a decoded JSON value (the result of json.Unmarshal into
// interface{}) into a Value. Unsupported Go types map to null.
func FromJSON(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null()
		}
		return Number(f)
	case string:
		return String(t)
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			elems = append(elems, FromJSON(e))
		}
		return Array(elems)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			fields[k] = FromJSON(e)
		}
		return Object(fields)
	default:
		return Null()
	}
}

// ToJSON converts a Value back to the json.Marshal-friendly representation.
func (v Value) ToJSON() interface{} {
	switch v.kind {
	case NullKind:
		return nil
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n
	case StringKind:
		return v.s
	case ArrayKind:
		out := make([]interface{}, 0, len(v.arr))
		for _, e := range v.arr {
			out = append(out, e.ToJSON())
		}
		return out
	case ObjectKind:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToJSON()
		}
		return out
	default:
		return nil
	}
}

// Literal renders the value as DSL source text. Used by the decision engine
// when splicing trait values into flag rules. Arrays and objects have no
// literal form and render as null.
func (v Value) Literal() string {
	switch v.kind {
	case BoolKind:
		return strconv.FormatBool(v.b)
	case NumberKind:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case StringKind:
		var b strings.Builder
		b.WriteByte('"')
		for _, r := range v.s {
			switch r {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\n':
				b.WriteString(`\n`)
			case '\t':
				b.WriteString(`\t`)
			case '\r':
				b.WriteString(`\r`)
			default:
				b.WriteRune(r)
			}
		}
		b.WriteByte('"')
		return b.String()
	default:
		return "null"
	}
}
