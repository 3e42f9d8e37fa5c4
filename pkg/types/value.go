package types

import (
	"fmt"
	"strconv"
)

// ValueKind identifies the dynamic type held by a Value.
type ValueKind uint8

const (
	// ValueInt holds an int64.
	ValueInt ValueKind = iota + 1
	// ValueFloat holds a float64.
	ValueFloat
	// ValueString holds a string.
	ValueString
	// ValueBool holds a bool.
	ValueBool
)

// Value is a single plugin argument.
type Value struct {
	Kind  ValueKind `json:"kind"`
	Int   int64     `json:"int,omitempty"`
	Float float64   `json:"float,omitempty"`
	Str   string    `json:"str,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
}

// IntValue wraps an integer argument.
func IntValue(v int64) Value { return Value{Kind: ValueInt, Int: v} }

// FloatValue wraps a floating point argument.
func FloatValue(v float64) Value { return Value{Kind: ValueFloat, Float: v} }

// StringValue wraps a string argument.
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }

// BoolValue wraps a boolean argument.
func BoolValue(v bool) Value { return Value{Kind: ValueBool, Bool: v} }

// ParseValue guesses the kind of a textual argument: int, then float, then bool, else string.
func ParseValue(s string) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return BoolValue(b)
	}
	return StringValue(s)
}

// AsFloat returns the value as float64. Ints convert, other kinds fail.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case ValueFloat:
		return v.Float, true
	case ValueInt:
		return float64(v.Int), true
	default:
		return 0, false
	}
}

// AsInt returns the value as int64. Floats are truncated.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case ValueInt:
		return v.Int, true
	case ValueFloat:
		return int64(v.Float), true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueString:
		return v.Str
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return fmt.Sprintf("<invalid kind %d>", v.Kind)
	}
}

// Arguments is the ordered argument list of a command.
type Arguments []Value

// Float returns argument i as float64, or def when missing or not numeric.
func (a Arguments) Float(i int, def float64) float64 {
	if i < 0 || i >= len(a) {
		return def
	}
	if f, ok := a[i].AsFloat(); ok {
		return f
	}
	return def
}

// Int returns argument i as int, or def when missing or not numeric.
func (a Arguments) Int(i int, def int) int {
	if i < 0 || i >= len(a) {
		return def
	}
	if n, ok := a[i].AsInt(); ok {
		return int(n)
	}
	return def
}

// Clone returns a copy that does not share the backing array.
func (a Arguments) Clone() Arguments {
	if a == nil {
		return nil
	}
	out := make(Arguments, len(a))
	copy(out, a)
	return out
}
