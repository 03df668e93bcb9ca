// Package models holds the wire-facing value types shared across packages.
package models

import "fmt"

// ValueType identifies the value kind a series stores. The type is fixed by
// the first point ever written to the series.
type ValueType uint8

const (
	TypeUnset ValueType = iota
	TypeInteger
	TypeFloat
	TypeString
)

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	default:
		return "unset"
	}
}

// Value is one point value: integer, float or raw bytes.
type Value struct {
	Type  ValueType
	Int   int64
	Float float64
	Raw   []byte
}

// IntValue returns an integer value.
func IntValue(v int64) Value {
	return Value{Type: TypeInteger, Int: v}
}

// FloatValue returns a float value.
func FloatValue(v float64) Value {
	return Value{Type: TypeFloat, Float: v}
}

// RawValue returns a byte-string value.
func RawValue(b []byte) Value {
	return Value{Type: TypeString, Raw: b}
}

func (v Value) String() string {
	switch v.Type {
	case TypeInteger:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case TypeString:
		return string(v.Raw)
	default:
		return "<unset>"
	}
}

// Point is one (timestamp, value) pair. Timestamps are signed 64-bit integers
// in the database's configured precision.
type Point struct {
	Ts    int64
	Value Value
}
