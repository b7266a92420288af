// Copyright 2026 Solivar Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements the daemon's typed settings store and the
// codec between setting values and bus variants.
package config

import "reflect"

// Kind enumerates the value types the store accepts: four scalars and
// their homogeneous lists.
type Kind int

// Value kinds.
const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
	KindStringList
	KindIntList
	KindDoubleList
	KindBoolList
)

// String returns a short name for the kind, used in error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int32"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindStringList:
		return "string list"
	case KindIntList:
		return "int32 list"
	case KindDoubleList:
		return "double list"
	case KindBoolList:
		return "bool list"
	default:
		return "invalid"
	}
}

// Value is one typed setting value.
type Value struct {
	kind Kind
	v    interface{}
}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, v: s} }

// Int wraps an int32 value.
func Int(i int32) Value { return Value{kind: KindInt, v: i} }

// Double wraps a float64 value.
func Double(d float64) Value { return Value{kind: KindDouble, v: d} }

// Bool wraps a bool value.
func Bool(b bool) Value { return Value{kind: KindBool, v: b} }

// StringList wraps a []string value.
func StringList(l []string) Value {
	return Value{kind: KindStringList, v: append([]string(nil), l...)}
}

// IntList wraps a []int32 value.
func IntList(l []int32) Value {
	return Value{kind: KindIntList, v: append([]int32(nil), l...)}
}

// DoubleList wraps a []float64 value.
func DoubleList(l []float64) Value {
	return Value{kind: KindDoubleList, v: append([]float64(nil), l...)}
}

// BoolList wraps a []bool value.
func BoolList(l []bool) Value {
	return Value{kind: KindBoolList, v: append([]bool(nil), l...)}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value holds anything.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Native returns the underlying Go value (string, int32, float64, bool
// or a slice thereof).
func (v Value) Native() interface{} { return v.v }

// StringVal returns the string payload.
func (v Value) StringVal() (string, bool) {
	s, ok := v.v.(string)
	return s, ok && v.kind == KindString
}

// IntVal returns the int32 payload.
func (v Value) IntVal() (int32, bool) {
	i, ok := v.v.(int32)
	return i, ok && v.kind == KindInt
}

// DoubleVal returns the float64 payload.
func (v Value) DoubleVal() (float64, bool) {
	d, ok := v.v.(float64)
	return d, ok && v.kind == KindDouble
}

// BoolVal returns the bool payload.
func (v Value) BoolVal() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok && v.kind == KindBool
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && reflect.DeepEqual(v.v, other.v)
}
