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

package config

import (
	"github.com/godbus/dbus/v5"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

// ToVariant encodes a setting value as a bus variant.
func ToVariant(v Value) dbus.Variant {
	return dbus.MakeVariant(v.v)
}

// FromVariant decodes a bus variant into a setting value. Only the
// supported scalar kinds and homogeneous lists thereof decode; anything
// else is rejected.
func FromVariant(variant dbus.Variant) (Value, error) {
	return FromNative(variant.Value())
}

// FromNative decodes a raw Go value as produced by the bus layer.
func FromNative(raw interface{}) (Value, error) {
	switch val := raw.(type) {
	case string:
		return String(val), nil
	case int32:
		return Int(val), nil
	case float64:
		return Double(val), nil
	case bool:
		return Bool(val), nil
	case []string:
		return StringList(val), nil
	case []int32:
		return IntList(val), nil
	case []float64:
		return DoubleList(val), nil
	case []bool:
		return BoolList(val), nil
	case dbus.Variant:
		return FromVariant(val)
	case []interface{}:
		return fromGenericList(val)
	default:
		return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
	}
}

// fromGenericList handles list bodies that arrive untyped (signature
// "av" or decoded through interface slices). The list must be
// homogeneous.
func fromGenericList(raw []interface{}) (Value, error) {
	if len(raw) == 0 {
		return StringList(nil), nil
	}
	switch raw[0].(type) {
	case string:
		out := make([]string, 0, len(raw))
		for _, e := range raw {
			s, ok := e.(string)
			if !ok {
				return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
			}
			out = append(out, s)
		}
		return StringList(out), nil
	case int32:
		out := make([]int32, 0, len(raw))
		for _, e := range raw {
			i, ok := e.(int32)
			if !ok {
				return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
			}
			out = append(out, i)
		}
		return IntList(out), nil
	case float64:
		out := make([]float64, 0, len(raw))
		for _, e := range raw {
			d, ok := e.(float64)
			if !ok {
				return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
			}
			out = append(out, d)
		}
		return DoubleList(out), nil
	case bool:
		out := make([]bool, 0, len(raw))
		for _, e := range raw {
			b, ok := e.(bool)
			if !ok {
				return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
			}
			out = append(out, b)
		}
		return BoolList(out), nil
	default:
		return Value{}, cerror.ErrConfigDecode.GenWithStackByArgs(raw)
	}
}
