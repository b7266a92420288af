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
	"testing"

	"github.com/stretchr/testify/require"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

func TestVariantRoundTrip(t *testing.T) {
	values := []Value{
		String("hello"),
		Int(-5),
		Double(2.25),
		Bool(true),
		StringList([]string{"a", "b"}),
		IntList([]int32{1, 2, 3}),
		DoubleList([]float64{0.5, 1.5}),
		BoolList([]bool{true, false}),
	}
	for _, v := range values {
		got, err := FromVariant(ToVariant(v))
		require.NoError(t, err)
		require.True(t, v.Equal(got), "round trip of %v", v.Native())
	}
}

func TestFromNativeGenericList(t *testing.T) {
	v, err := FromNative([]interface{}{"x", "y"})
	require.NoError(t, err)
	require.Equal(t, KindStringList, v.Kind())
	require.Equal(t, []string{"x", "y"}, v.Native())

	v, err = FromNative([]interface{}{int32(7)})
	require.NoError(t, err)
	require.Equal(t, KindIntList, v.Kind())

	_, err = FromNative([]interface{}{"x", int32(1)})
	require.True(t, cerror.ErrConfigDecode.Equal(err))
}

func TestFromNativeRejectsUnsupported(t *testing.T) {
	_, err := FromNative(uint64(1))
	require.True(t, cerror.ErrConfigDecode.Equal(err))
	_, err = FromNative(map[string]string{})
	require.True(t, cerror.ErrConfigDecode.Equal(err))
}
