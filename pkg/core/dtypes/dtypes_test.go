// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"reflect"
	"testing"

	"github.com/gomlx/fusebench/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	for name, want := range map[string]DType{
		"Float16": Float16, "float16": Float16, "F16": Float16, "f16": Float16, "half": Float16,
		"BFloat16": BFloat16, "bfloat16": BFloat16, "BF16": BFloat16, "bf16": BFloat16,
		"float": Float32, "double": Float64, "Null": InvalidDType,
	} {
		got, err := FromName(name)
		require.NoError(t, err, "name %q", name)
		assert.Equal(t, want, got, "name %q", name)
	}
	_, err := FromName("float128")
	require.Error(t, err)
}

func TestFromGoType(t *testing.T) {
	assert.Equal(t, Int64, FromGoType(reflect.TypeOf(int64(7))))
	assert.Equal(t, Float32, FromGoType(reflect.TypeOf(float32(13))))
	assert.Equal(t, BFloat16, FromGoType(reflect.TypeOf(bfloat16.FromFloat32(1.0))))
	assert.Equal(t, Float16, FromGoType(reflect.TypeOf(float16.Fromfloat32(3.0))))
	assert.Equal(t, InvalidDType, FromGoType(reflect.TypeOf("string")))
	assert.Equal(t, Float64, FromGenericsType[float64]())
	for _, dtype := range []DType{Bool, Int32, Int64, Float16, BFloat16, Float32, Float64} {
		assert.Equal(t, dtype, FromGoType(dtype.GoType()))
	}
}

func TestSize(t *testing.T) {
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, BFloat16.Size())
}

func TestPromote(t *testing.T) {
	assert.True(t, Float16.IsPromoted())
	assert.True(t, BFloat16.IsPromoted())
	assert.False(t, Float32.IsPromoted())
	assert.False(t, Float64.IsPromoted())
	for _, dtype := range PromoteDTypes {
		assert.Contains(t, FloatDTypes, dtype)
		assert.Greater(t, WorkingDType.Size(), dtype.Size())
	}
}

func TestRound(t *testing.T) {
	third := 1.0 / 3.0
	assert.Equal(t, third, Float64.Round(third))
	assert.Equal(t, float64(float32(third)), Float32.Round(third))
	assert.InDelta(t, third, Float16.Round(third), 1e-3)
	assert.NotEqual(t, third, Float16.Round(third))
	assert.InDelta(t, third, BFloat16.Round(third), 4e-3)
	assert.Equal(t, 2.0, Int64.Round(2.7))
	assert.Equal(t, 1.0, Bool.Round(-3))

	// Values just above a tie round up: rounding to float32 first would make them exact ties,
	// rounded to even.
	assert.Equal(t, 1+0x1p-10, Float16.Round(1+0x1p-11+0x1p-40))
	assert.Equal(t, -1-0x1p-10, Float16.Round(-1-0x1p-11-0x1p-40))
	assert.Equal(t, 1.0, Float16.Round(1+0x1p-11-0x1p-40))
	assert.Equal(t, 1.0, Float16.Round(1+0x1p-11))
	assert.Equal(t, 1+0x1p-7, BFloat16.Round(1+0x1p-8+0x1p-40))
	assert.True(t, math.IsInf(Float16.Round(1e300), 1))
	assert.True(t, math.IsNaN(Float16.Round(math.NaN())))
	assert.Equal(t, 0.0, Float16.Round(1e-300))

	// Rounding is idempotent.
	for _, dtype := range FloatDTypes {
		once := dtype.Round(third)
		assert.Equal(t, once, dtype.Round(once), "dtype %s", dtype)
	}
}

func TestTolerance(t *testing.T) {
	tol := Float32.DefaultTolerance()
	assert.True(t, tol.Close(1.0, 1.0+1e-7))
	assert.False(t, tol.Close(1.0, 1.001))
	assert.True(t, tol.Close(math.NaN(), math.NaN()))
	assert.False(t, tol.Close(math.NaN(), 0))
	assert.True(t, tol.Close(math.Inf(1), math.Inf(1)))
	assert.False(t, tol.Close(math.Inf(1), math.Inf(-1)))
	assert.Equal(t, Tolerance{}, Int32.DefaultTolerance())
	assert.True(t, BFloat16.DefaultTolerance().Close(1.01, 1.0))
	assert.Equal(t, Tolerance{Abs: 2e-5, Rel: 2.6e-6}, tol.Scale(2))
}

func TestString(t *testing.T) {
	assert.Equal(t, "BFloat16", BFloat16.String())
	assert.Equal(t, "DType(99)", DType(99).String())
}
