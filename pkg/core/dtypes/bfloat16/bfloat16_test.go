// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFloat32(t *testing.T) {
	// Exactly representable values.
	for _, v := range []float32{0, 1, -1, 2, 0.5, 256, -3.5} {
		require.Equal(t, v, FromFloat32(v).Float32(), "value %g", v)
	}

	// 1 + 2^-8 is halfway between 1 and 1+2^-7: ties go to even (1).
	assert.Equal(t, float32(1), FromFloat32(1+1.0/256).Float32())
	// 1 + 3*2^-8 is halfway between 1+2^-7 and 1+2^-6: ties go to even (1+2^-6).
	assert.Equal(t, float32(1+1.0/64), FromFloat32(1+3.0/256).Float32())
	// Above the halfway point it rounds up.
	assert.Equal(t, float32(1+1.0/128), FromFloat32(1+1.0/256+1.0/4096).Float32())
}

func TestFromFloat64(t *testing.T) {
	// Just above the tie between 1 and 1+2^-7: a float32 conversion first would make it an exact
	// tie, rounded down to 1.
	assert.Equal(t, float32(1+1.0/128), FromFloat64(1+0x1p-8+0x1p-40).Float32())
	assert.Equal(t, float32(-1-1.0/128), FromFloat64(-1-0x1p-8-0x1p-40).Float32())
	// Just below it rounds down.
	assert.Equal(t, float32(1), FromFloat64(1+0x1p-8-0x1p-40).Float32())
	// Exact ties still go to even.
	assert.Equal(t, float32(1), FromFloat64(1+0x1p-8).Float32())
	assert.Equal(t, float32(3), FromFloat64(3).Float32())

	assert.True(t, math.IsInf(float64(FromFloat64(1e300).Float32()), 1))
	assert.True(t, math.IsInf(float64(FromFloat64(-1e300).Float32()), -1))
	assert.True(t, FromFloat64(math.NaN()).IsNaN())
	assert.Zero(t, FromFloat64(1e-300).Float32())
}

func TestSpecialValues(t *testing.T) {
	assert.True(t, math.IsInf(float64(Inf(1).Float32()), 1))
	assert.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
	nan := FromFloat32(float32(math.NaN()))
	assert.True(t, nan.IsNaN())
	assert.True(t, math.IsNaN(float64(nan.Float32())))
	assert.False(t, FromFloat32(1).IsNaN())

	// Overflow past the largest finite bfloat16 rounds to infinity.
	assert.True(t, math.IsInf(float64(FromFloat32(math.MaxFloat32).Float32()), 1))
}

func TestString(t *testing.T) {
	assert.Equal(t, "1.5", FromFloat64(1.5).String())
	assert.Equal(t, uint16(0x3f80), FromFloat32(1).Bits())
	assert.Equal(t, FromFloat32(1), FromBits(0x3f80))
}
