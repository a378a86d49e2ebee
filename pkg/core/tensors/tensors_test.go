// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3, 5, 7, 11}, tensor.Float64s())
	assert.Equal(t, [][]float32{{1, 2}, {3, 5}, {7, 11}}, tensor.Value())
	assert.Equal(t, 5.0, tensor.At(1, 1))
	assert.Same(t, tensor, FromValue(tensor))

	scalar := FromValue(float64(3))
	assert.True(t, scalar.Shape().IsScalar())
	assert.Equal(t, 3.0, ToScalar[float64](scalar))

	require.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { FromValue([]string{"a"}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Equal(t, uintptr(24), tensor.Bytes())
	assert.Equal(t, Accelerator, tensor.Device())
	assert.Equal(t, Host, tensor.OnDevice(Host).Device())
	require.Panics(t, func() { FromFlatDataAndDimensions([]int32{1, 2, 3}, 2, 2) })
}

func TestLayout(t *testing.T) {
	tensor := Iota(dtypes.Float32, 2, 3)
	assert.True(t, tensor.IsContiguous())

	transposed := tensor.Transposed()
	assert.Equal(t, []int{3, 2}, transposed.Shape().Dimensions)
	assert.Equal(t, []int{1, 3}, transposed.Strides())
	assert.Equal(t, []bool{false, false}, []bool(transposed.Contiguity()))
	assert.False(t, transposed.IsContiguous())
	assert.Equal(t, []float64{0, 3, 1, 4, 2, 5}, transposed.Float64s())
	assert.Equal(t, 4.0, transposed.At(1, 1))

	packed := transposed.Contiguous()
	assert.True(t, packed.IsContiguous())
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, CopyFlatData[float32](packed))
	assert.Same(t, packed, packed.Contiguous())

	// Views share storage.
	transposed.Set(100, 0, 1)
	assert.Equal(t, 100.0, tensor.At(1, 0))

	// Outer axis strided: every other row.
	rows := Iota(dtypes.Float64, 4, 3).StridedView(0, []int{2, 3}, []int{6, 1})
	assert.Equal(t, []bool{false, true}, []bool(rows.Contiguity()))
	assert.Equal(t, []float64{0, 1, 2, 6, 7, 8}, rows.Float64s())

	reshaped := transposed.Reshape(6)
	assert.Equal(t, []float64{0, 100, 1, 4, 2, 5}, reshaped.Float64s())
}

func TestConvertDType(t *testing.T) {
	tensor := FromValue([]float64{1.0 / 3.0, 65504, 1e-8, math.NaN()})
	f16 := tensor.ConvertDType(dtypes.Float16)
	require.Equal(t, dtypes.Float16, f16.DType())
	got := CopyFlatData[float16.Float16](f16)
	assert.Equal(t, float16.Fromfloat32(float32(1.0/3.0)), got[0])
	assert.Equal(t, float32(65504), got[1].Float32())
	assert.True(t, got[3].IsNaN())

	bf16 := tensor.ConvertDType(dtypes.BFloat16)
	gotBF := CopyFlatData[bfloat16.BFloat16](bf16)
	assert.Equal(t, bfloat16.FromFloat64(1.0/3.0), gotBF[0])
	assert.True(t, gotBF[3].IsNaN())

	// Values just above a tie are rounded up, for both half precision dtypes.
	aboveTie := FromValue([]float64{1 + 0x1p-11 + 0x1p-40, 1 + 0x1p-8 + 0x1p-40})
	assert.Equal(t, 1+0x1p-10, aboveTie.ConvertDType(dtypes.Float16).Float64s()[0])
	assert.Equal(t, 1+0x1p-7, aboveTie.ConvertDType(dtypes.BFloat16).Float64s()[1])

	// Round trip through float32 is exact for half values.
	back := f16.ConvertDType(dtypes.Float32).ConvertDType(dtypes.Float16)
	assert.True(t, Equal(f16, back))
}

func TestRandn(t *testing.T) {
	a := Randn(NewRNG(42), dtypes.Float32, 64, 64)
	b := Randn(NewRNG(42), dtypes.Float32, 64, 64)
	c := Randn(NewRNG(43), dtypes.Float32, 64, 64)
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))

	var sum, sum2 float64
	for _, v := range a.Float64s() {
		sum += v
		sum2 += v * v
	}
	n := float64(a.Size())
	mean := sum / n
	variance := sum2/n - mean*mean
	fmt.Printf("\tRandn: mean=%.4f, variance=%.4f\n", mean, variance)
	assert.InDelta(t, 0.0, mean, 0.1)
	assert.InDelta(t, 1.0, variance, 0.1)

	bf := Randn(NewRNG(1), dtypes.BFloat16, 10)
	for _, v := range bf.Float64s() {
		assert.Equal(t, dtypes.BFloat16.Round(v), v)
	}
}

func TestAllClose(t *testing.T) {
	want := FromValue([][]float32{{1, 2}, {3, 4}})
	got := FromValue([][]float32{{1, 2.001}, {3.5, 4}})
	tol := dtypes.Float32.DefaultTolerance()

	require.NoError(t, AllClose(want, want, tol))
	err := AllClose(got, want, tol)
	require.Error(t, err)
	fmt.Printf("\tAllClose error: %v\n", err)
	assert.Contains(t, err.Error(), "2 of 4 elements mismatched")
	assert.Contains(t, err.Error(), "worst at [1 0]")

	require.NoError(t, AllClose(got, want, dtypes.Tolerance{Abs: 0.6}))
	require.Error(t, AllClose(FromValue([]float32{1, 2, 3, 4}), want, tol))

	nan := FromValue([]float64{math.NaN(), 1})
	require.NoError(t, AllClose(nan, nan, tol))
	require.Error(t, AllClose(FromValue([]float64{0, 1}), nan, tol))

	assert.InDelta(t, 0.5, MaxAbsDiff(got, want), 1e-6)
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2 2]@accelerator{1, 2, 3, 4}",
		FromValue([][]float32{{1, 2}, {3, 4}}).String())
	long := Iota(dtypes.Int32, 10).OnDevice(Host).String()
	assert.Contains(t, long, "... (2 more)")
	assert.Contains(t, long, "@host")
}
