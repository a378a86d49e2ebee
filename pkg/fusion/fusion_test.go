// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareFusion(t *testing.T, dtype dtypes.DType) *Definition {
	fd, err := Define("square", func(fd *Definition) {
		x := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
		if dtype.IsPromoted() {
			x = fd.Ops.Cast(x, dtypes.Float32)
		}
		y := fd.Ops.Mul(x, x)
		if dtype.IsPromoted() {
			y = fd.Ops.Cast(y, dtype)
		}
		fd.AddOutput(y)
	})
	require.NoError(t, err)
	return fd
}

// softmaxGradFusion computes y*(g - sum(y*g, axis)), always in float32.
func softmaxGradFusion(t *testing.T, dtype dtypes.DType, axis int) *Definition {
	fd, err := Define("softmax_grad", func(fd *Definition) {
		y := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
		g := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
		if dtype != dtypes.Float32 {
			y = fd.Ops.Cast(y, dtypes.Float32)
			g = fd.Ops.Cast(g, dtypes.Float32)
		}
		s := fd.Ops.Sum(fd.Ops.Mul(y, g), []int{axis}, false, dtypes.InvalidDType)
		var v *Vector
		if axis == 1 {
			v = fd.DefineVector(y.Size(0), 1)
		} else {
			v = fd.DefineVector(1, y.Size(1))
		}
		s = fd.Ops.BroadcastInDim(s, v, []int{1 - axis})
		s = fd.Ops.BroadcastInDim(s, fd.DefineVector(y.Size(0), y.Size(1)), []int{0, 1})
		out := fd.Ops.Mul(y, fd.Ops.Sub(g, s))
		if dtype != dtypes.Float32 {
			out = fd.Ops.Cast(out, dtype)
		}
		fd.AddOutput(out)
	})
	require.NoError(t, err)
	return fd
}

func softmaxGradReference(y, g *tensors.Tensor, axis int) *tensors.Tensor {
	dims := y.Shape().Dimensions
	out := tensors.FromShape(y.Shape().WithDType(dtypes.Float64))
	for i := range dims[0] {
		for j := range dims[1] {
			var s float64
			for k := range dims[axis] {
				if axis == 1 {
					s += y.At(i, k) * g.At(i, k)
				} else {
					s += y.At(k, j) * g.At(k, j)
				}
			}
			out.Set(y.At(i, j)*(g.At(i, j)-s), i, j)
		}
	}
	return out
}

func TestBuild(t *testing.T) {
	fd := squareFusion(t, dtypes.Float16)
	assert.True(t, fd.IsFinalized())
	assert.Equal(t, 1, fd.NumInputs())
	assert.Equal(t, 1, fd.NumOutputs())
	fmt.Printf("%s\n", fd)
	want := `fusion "square" {
  T0 = define_tensor(shape=[?, ?], contiguity=[true, true], dtype=Float16, is_cpu=false)
  T1 = cast(T0, dtype=Float32) : (Float32)[? ?]
  T2 = mul(T1, T1) : (Float32)[? ?]
  T3 = cast(T2, dtype=Float16) : (Float16)[? ?]
  outputs(T3)
}`
	assert.Equal(t, want, fd.String())

	// Finalized definitions can't be changed.
	require.Panics(t, func() { fd.Ops.Neg(fd.Inputs()[0]) })
	require.Panics(t, func() { fd.DefineTensor([]int{2}, nil, dtypes.Float32, false) })
}

func TestBuildErrors(t *testing.T) {
	testCases := []struct {
		name    string
		buildFn func(fd *Definition)
		errMsg  string
	}{
		{"no outputs", func(fd *Definition) {
			fd.DefineTensor([]int{2}, nil, dtypes.Float32, false)
		}, "no outputs"},
		{"dtype mismatch", func(fd *Definition) {
			a := fd.DefineTensor([]int{2}, nil, dtypes.Float32, false)
			b := fd.DefineTensor([]int{2}, nil, dtypes.Float16, false)
			fd.AddOutput(fd.Ops.Add(a, b))
		}, "same dtype"},
		{"rank mismatch", func(fd *Definition) {
			a := fd.DefineTensor([]int{2}, nil, dtypes.Float32, false)
			b := fd.DefineTensor([]int{2, 2}, nil, dtypes.Float32, false)
			fd.AddOutput(fd.Ops.Mul(a, b))
		}, "same rank"},
		{"dimension mismatch", func(fd *Definition) {
			a := fd.DefineTensor([]int{2, 3}, nil, dtypes.Float32, false)
			b := fd.DefineTensor([]int{2, 4}, nil, dtypes.Float32, false)
			fd.AddOutput(fd.Ops.Sub(a, b))
		}, "incompatible dimensions"},
		{"contiguity length", func(fd *Definition) {
			fd.DefineTensor([]int{-1, -1}, []bool{true}, dtypes.Float32, false)
		}, "one flag per axis"},
		{"invalid dimension", func(fd *Definition) {
			fd.DefineTensor([]int{0}, nil, dtypes.Float32, false)
		}, "dimensions must be > 0"},
		{"reduction axis", func(fd *Definition) {
			a := fd.DefineTensor([]int{-1, -1}, nil, dtypes.Float32, false)
			fd.AddOutput(fd.Ops.Sum(a, []int{2}, false, dtypes.InvalidDType))
		}, "out-of-bounds"},
		{"broadcast dims", func(fd *Definition) {
			a := fd.DefineTensor([]int{3}, nil, dtypes.Float32, false)
			fd.AddOutput(fd.Ops.BroadcastInDim(a, fd.DefineVector(2, 4), []int{1}))
		}, "can't be broadcast"},
		{"exp of int", func(fd *Definition) {
			a := fd.DefineTensor([]int{3}, nil, dtypes.Int32, false)
			fd.AddOutput(fd.Ops.Exp(a))
		}, "must be a float"},
		{"foreign value", func(fd *Definition) {
			other := New("other")
			a := other.DefineTensor([]int{3}, nil, dtypes.Float32, false)
			fd.AddOutput(a)
		}, "different fusion"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fd, err := Define(tc.name, tc.buildFn)
			require.Error(t, err)
			assert.Nil(t, fd)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestPointwiseMul(t *testing.T) {
	rng := tensors.NewRNG(42)
	for _, dtype := range dtypes.FloatDTypes {
		t.Run(dtype.String(), func(t *testing.T) {
			fd := squareFusion(t, dtype)
			x := tensors.Randn(rng, dtype, 256, 256)
			outputs, err := fd.Execute(x)
			require.NoError(t, err)
			require.Len(t, outputs, 1)
			out := outputs[0]
			assert.Equal(t, dtype, out.DType())
			assert.Equal(t, []int{256, 256}, out.Shape().Dimensions)
			assert.Equal(t, tensors.Accelerator, out.Device())

			x64 := x.ConvertDType(dtypes.Float64).Float64s()
			for ii, got := range out.Float64s() {
				want := dtype.Round(x64[ii] * x64[ii])
				require.Equalf(t, want, got, "element %d", ii)
			}

			e, err := fd.Executable(x)
			require.NoError(t, err)
			assert.Equal(t, 1, e.NumKernels())
		})
	}
}

func TestSoftmaxGrad(t *testing.T) {
	rng := tensors.NewRNG(7)
	for _, dtype := range dtypes.FloatDTypes {
		for _, axis := range []int{0, 1} {
			t.Run(fmt.Sprintf("%s/axis=%d", dtype, axis), func(t *testing.T) {
				fd := softmaxGradFusion(t, dtype, axis)
				y := tensors.Randn(rng, dtype, 32, 48)
				g := tensors.Randn(rng, dtype, 32, 48)
				want := softmaxGradReference(y, g, axis).ConvertDType(dtype)
				require.NoError(t, fd.Validate([]*tensors.Tensor{y, g}, []*tensors.Tensor{want},
					WithTolerance(dtype.DefaultTolerance().Scale(8))))

				e, err := fd.Executable(y, g)
				require.NoError(t, err)
				fmt.Printf("%s\n", e)
				assert.Equal(t, 2, e.NumKernels())
			})
		}
	}
}

func TestCache(t *testing.T) {
	fd := squareFusion(t, dtypes.Float32)
	a := tensors.Iota(dtypes.Float32, 4, 8)
	b := tensors.Iota(dtypes.Float32, 4, 8)
	c := tensors.Iota(dtypes.Float32, 8, 4)

	e1, err := fd.Executable(a)
	require.NoError(t, err)
	e2, err := fd.Executable(b)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, fd.NumCachedExecutables())

	e3, err := fd.Executable(c)
	require.NoError(t, err)
	assert.NotSame(t, e1, e3)
	assert.Equal(t, 2, fd.NumCachedExecutables())

	fd.ClearCache()
	assert.Equal(t, 0, fd.NumCachedExecutables())

	fd.SetMaxCache(1)
	_, err = fd.Execute(a)
	require.NoError(t, err)
	_, err = fd.Execute(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum cache size")
	fd.SetMaxCache(-1)
	_, err = fd.Execute(c)
	require.NoError(t, err)
}

func TestInputChecks(t *testing.T) {
	fd, err := Define("checks", func(fd *Definition) {
		x := fd.DefineTensor([]int{-1, 3}, []bool{true, true}, dtypes.Float32, false)
		h := fd.DefineTensor([]int{-1}, nil, dtypes.Float32, true)
		fd.AddOutput(fd.Ops.Neg(x))
		fd.AddOutput(h)
	})
	require.NoError(t, err)
	x := tensors.Iota(dtypes.Float32, 2, 3)
	h := tensors.Iota(dtypes.Float32, 5).OnDevice(tensors.Host)

	outputs, err := fd.Execute(x, h)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -1, -2, -3, -4, -5}, outputs[0].Float64s())
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, outputs[1].Float64s())

	testCases := []struct {
		name   string
		inputs []*tensors.Tensor
		errMsg string
	}{
		{"count", []*tensors.Tensor{x}, "expected 2 inputs"},
		{"rank", []*tensors.Tensor{tensors.Iota(dtypes.Float32, 6), h}, "rank mismatch"},
		{"dtype", []*tensors.Tensor{tensors.Iota(dtypes.Float64, 2, 3), h}, "dtype mismatch"},
		{"static dimension", []*tensors.Tensor{tensors.Iota(dtypes.Float32, 2, 4), h}, "dimension 1 mismatch"},
		{"device", []*tensors.Tensor{x.OnDevice(tensors.Host), h}, "device"},
		{"host device", []*tensors.Tensor{x, h.OnDevice(tensors.Accelerator)}, "device"},
		{"contiguity", []*tensors.Tensor{tensors.Iota(dtypes.Float32, 3, 2).Transposed(), h}, "contiguity"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fd.Execute(tc.inputs...)
			require.Error(t, err)
			fmt.Printf("\t%s: %v\n", tc.name, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestStridedInputs(t *testing.T) {
	// Without contiguity requirements, any layout is accepted.
	fd, err := Define("strided", func(fd *Definition) {
		a := fd.DefineTensor([]int{-1, -1}, nil, dtypes.Float64, false)
		b := fd.DefineTensor([]int{-1, -1}, []bool{false, true}, dtypes.Float64, false)
		fd.AddOutput(fd.Ops.Add(a, b))
	})
	require.NoError(t, err)
	a := tensors.Iota(dtypes.Float64, 3, 2).Transposed() // [[0 2 4] [1 3 5]]
	b := tensors.Iota(dtypes.Float64, 4, 3).StridedView(3, []int{2, 3}, []int{6, 1})
	outputs, err := fd.Execute(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6, 9, 10, 13, 16}, outputs[0].Float64s())
	assert.True(t, outputs[0].IsContiguous())

	// Packed inputs have a different signature.
	_, err = fd.Execute(a.Contiguous(), b.Contiguous())
	require.NoError(t, err)
	assert.Equal(t, 2, fd.NumCachedExecutables())
}

func TestReductionsAndScalars(t *testing.T) {
	fd, err := Define("softmax", func(fd *Definition) {
		x := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtypes.Float64, false)
		m := fd.Ops.Max(x, []int{-1}, true)
		e := fd.Ops.Exp(fd.Ops.Sub(x, m))
		s := fd.Ops.Sum(e, []int{1}, true, dtypes.InvalidDType)
		fd.AddOutput(fd.Ops.Div(e, s))
		total := fd.Ops.Sum(x, []int{0, 1}, false, dtypes.Float32)
		fd.AddOutput(total)
		fd.AddOutput(fd.Ops.Mul(x, fd.DefineScalar(2, dtypes.Float64)))
	})
	require.NoError(t, err)
	x := tensors.FromValue([][]float64{{1, 2, 3}, {0, 0, math.Log(2)}})
	outputs, err := fd.Execute(x)
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	softmax := outputs[0].Float64s()
	for row := range 2 {
		var sum float64
		for col := range 3 {
			sum += softmax[row*3+col]
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.InDelta(t, 0.5, softmax[5], 1e-12)
	assert.InDelta(t, 0.25, softmax[3], 1e-12)

	assert.True(t, outputs[1].Shape().IsScalar())
	assert.Equal(t, dtypes.Float32, outputs[1].DType())
	assert.InDelta(t, 6+math.Log(2), outputs[1].At(), 1e-6)
	assert.Equal(t, []float64{2, 4, 6, 0, 0, 2 * math.Log(2)}, outputs[2].Float64s())

	e, err := fd.Executable(x)
	require.NoError(t, err)
	// max, sum, softmax output, total and the scaled output.
	assert.Equal(t, 5, e.NumKernels())
}

func TestParallelism(t *testing.T) {
	rng := tensors.NewRNG(3)
	y := tensors.Randn(rng, dtypes.Float32, 100, 300)
	g := tensors.Randn(rng, dtypes.Float32, 100, 300)
	var results []*tensors.Tensor
	for _, parallelism := range []int{0, 1, 3, -1} {
		fd := softmaxGradFusion(t, dtypes.Float32, 1).SetParallelism(parallelism)
		outputs, err := fd.Execute(y, g)
		require.NoError(t, err)
		results = append(results, outputs[0])
	}
	for _, result := range results[1:] {
		assert.True(t, tensors.Equal(results[0], result))
	}
}

func TestValidate(t *testing.T) {
	fd := squareFusion(t, dtypes.Float32)
	x := tensors.FromValue([]float32{1, 2, 3}).Reshape(1, 3)
	good := tensors.FromValue([][]float32{{1, 4, 9}})
	bad := tensors.FromValue([][]float32{{1, 4, 9.1}})
	require.NoError(t, fd.Validate([]*tensors.Tensor{x}, []*tensors.Tensor{good}))

	err := fd.Validate([]*tensors.Tensor{x}, []*tensors.Tensor{bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	fmt.Printf("\tvalidation error: %v\n", err)
	require.NoError(t, fd.Validate([]*tensors.Tensor{x}, []*tensors.Tensor{bad}, WithTolerance(dtypes.Tolerance{Abs: 0.2})))

	// Execution errors are not validation errors.
	err = fd.Validate([]*tensors.Tensor{tensors.Iota(dtypes.Float64, 1, 3)}, []*tensors.Tensor{good})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrValidation))

	err = fd.Validate([]*tensors.Tensor{x}, []*tensors.Tensor{good.ConvertDType(dtypes.Float64)})
	assert.True(t, errors.Is(err, ErrValidation))
}
