// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/fusion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOps(t *testing.T) {
	a := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	b := FromValue([][]float32{{10}, {20}})
	assert.Equal(t, [][]float32{{11, 12, 13}, {24, 25, 26}}, Add(a, b).Value().Value())
	assert.Equal(t, [][]float32{{-9, -8, -7}, {-16, -15, -14}}, Sub(a, b).Value().Value())
	assert.Equal(t, [][]float32{{10, 20, 30}, {80, 100, 120}}, Mul(a, b).Value().Value())
	assert.Equal(t, [][]float32{{0.1, 0.2, 0.3}, {0.2, 0.25, 0.3}}, Div(a, b).Value().Value())
	assert.Equal(t, [][]float32{{-1, -2, -3}, {-4, -5, -6}}, Neg(a).Value().Value())
	assert.Equal(t, []float32{5, 7, 9}, Sum(a, 0, false).Value().Value())
	assert.Equal(t, [][]float32{{6}, {15}}, Sum(a, -1, true).Value().Value())
	assert.Equal(t, []float32{3, 6}, Max(a, 1, false).Value().Value())
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, Cast(a, dtypes.Float64).Value().Value())
	assert.Equal(t, [][]float32{{10, 10}, {20, 20}}, BroadcastTo(b, 2, 2).Value().Value())
	assert.Equal(t, [][]float32{{5, 7, 9}, {5, 7, 9}},
		BroadcastInDim(Sum(a, 0, false), []int{2, 3}, []int{1}).Value().Value())

	// Strided operands.
	transposed := From(a.Value().Transposed())
	assert.Equal(t, [][]float32{{2, 8}, {4, 10}, {6, 12}}, Add(transposed, transposed).Value().Value())

	err := exceptions.TryCatch[error](func() { Add(a, FromValue([][]float32{{1, 2}, {3, 4}})) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible shapes")
	err = exceptions.TryCatch[error](func() { Add(a, Cast(a, dtypes.Float64)) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same dtype")
}

func TestSoftmax(t *testing.T) {
	x := FromValue([][]float64{{1, 2, 3}, {0, 0, math.Log(2)}})
	y := Softmax(x, 1).Value()
	assert.InDelta(t, 0.25, y.At(1, 0), 1e-12)
	assert.InDelta(t, 0.5, y.At(1, 2), 1e-12)
	sums := Sum(From(y), 1, false).Value().Float64s()
	for _, s := range sums {
		assert.InDelta(t, 1.0, s, 1e-12)
	}

	// Large values don't overflow.
	y = Softmax(FromValue([]float32{1000, 1000}), 0).Value()
	assert.Equal(t, []float32{0.5, 0.5}, y.Value())
}

// numericGrad computes the gradient of sum(fn(x)*g) with respect to x by central differences.
func numericGrad(fn func(x *Tensor) *Tensor, x, g *tensors.Tensor) []float64 {
	const eps = 1e-6
	values := x.Float64s()
	gValues := g.Float64s()
	result := make([]float64, len(values))
	loss := func(v []float64) float64 {
		xt := tensors.FromFlatDataAndDimensions(v, x.Shape().Dimensions...)
		out := fn(From(xt)).Value().Float64s()
		var sum float64
		for ii, o := range out {
			sum += o * gValues[ii]
		}
		return sum
	}
	for ii := range values {
		plus, minus := append([]float64(nil), values...), append([]float64(nil), values...)
		plus[ii] += eps
		minus[ii] -= eps
		result[ii] = (loss(plus) - loss(minus)) / (2 * eps)
	}
	return result
}

func TestBackward(t *testing.T) {
	rng := tensors.NewRNG(11)
	b := From(tensors.Randn(rng, dtypes.Float64, 3, 1))
	testCases := []struct {
		name string
		fn   func(x *Tensor) *Tensor
	}{
		{"softmax axis 1", func(x *Tensor) *Tensor { return Softmax(x, 1) }},
		{"softmax axis 0", func(x *Tensor) *Tensor { return Softmax(x, 0) }},
		{"mul broadcast", func(x *Tensor) *Tensor { return Mul(x, b) }},
		{"square", func(x *Tensor) *Tensor { return Mul(x, x) }},
		{"div", func(x *Tensor) *Tensor { return Div(b, Add(Mul(x, x), BroadcastTo(FromValue([][]float64{{1}}), 3, 4))) }},
		{"exp and sub", func(x *Tensor) *Tensor { return Exp(Sub(b, Neg(x))) }},
		{"sum and broadcast", func(x *Tensor) *Tensor { return BroadcastTo(Sum(x, 1, true), 3, 4) }},
		{"sum no keepDim", func(x *Tensor) *Tensor { return BroadcastInDim(Sum(x, 0, false), []int{3, 4}, []int{1}) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x := tensors.Randn(rng, dtypes.Float64, 3, 4)
			g := tensors.Randn(rng, dtypes.Float64, 3, 4)
			xt := From(x).SetRequiresGrad(true)
			out := tc.fn(xt)
			require.True(t, out.RequiresGrad())
			out.Backward(From(g))
			require.NotNil(t, xt.Grad())
			want := numericGrad(tc.fn, x, g)
			got := xt.Grad().Value().Float64s()
			for ii := range want {
				require.InDeltaf(t, want[ii], got[ii], 1e-6, "element %d: grad %v, numeric %v", ii, got, want)
			}
		})
	}
}

func TestBackwardAccumulates(t *testing.T) {
	x := FromValue([]float64{1, 2, 3}).SetRequiresGrad(true)
	g := FromValue([]float64{1, 1, 1})
	Mul(x, x).Backward(g)
	assert.Equal(t, []float64{2, 4, 6}, x.Grad().Value().Float64s())
	Add(x, x).Backward(g)
	assert.Equal(t, []float64{4, 6, 8}, x.Grad().Value().Float64s())
	x.ZeroGrad()
	assert.Nil(t, x.Grad())

	scalar := Sum(Mul(x, x), 0, false)
	scalar.Backward(nil)
	assert.Equal(t, []float64{2, 4, 6}, x.Grad().Value().Float64s())

	require.Panics(t, func() { FromValue([]float64{1}).Backward(nil) })
	require.Panics(t, func() { Mul(x, x).Backward(nil) })
	require.Panics(t, func() { FromValue([]int32{1}).SetRequiresGrad(true) })
}

func TestCastBackward(t *testing.T) {
	x := FromValue([]float64{1, 2, 3}).SetRequiresGrad(true)
	y := Cast(x, dtypes.Float32)
	assert.Equal(t, dtypes.Float32, y.DType())
	y.Backward(FromValue([]float32{0.5, 1.5, -2}))
	assert.Equal(t, dtypes.Float64, x.Grad().DType())
	assert.Equal(t, []float64{0.5, 1.5, -2}, x.Grad().Value().Value())

	// Casting to integers stops gradients.
	assert.False(t, Cast(x, dtypes.Int32).RequiresGrad())
}

func TestTrace(t *testing.T) {
	rng := tensors.NewRNG(5)
	x := tensors.Randn(rng, dtypes.Float32, 16, 24)
	g := tensors.Randn(rng, dtypes.Float32, 16, 24)

	// Eager.
	xt := From(x).SetRequiresGrad(true)
	Softmax(xt, 1).Backward(From(g))
	want := xt.Grad().Value()

	// Traced.
	fd := fusion.New("softmax_bwd")
	tracer := NewTracer(fd)
	tx := tracer.Input(x.Shape(), tensors.Accelerator).SetRequiresGrad(true)
	tg := tracer.Input(g.Shape(), tensors.Accelerator)
	y := Softmax(tx, 1)
	require.True(t, y.IsTraced())
	y.Backward(tg)
	require.True(t, tx.Grad().IsTraced())
	tracer.Output(tx.Grad())
	fd.Finalize()
	fmt.Printf("%s\n", fd)

	outputs, err := fd.Execute(x, g)
	require.NoError(t, err)
	require.NoError(t, tensors.AllClose(outputs[0], want, dtypes.Float32.DefaultTolerance().Scale(4)))

	// Mixing modes is not allowed.
	require.Panics(t, func() { Add(tx, From(x)) })
	require.Panics(t, func() { tx.Value() })
}
