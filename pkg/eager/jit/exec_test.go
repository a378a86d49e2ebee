// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"testing"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/eager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(inputs []*eager.Tensor) []*eager.Tensor {
	return []*eager.Tensor{eager.Mul(inputs[0], inputs[0])}
}

func TestCall(t *testing.T) {
	e := Compile("square", square)
	defer e.Finalize()

	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	outputs, err := e.Call(x)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, [][]float32{{1, 4}, {9, 16}}, outputs[0].Value())
	assert.Equal(t, 1, e.NumCompiles())

	// Same signature: no new compilation, also for strided inputs.
	_, err = e.Call(x.Transposed())
	require.NoError(t, err)
	assert.Equal(t, 1, e.NumCompiles())

	// New shape: traced again.
	outputs, err = e.Call(tensors.FromValue([]float32{3}))
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, outputs[0].Value())
	assert.Equal(t, 2, e.NumCompiles())

	// Host inputs are a different signature.
	_, err = e.Call(tensors.FromValue([]float32{3}).OnDevice(tensors.Host))
	require.NoError(t, err)
	assert.Equal(t, 3, e.NumCompiles())

	// After a reset, it traces again.
	Reset()
	_, err = e.Call(x)
	require.NoError(t, err)
	assert.Equal(t, 4, e.NumCompiles())
}

func TestMaxCache(t *testing.T) {
	e := Compile("square", square).SetMaxCache(1)
	defer e.Finalize()
	_, err := e.Call(tensors.FromValue([]float64{1}))
	require.NoError(t, err)
	_, err = e.Call(tensors.FromValue([]float64{1, 2}))
	require.ErrorContains(t, err, "maximum cache size")
	e.ClearCache()
	_, err = e.Call(tensors.FromValue([]float64{1, 2}))
	require.NoError(t, err)
}

func TestTraceErrors(t *testing.T) {
	e := Compile("bad", func(inputs []*eager.Tensor) []*eager.Tensor {
		return []*eager.Tensor{eager.Add(inputs[0], inputs[1])}
	})
	defer e.Finalize()
	_, err := e.Call(tensors.FromValue([]float32{1, 2}), tensors.FromValue([]float64{1, 2}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same dtype")
	assert.Equal(t, 0, e.NumCompiles())

	constant := Compile("constant", func(inputs []*eager.Tensor) []*eager.Tensor {
		return []*eager.Tensor{eager.FromValue([]float32{1})}
	})
	defer constant.Finalize()
	_, err = constant.Call(tensors.FromValue([]float32{1}))
	require.ErrorContains(t, err, "not a traced tensor")
}

func TestSoftmaxBackward(t *testing.T) {
	rng := tensors.NewRNG(42)
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
		t.Run(dtype.String(), func(t *testing.T) {
			x := tensors.Randn(rng, dtype, 8, 40)
			g := tensors.Randn(rng, dtype, 8, 40)

			xt := eager.From(x).SetRequiresGrad(true)
			eager.Softmax(xt, 1).Backward(eager.From(g))
			want := xt.Grad().Value()

			e := Compile("softmax_bwd", func(inputs []*eager.Tensor) []*eager.Tensor {
				y := eager.Softmax(inputs[0], 1)
				y.Backward(inputs[1])
				return []*eager.Tensor{inputs[0].Grad()}
			}, WithRequiresGrad(true, false), WithParallelism(2))
			defer e.Finalize()
			outputs, err := e.Call(x, g)
			require.NoError(t, err)
			require.NoError(t, tensors.AllClose(outputs[0], want, dtype.DefaultTolerance().Scale(4)))
		})
	}
}
