// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cases

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/eager"
	"github.com/gomlx/fusebench/pkg/eager/jit"
	"github.com/gomlx/fusebench/pkg/fusion"
)

// SoftmaxBwdFusion builds the gradient of a softmax over reductionAxis (0 or 1), given the softmax
// output y and the upstream gradient g, both 2D: y * (g - sum(y*g, reductionAxis)).
//
// Any dtype other than Float32 is cast to Float32 for the computation. The reduced sum is cast
// back to dtype before being broadcast.
func SoftmaxBwdFusion(fd *fusion.Definition, dtype dtypes.DType, reductionAxis int) {
	if reductionAxis != 0 && reductionAxis != 1 {
		exceptions.Panicf("SoftmaxBwdFusion: reductionAxis must be 0 or 1, got %d", reductionAxis)
	}
	t0 := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
	t1 := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
	if dtype != dtypes.Float32 {
		t0 = fd.Ops.Cast(t0, dtypes.Float32)
		t1 = fd.Ops.Cast(t1, dtypes.Float32)
	}

	t4 := fd.Ops.Mul(t0, t1)
	t5 := fd.Ops.Sum(t4, []int{reductionAxis}, false, dtypes.InvalidDType)

	var v9 *fusion.Vector
	if reductionAxis == 1 {
		v9 = fd.DefineVector(t0.Size(0), 1)
	} else {
		v9 = fd.DefineVector(1, t0.Size(1))
	}
	t10 := fd.Ops.BroadcastInDim(t5, v9, []int{1 - reductionAxis})
	if dtype != dtypes.Float32 {
		t10 = fd.Ops.Cast(t10, dtype)
	}

	v15 := fd.DefineVector(t0.Size(0), t0.Size(1))
	t16 := fd.Ops.BroadcastInDim(t10, v15, []int{0, 1})
	if dtype != dtypes.Float32 {
		t16 = fd.Ops.Cast(t16, dtypes.Float32)
	}

	t18 := fd.Ops.Sub(t1, t16)
	t19 := fd.Ops.Mul(t0, t18)
	if dtype != dtypes.Float32 {
		t19 = fd.Ops.Cast(t19, dtype)
	}
	fd.AddOutput(t19)
}

// SoftmaxBwdBaseline computes y = softmax(x, axis) and runs its backward pass with the
// upstream gradient g, returning y and the gradient of x. x must require gradients.
func SoftmaxBwdBaseline(x, g *eager.Tensor, axis int) (y, grad *eager.Tensor) {
	if !x.RequiresGrad() {
		exceptions.Panicf("SoftmaxBwdBaseline: x must require gradients")
	}
	y = eager.Softmax(x, axis)
	y.Backward(g)
	return y, x.Grad()
}

// softmaxBwdFn returns the gradient of the softmax input, for jit. The first input must require gradients.
func softmaxBwdFn(axis int) jit.Fn {
	return func(inputs []*eager.Tensor) []*eager.Tensor {
		_, grad := SoftmaxBwdBaseline(inputs[0], inputs[1], axis)
		return []*eager.Tensor{grad}
	}
}

// softmaxBwdExpected computes y * (g - sum(y*g)) in Float64, cast to p.DType.
//
// The reduced sum is rounded the way SoftmaxBwdFusion rounds it: to Float32 (its accumulator)
// and then to p.DType, before being broadcast. Its rounding error is multiplied by y in every
// element of the output, and for the half precision dtypes it exceeds the tolerance of the
// elements whose gradient is close to zero.
func softmaxBwdExpected(y, g *tensors.Tensor, p Params) *tensors.Tensor {
	y64 := eager.From(y.ConvertDType(dtypes.Float64))
	g64 := eager.From(g.ConvertDType(dtypes.Float64))
	dot := eager.Sum(eager.Mul(y64, g64), p.ReductionAxis, true)
	dot = eager.Cast(eager.Cast(eager.Cast(dot, dtypes.Float32), p.DType), dtypes.Float64)
	return eager.Mul(y64, eager.Sub(g64, dot)).Value().ConvertDType(p.DType)
}

var softmaxBwd = &fusionCase{
	name: "softmax_bwd",
	axes: []int{0, 1},
	build: func(fd *fusion.Definition, p Params) {
		SoftmaxBwdFusion(fd, p.DType, p.ReductionAxis)
	},
	inputs: func(rng *rand.Rand, p Params) []*tensors.Tensor {
		return []*tensors.Tensor{
			tensors.Randn(rng, p.DType, p.Size...),
			tensors.Randn(rng, p.DType, p.Size...),
		}
	},
	// The fusion takes the softmax output, rounded to the dtype, and the expected gradient is
	// computed from it by softmaxBwdExpected.
	validation: func(inputs []*tensors.Tensor, p Params) (fusionInputs, expected []*tensors.Tensor) {
		x := eager.From(inputs[0].ConvertDType(dtypes.Float64))
		y := eager.Softmax(x, p.ReductionAxis).Value().ConvertDType(p.DType)
		return []*tensors.Tensor{y, inputs[1]}, []*tensors.Tensor{softmaxBwdExpected(y, inputs[1], p)}
	},
	eager: func(p Params) func(inputs []*tensors.Tensor) {
		return func(inputs []*tensors.Tensor) {
			x := eager.From(inputs[0]).SetRequiresGrad(true)
			SoftmaxBwdBaseline(x, eager.From(inputs[1]), p.ReductionAxis)
		}
	},
	jit: func(p Params) (jit.Fn, []jit.Option) {
		return softmaxBwdFn(p.ReductionAxis), []jit.Option{jit.WithRequiresGrad(true, false)}
	},
	numOutputs:       1,
	clearMemoryCache: true,
}

func init() {
	Register(softmaxBwd)
}
