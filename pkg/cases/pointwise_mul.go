// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cases

import (
	"math/rand/v2"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/eager"
	"github.com/gomlx/fusebench/pkg/eager/jit"
	"github.com/gomlx/fusebench/pkg/fusion"
)

// PointwiseMulFusion builds x*x for a 2D input of the given dtype. Narrow dtypes (see PromoteDTypes)
// are computed in Float32.
func PointwiseMulFusion(fd *fusion.Definition, dtype dtypes.DType) {
	t0 := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtype, false)
	if dtype.IsPromoted() {
		t0 = fd.Ops.Cast(t0, dtypes.WorkingDType)
	}
	t2 := fd.Ops.Mul(t0, t0)
	if dtype.IsPromoted() {
		t2 = fd.Ops.Cast(t2, dtype)
	}
	fd.AddOutput(t2)
}

// PointwiseMulBaseline computes inputs[0]*inputs[0] with eager operations.
func PointwiseMulBaseline(inputs []*eager.Tensor) []*eager.Tensor {
	return []*eager.Tensor{eager.Mul(inputs[0], inputs[0])}
}

var pointwiseMul = &fusionCase{
	name: "pointwise_mul",
	build: func(fd *fusion.Definition, p Params) {
		PointwiseMulFusion(fd, p.DType)
	},
	inputs: func(rng *rand.Rand, p Params) []*tensors.Tensor {
		return []*tensors.Tensor{tensors.Randn(rng, p.DType, p.Size...)}
	},
	validation: func(inputs []*tensors.Tensor, p Params) (fusionInputs, expected []*tensors.Tensor) {
		x := eager.From(inputs[0].ConvertDType(dtypes.Float64))
		output := PointwiseMulBaseline([]*eager.Tensor{x})[0]
		return inputs, []*tensors.Tensor{output.Value().ConvertDType(p.DType)}
	},
	eager: func(p Params) func(inputs []*tensors.Tensor) {
		return func(inputs []*tensors.Tensor) {
			PointwiseMulBaseline([]*eager.Tensor{eager.From(inputs[0])})
		}
	},
	jit: func(p Params) (jit.Fn, []jit.Option) {
		return PointwiseMulBaseline, nil
	},
	numOutputs: 1,
}

func init() {
	Register(pointwiseMul)
}
