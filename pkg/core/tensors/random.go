// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math/rand/v2"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewRNG returns a deterministic random source for the given seed.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Randn returns a tensor of the given dtype with standard normal values, drawn from rng.
// Values are sampled in float64 and rounded to dtype.
func Randn(rng *rand.Rand, dtype dtypes.DType, dimensions ...int) *Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	t := FromShape(shapes.Make(dtype, dimensions...))
	write := t.Writer()
	for pos := range t.Size() {
		write(pos, normal.Rand())
	}
	return t
}
