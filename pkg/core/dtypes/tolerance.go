// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
)

// Tolerance defines the acceptable numeric drift of a value against a reference:
// |got - want| <= Abs + Rel*|want|.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Tolerances per float dtype, used when validating a fusion output against a reference.
// Narrow dtypes get a relative tolerance of a few units in their last place.
var Tolerances = map[DType]Tolerance{
	Float64:  {Abs: 1e-7, Rel: 1e-7},
	Float32:  {Abs: 1e-5, Rel: 1.3e-6},
	Float16:  {Abs: 1e-5, Rel: 1e-3},
	BFloat16: {Abs: 1e-5, Rel: 1.6e-2},
}

// DefaultTolerance returns the tolerance for dtype. Non-float dtypes are compared exactly.
func (dtype DType) DefaultTolerance() Tolerance {
	if tol, found := Tolerances[dtype]; found {
		return tol
	}
	return Tolerance{}
}

// Close returns whether got is within the tolerance of want. NaNs compare equal to NaNs,
// and infinities must match exactly.
func (tol Tolerance) Close(got, want float64) bool {
	if math.IsNaN(got) || math.IsNaN(want) {
		return math.IsNaN(got) && math.IsNaN(want)
	}
	if math.IsInf(got, 0) || math.IsInf(want, 0) {
		return got == want
	}
	return math.Abs(got-want) <= tol.Abs+tol.Rel*math.Abs(want)
}

// Scale returns the tolerance multiplied by factor.
// Useful for computations that accumulate more than one rounding error per element.
func (tol Tolerance) Scale(factor float64) Tolerance {
	return Tolerance{Abs: tol.Abs * factor, Rel: tol.Rel * factor}
}
