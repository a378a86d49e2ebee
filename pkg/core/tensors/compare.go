// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AllClose checks that got and want have the same shape and that every element satisfies
// |got-want| <= tol.Abs + tol.Rel*|want|. NaNs compare equal to NaNs.
//
// The returned error describes the worst element (largest excess over the tolerance), its
// index and the number of mismatched elements.
func AllClose(got, want *Tensor, tol dtypes.Tolerance) error {
	if !got.shape.Equal(want.shape) {
		return errors.Errorf("shape mismatch: got %s, want %s", got.shape, want.shape)
	}
	gotValues, wantValues := got.Float64s(), want.Float64s()
	mismatches, worstIdx := 0, -1
	worstExcess := math.Inf(-1)
	for ii, g := range gotValues {
		w := wantValues[ii]
		if tol.Close(g, w) {
			continue
		}
		mismatches++
		excess := math.Abs(g-w) - (tol.Abs + tol.Rel*math.Abs(w))
		if math.IsNaN(excess) {
			excess = math.Inf(1)
		}
		if worstIdx == -1 || excess > worstExcess {
			worstIdx, worstExcess = ii, excess
		}
	}
	if mismatches == 0 {
		return nil
	}
	indices := make([]int, got.Rank())
	shapes.UnflattenIndex(worstIdx, got.shape.Dimensions, indices)
	return errors.Errorf("%d of %d elements mismatched (abs=%g, rel=%g); worst at %v: got %g, want %g",
		mismatches, len(gotValues), tol.Abs, tol.Rel, indices, gotValues[worstIdx], wantValues[worstIdx])
}

// Equal returns whether the tensors have the same shape and exactly the same values.
// NaNs compare equal.
func Equal(a, b *Tensor) bool {
	return AllClose(a, b, dtypes.Tolerance{}) == nil
}

// MaxAbsDiff returns the largest absolute element-wise difference between two tensors of
// the same dimensions.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !a.shape.EqualDimensions(b.shape) {
		return math.Inf(1)
	}
	aValues, bValues := a.Float64s(), b.Float64s()
	if len(aValues) == 0 {
		return 0
	}
	floats.Sub(aValues, bValues)
	for ii, v := range aValues {
		aValues[ii] = math.Abs(v)
	}
	return floats.Max(aValues)
}
