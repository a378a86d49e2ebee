// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Strides of a packed row-major layout of the shape, in elements (not bytes).
func (s Shape) Strides() []int {
	return StridesFor(s.Dimensions)
}

// StridesFor returns the packed row-major strides of dimensions, in elements.
func StridesFor(dimensions []int) []int {
	if len(dimensions) == 0 {
		return nil
	}
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// Iter yields the flat row-major position and the indices of every element of the shape.
// A scalar yields once.
//
// The indices slice is reused between iterations: clone it to keep it.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() || s.IsDynamic() {
			return
		}
		size := s.Size()
		indices := make([]int, s.Rank())
		for flatIdx := range size {
			if !yield(flatIdx, indices) {
				return
			}
			// Increment indices like an odometer.
			for axis := len(indices) - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}

// UnflattenIndex converts a row-major flat index into per-axis indices, stored in indices.
func UnflattenIndex(flatIdx int, dimensions, indices []int) {
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		dim := dimensions[axis]
		indices[axis] = flatIdx % dim
		flatIdx /= dim
	}
}
