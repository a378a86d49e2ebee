// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"strings"
)

// Contiguity holds one flag per axis: true if the axis is packed in memory, that is, its stride
// is the product of the dimensions of the inner axes. A nil entry list means "unknown".
type Contiguity []bool

// FullContiguity returns a Contiguity with all axes contiguous.
func FullContiguity(rank int) Contiguity {
	c := make(Contiguity, rank)
	for i := range c {
		c[i] = true
	}
	return c
}

// ContiguityOf computes the contiguity of a strided layout.
//
// Axes of dimension 1 are considered contiguous whatever their stride, since the stride is never used.
func ContiguityOf(dimensions, strides []int) Contiguity {
	rank := len(dimensions)
	c := make(Contiguity, rank)
	packed := 1
	for axis := rank - 1; axis >= 0; axis-- {
		c[axis] = dimensions[axis] == 1 || strides[axis] == packed
		packed *= dimensions[axis]
	}
	return c
}

// IsFull returns whether all axes are contiguous.
func (c Contiguity) IsFull() bool {
	for _, contiguous := range c {
		if !contiguous {
			return false
		}
	}
	return true
}

// Satisfies returns whether a layout with contiguity c can be used where the contiguity
// declared is required: every axis declared contiguous must be contiguous in c.
func (c Contiguity) Satisfies(declared Contiguity) bool {
	if len(c) != len(declared) {
		return false
	}
	for axis, required := range declared {
		if required && !c[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (c Contiguity) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
