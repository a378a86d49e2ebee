// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of either a Tensor or the expected
// shape of a tensor in a fusion definition. Fusion placeholders may have dynamic axes
// (dimension DimDynamic, printed as "?"), resolved to concrete dimensions when the fusion is
// executed with real tensors.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Contiguity: per axis flag telling whether the axis is packed in memory, that is whether its stride
//     is the product of the dimensions of the axes after it.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: The multi-dimensional array `[][]float32{{0, 1, 2}, {3, 4, 5}}` if converted to a Tensor
// would have shape `(Float32)[2 3]`. It has rank 2 (so 2 axes), axis 0 has
// dimension 2, and axis 1 has dimension 3. This shape could be created with
// `shapes.Make(dtypes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
)

// DimDynamic marks an axis whose dimension is only known at execution time.
const DimDynamic = -1

// Shape represents the shape of either a Tensor or the expected shape
// of the value from a fusion definition node.
//
// Use Make to create a new shape. See example in package shapes documentation.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// AxisNames optionally names dynamic axes, so they can be bound to concrete dimensions.
	// It is either nil or has the same length as Dimensions; empty names are unnamed axes.
	AxisNames []string
}

// Make returns a Shape structure filled with the values given.
// All dimensions must be > 0, see MakeDynamic for shapes with dynamic axes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape that may contain DimDynamic axes.
// Other dimensions must be > 0.
func MakeDynamic(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DimDynamic {
			exceptions.Panicf("shapes.MakeDynamic(%s): dimensions must be > 0 or DimDynamic (%d)", s, DimDynamic)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsDynamic returns whether any of the axes is DimDynamic.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DimDynamic)
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.AdjustAxis(axis)]
}

// AdjustAxis converts a negative axis to its positive counterpart, and panics if it is out-of-bounds.
func (s Shape) AdjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// AxisName returns the name of the axis, or "" if it is not named.
func (s Shape) AxisName(axis int) string {
	if s.AxisNames == nil {
		return ""
	}
	return s.AxisNames[axis]
}

// HasNamedAxes returns whether any axis is named.
func (s Shape) HasNamedAxes() bool {
	for _, name := range s.AxisNames {
		if name != "" {
			return true
		}
	}
	return false
}

// WithAxisName returns a copy of the shape with the given axis named.
func (s Shape) WithAxisName(axis int, name string) Shape {
	s2 := s.Clone()
	if s2.AxisNames == nil {
		s2.AxisNames = make([]string, s2.Rank())
	}
	s2.AxisNames[s2.AdjustAxis(axis)] = name
	return s2
}

// WithDType returns a copy of the shape with the given dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, s.Rank())
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic {
			parts[axis] = "?"
			if name := s.AxisName(axis); name != "" {
				parts[axis] = name
			}
		} else {
			parts[axis] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It panics for dynamic shapes.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DimDynamic {
			exceptions.Panicf("Shape.Size() called on dynamic shape %s", s)
		}
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return uintptr(s.DType.Size()) * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared, axis names are not.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Matches returns whether the concrete shape fits this (possibly dynamic) shape:
// same dtype and rank, and equal dimensions except on the dynamic axes.
func (s Shape) Matches(concrete Shape) bool {
	if s.DType != concrete.DType || s.Rank() != concrete.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		if dim != DimDynamic && dim != concrete.Dimensions[axis] {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.AxisNames = slices.Clone(s.AxisNames)
	return
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}
