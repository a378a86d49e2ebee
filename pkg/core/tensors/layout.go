// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/shapes"
)

func shapesStrides(dimensions []int) []int {
	return shapes.StridesFor(dimensions)
}

// Transposed returns a strided view sharing the storage of t, with the axes permuted.
// If no permutation is given, the axes are reversed.
func (t *Tensor) Transposed(permutation ...int) *Tensor {
	rank := t.Rank()
	if len(permutation) == 0 {
		permutation = make([]int, rank)
		for axis := range permutation {
			permutation[axis] = rank - 1 - axis
		}
	}
	if len(permutation) != rank {
		exceptions.Panicf("Transposed(%v): tensor has rank %d", permutation, rank)
	}
	seen := make([]bool, rank)
	t2 := &Tensor{
		device:  t.device,
		flat:    t.flat,
		offset:  t.offset,
		strides: make([]int, rank),
	}
	t2.shape = shapes.Shape{DType: t.shape.DType, Dimensions: make([]int, rank)}
	for toAxis, fromAxis := range permutation {
		if fromAxis < 0 || fromAxis >= rank || seen[fromAxis] {
			exceptions.Panicf("Transposed(%v): invalid permutation", permutation)
		}
		seen[fromAxis] = true
		t2.shape.Dimensions[toAxis] = t.shape.Dimensions[fromAxis]
		t2.strides[toAxis] = t.strides[fromAxis]
	}
	return t2
}

// Contiguous returns t itself if it is already packed in row-major order, otherwise
// a packed copy of it.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() && t.storageSize() == t.Size() {
		return t
	}
	packed := FromShape(t.shape)
	packed.device = t.device
	write := packed.Writer()
	for pos, v := range t.Float64s() {
		write(pos, v)
	}
	return packed
}

// Clone returns a packed deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	packed := t.Contiguous()
	if packed != t {
		return packed
	}
	clone := FromShape(t.shape)
	clone.device = t.device
	copyFlat(clone.flat, t.flat)
	return clone
}

// Reshape returns a view of a packed tensor with new dimensions of the same size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	newShape := shapes.Make(t.DType(), dimensions...)
	if newShape.Size() != t.Size() {
		exceptions.Panicf("Reshape(%v): tensor %s has %d elements", dimensions, t.shape, t.Size())
	}
	packed := t.Contiguous()
	return &Tensor{
		shape:   newShape,
		device:  t.device,
		flat:    packed.flat,
		strides: newShape.Strides(),
	}
}

func (t *Tensor) storageSize() int {
	return reflectLen(t.flat)
}

// StridedView returns a view of the given storage positions.
// It is used by the tests of layout-sensitive code, it panics if the view reaches outside t's storage.
func (t *Tensor) StridedView(offset int, dimensions, strides []int) *Tensor {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("StridedView: %d dimensions and %d strides", len(dimensions), len(strides))
	}
	last := offset
	for axis, dim := range dimensions {
		last += (dim - 1) * strides[axis]
	}
	if offset < 0 || last >= t.storageSize() {
		exceptions.Panicf("StridedView(offset=%d, dims=%v, strides=%v) out of storage bounds (%d)",
			offset, dimensions, strides, t.storageSize())
	}
	return &Tensor{
		shape:   shapes.Make(t.DType(), dimensions...),
		device:  t.device,
		flat:    t.flat,
		offset:  offset,
		strides: slices.Clone(strides),
	}
}
