// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/internal/workerspool"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
)

// minElementsPerChunk is the minimum number of elements computed by each parallel chunk of an op.
const minElementsPerChunk = 8192

var pool = workerspool.New()

// SetParallelism sets the soft limit of goroutines used by eager ops: 0 disables parallelism,
// -1 makes it unlimited. The default is runtime.NumCPU(). It is not safe to call while ops are running.
func SetParallelism(parallelism int) {
	pool.SetMaxParallelism(parallelism)
}

func parallelFor(n, minChunk int, fn func(start, end int)) {
	if err := pool.ParallelFor(n, minChunk, fn); err != nil {
		panic(err)
	}
}

// unaryHost applies fn element-wise, rounding the results to dtype.
func unaryHost(x *tensors.Tensor, dtype dtypes.DType, fn func(float64) float64) *tensors.Tensor {
	values := x.Float64s()
	output := tensors.FromShape(shapes.Make(dtype, x.Shape().Dimensions...))
	write := output.Writer()
	parallelFor(len(values), minElementsPerChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			write(ii, fn(values[ii]))
		}
	})
	return output
}

// broadcastReader returns a function that reads the element of t at the given output indices:
// axes of t with dimension 1 are broadcast.
func broadcastReader(t *tensors.Tensor) func(indices []int) float64 {
	read := t.Reader()
	strides := t.Strides()
	dims := t.Shape().Dimensions
	offset := t.LayoutOffset()
	return func(indices []int) float64 {
		pos := offset
		for axis, idx := range indices {
			if dims[axis] != 1 {
				pos += idx * strides[axis]
			}
		}
		return read(pos)
	}
}

// binaryHost applies fn element-wise to operands of the same rank and dtype, broadcasting axes of dimension 1.
func binaryHost(opName string, lhs, rhs *tensors.Tensor, fn func(a, b float64) float64) *tensors.Tensor {
	if lhs.DType() != rhs.DType() {
		exceptions.Panicf("%s: operands must have the same dtype, got %s and %s", opName, lhs.DType(), rhs.DType())
	}
	dtype := lhs.DType()
	lhsDims, rhsDims := lhs.Shape().Dimensions, rhs.Shape().Dimensions
	outDims := make([]int, len(lhsDims))
	for axis := range outDims {
		switch {
		case lhsDims[axis] == rhsDims[axis] || rhsDims[axis] == 1:
			outDims[axis] = lhsDims[axis]
		case lhsDims[axis] == 1:
			outDims[axis] = rhsDims[axis]
		default:
			exceptions.Panicf("%s: incompatible shapes %s and %s", opName, lhs.Shape(), rhs.Shape())
		}
	}
	output := tensors.FromShape(shapes.Make(dtype, outDims...))
	write := output.Writer()
	size := output.Size()

	if slices.Equal(lhsDims, rhsDims) {
		lhsValues, rhsValues := lhs.Float64s(), rhs.Float64s()
		parallelFor(size, minElementsPerChunk, func(start, end int) {
			for ii := start; ii < end; ii++ {
				write(ii, fn(lhsValues[ii], rhsValues[ii]))
			}
		})
		return output
	}

	readLHS, readRHS := broadcastReader(lhs), broadcastReader(rhs)
	parallelFor(size, minElementsPerChunk, func(start, end int) {
		indices := make([]int, len(outDims))
		shapes.UnflattenIndex(start, outDims, indices)
		for ii := start; ii < end; ii++ {
			write(ii, fn(readLHS(indices), readRHS(indices)))
			for axis := len(outDims) - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < outDims[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	})
	return output
}

// reduceHost sums (or takes the max of) x over the axis, accumulating in float64.
func reduceHost(x *tensors.Tensor, axis int, keepDim, isMax bool) *tensors.Tensor {
	dims := x.Shape().Dimensions
	outDims := make([]int, 0, len(dims))
	for ii, dim := range dims {
		if ii != axis {
			outDims = append(outDims, dim)
		} else if keepDim {
			outDims = append(outDims, 1)
		}
	}
	output := tensors.FromShape(shapes.Make(x.DType(), outDims...))
	write := output.Writer()

	// View x as [outer, reduced, inner].
	outer, inner := 1, 1
	for ii, dim := range dims {
		if ii < axis {
			outer *= dim
		} else if ii > axis {
			inner *= dim
		}
	}
	reduced := dims[axis]
	values := x.Float64s()
	initial := 0.0
	if isMax {
		initial = x.DType().LowestValue()
	}
	parallelFor(outer*inner, max(1, minElementsPerChunk/reduced), func(start, end int) {
		for outIdx := start; outIdx < end; outIdx++ {
			o, i := outIdx/inner, outIdx%inner
			acc := initial
			base := o*reduced*inner + i
			for r := range reduced {
				v := values[base+r*inner]
				if isMax {
					if v > acc || math.IsNaN(v) {
						acc = v
					}
				} else {
					acc += v
				}
			}
			write(outIdx, acc)
		}
	})
	return output
}

// broadcastInDimHost maps the axis i of x to the output axis broadcastDims[i].
func broadcastInDimHost(x *tensors.Tensor, dimensions []int, broadcastDims []int) *tensors.Tensor {
	xDims := x.Shape().Dimensions
	if len(broadcastDims) != len(xDims) {
		exceptions.Panicf("BroadcastInDim: broadcastDims %v must have one entry per axis of %s", broadcastDims, x.Shape())
	}
	for ii, outAxis := range broadcastDims {
		if outAxis < 0 || outAxis >= len(dimensions) || (ii > 0 && outAxis <= broadcastDims[ii-1]) {
			exceptions.Panicf("BroadcastInDim: invalid broadcastDims %v for output rank %d", broadcastDims, len(dimensions))
		}
		if xDims[ii] != 1 && xDims[ii] != dimensions[outAxis] {
			exceptions.Panicf("BroadcastInDim: axis %d of %s can't be broadcast to %d", ii, x.Shape(), dimensions[outAxis])
		}
	}
	output := tensors.FromShape(shapes.Make(x.DType(), dimensions...))
	write := output.Writer()
	read := x.Reader()
	strides := x.Strides()
	offset := x.LayoutOffset()
	parallelFor(output.Size(), minElementsPerChunk, func(start, end int) {
		indices := make([]int, len(dimensions))
		shapes.UnflattenIndex(start, dimensions, indices)
		for ii := start; ii < end; ii++ {
			pos := offset
			for xAxis, outAxis := range broadcastDims {
				if xDims[xAxis] != 1 {
					pos += indices[outAxis] * strides[xAxis]
				}
			}
			write(ii, read(pos))
			for axis := len(dimensions) - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	})
	return output
}
