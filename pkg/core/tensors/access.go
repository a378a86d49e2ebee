// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
)

// ReaderFn reads the element at the given storage position, converted to float64.
type ReaderFn func(pos int) float64

// WriterFn stores v, rounded to the tensor dtype, at the given storage position.
type WriterFn func(pos int, v float64)

// Reader returns a function that reads elements by storage position (see Position).
func (t *Tensor) Reader() ReaderFn {
	switch flat := t.flat.(type) {
	case []float32:
		return func(pos int) float64 { return float64(flat[pos]) }
	case []float64:
		return func(pos int) float64 { return flat[pos] }
	case []float16.Float16:
		return func(pos int) float64 { return float64(flat[pos].Float32()) }
	case []bfloat16.BFloat16:
		return func(pos int) float64 { return float64(flat[pos].Float32()) }
	case []int32:
		return func(pos int) float64 { return float64(flat[pos]) }
	case []int64:
		return func(pos int) float64 { return float64(flat[pos]) }
	case []bool:
		return func(pos int) float64 {
			if flat[pos] {
				return 1
			}
			return 0
		}
	default:
		exceptions.Panicf("Tensor.Reader(): unsupported storage type %T", t.flat)
		return nil
	}
}

// Writer returns a function that writes elements by storage position (see Position).
func (t *Tensor) Writer() WriterFn {
	switch flat := t.flat.(type) {
	case []float32:
		return func(pos int, v float64) { flat[pos] = float32(v) }
	case []float64:
		return func(pos int, v float64) { flat[pos] = v }
	case []float16.Float16:
		return func(pos int, v float64) { flat[pos] = dtypes.Float16FromFloat64(v) }
	case []bfloat16.BFloat16:
		return func(pos int, v float64) { flat[pos] = bfloat16.FromFloat64(v) }
	case []int32:
		return func(pos int, v float64) { flat[pos] = int32(v) }
	case []int64:
		return func(pos int, v float64) { flat[pos] = int64(v) }
	case []bool:
		return func(pos int, v float64) { flat[pos] = v != 0 }
	default:
		exceptions.Panicf("Tensor.Writer(): unsupported storage type %T", t.flat)
		return nil
	}
}

// Position returns the storage position of the element at the given indices.
func (t *Tensor) Position(indices ...int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.Position(%v): tensor has rank %d", indices, t.Rank())
	}
	pos := t.offset
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape.Dimensions[axis] {
			exceptions.Panicf("Tensor.Position(%v): index out-of-bounds for shape %s", indices, t.shape)
		}
		pos += idx * t.strides[axis]
	}
	return pos
}

// LayoutOffset is the storage position of the first element.
func (t *Tensor) LayoutOffset() int { return t.offset }

// At returns the element at the given indices, converted to float64.
func (t *Tensor) At(indices ...int) float64 {
	return t.Reader()(t.Position(indices...))
}

// Set the element at the given indices, rounding v to the tensor dtype.
func (t *Tensor) Set(v float64, indices ...int) {
	t.Writer()(t.Position(indices...), v)
}

// Float64s returns all elements, in logical row-major order, converted to float64.
func (t *Tensor) Float64s() []float64 {
	read := t.Reader()
	result := make([]float64, 0, t.Size())
	if t.IsContiguous() {
		for pos := range t.Size() {
			result = append(result, read(t.offset+pos))
		}
		return result
	}
	for _, indices := range t.shape.Iter() {
		pos := t.offset
		for axis, idx := range indices {
			pos += idx * t.strides[axis]
		}
		result = append(result, read(pos))
	}
	return result
}

// ConstFlatData calls accessFn with the storage of the tensor, a slice of T.
// Notice for strided tensors the storage is not in logical order, see Contiguous.
//
// It panics if T doesn't match the tensor dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("ConstFlatData[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	accessFn(flat)
}

// CopyFlatData returns a copy of the tensor contents in logical row-major order.
//
// It panics if T doesn't match the tensor dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	packed := t.Contiguous()
	var result []T
	ConstFlatData(packed, func(flat []T) {
		result = make([]T, len(flat))
		copy(result, flat)
	})
	return result
}

// ToScalar returns the scalar value of a tensor with one element.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if t.Size() != 1 {
		exceptions.Panicf("ToScalar(%s): tensor has %d elements", t.shape, t.Size())
	}
	var v T
	ConstFlatData(t, func(flat []T) { v = flat[t.offset] })
	return v
}

// Value returns a multidimensional slice (or a scalar) with the contents of the tensor.
func (t *Tensor) Value() any {
	packed := t.Contiguous()
	flatV := reflect.ValueOf(packed.flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return convertDataToSlices(flatV, t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, dimensions, shapesStrides(dimensions))
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}
