// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions), their memory layout (strides) and their actual content,
// stored in a flat Go slice of the underlying dtype.
//
// They are used as inputs and outputs of fusions and of the eager reference ops.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): conversion from a scalar or an arbitrary multidimensional slice. Slices of rank > 1
//     must be regular, that is all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
//   - Randn(rng, dtype, dimensions...): standard normal random values.
//
// A Tensor also carries a Device tag: fusions declare whether their inputs live on the host ("is_cpu") or
// on the accelerator, and check it on execution. The storage is always in host memory.
//
// Tensors are not safe for concurrent mutation. Concurrent reads are fine.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Device where a tensor is placed.
type Device int

const (
	// Accelerator is the default placement, the equivalent of a "cuda" tensor.
	Accelerator Device = iota

	// Host is the placement of CPU tensors.
	Host
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case Accelerator:
		return "accelerator"
	case Host:
		return "host"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Tensor is a multidimensional array with a shape, a (possibly strided) layout and a device tag.
type Tensor struct {
	shape  shapes.Shape
	device Device

	// flat holds the storage, a slice of the Go type of shape.DType.
	flat any

	// strides (in elements) and offset of the first element in flat.
	strides []int
	offset  int
}

// FromShape returns a zero-initialized, packed, tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.IsDynamic() {
		exceptions.Panicf("tensors.FromShape(%s): cannot create a tensor with dynamic shape", shape)
	}
	if !shape.DType.IsSupported() {
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	return &Tensor{
		shape:   shape.Clone(),
		flat:    flat,
		strides: shape.Strides(),
	}
}

// FromScalar creates a tensor with the given scalar.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
// If value is already a *Tensor it is returned as is.
//
// It panics if the type is not supported or the shape is not regular.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value))
		return t
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), t.strides)
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shapes.Shape, error) {
	var shape shapes.Shape
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t == nil {
		return errors.New("cannot convert nil to a tensor")
	}
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a tensor element type", t)
		}
	}
	return nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Device where the tensor is placed.
func (t *Tensor) Device() Device { return t.device }

// OnDevice returns a tensor sharing the same storage, tagged with the given device.
func (t *Tensor) OnDevice(device Device) *Tensor {
	t2 := *t
	t2.device = device
	return &t2
}

// Strides returns the layout strides of the tensor, in elements.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// Contiguity of the tensor layout.
func (t *Tensor) Contiguity() shapes.Contiguity {
	return shapes.ContiguityOf(t.shape.Dimensions, t.strides)
}

// IsContiguous returns whether the tensor is packed in row-major order, with no offset.
func (t *Tensor) IsContiguous() bool {
	return t.offset == 0 && t.Contiguity().IsFull()
}

// Bytes returns the number of bytes of the tensor logical contents.
func (t *Tensor) Bytes() uintptr {
	return t.shape.Memory()
}
