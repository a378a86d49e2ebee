// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"golang.org/x/exp/constraints"
)

// ConvertDType returns a packed copy of the tensor converted to the given dtype.
// Conversions to half precision round to nearest-even. If dtype is the same as the tensor's,
// a packed copy is returned.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	if !dtype.IsSupported() {
		exceptions.Panicf("ConvertDType(%s): dtype not supported", dtype)
	}
	if dtype == t.DType() {
		return t.Clone()
	}
	converted := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	converted.device = t.device
	write := converted.Writer()
	for pos, v := range t.Float64s() {
		write(pos, v)
	}
	return converted
}

// Iota returns a tensor with the values 0, 1, 2, ... in row-major order.
func Iota(dtype dtypes.DType, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtype, dimensions...))
	switch flat := t.flat.(type) {
	case []float32:
		fillIota(flat)
	case []float64:
		fillIota(flat)
	case []int32:
		fillIota(flat)
	case []int64:
		fillIota(flat)
	default:
		write := t.Writer()
		for pos := range t.Size() {
			write(pos, dtype.Round(float64(pos)))
		}
	}
	return t
}

func fillIota[T constraints.Integer | constraints.Float](flat []T) {
	for ii := range flat {
		flat[ii] = T(ii)
	}
}

func reflectLen(flat any) int {
	return reflect.ValueOf(flat).Len()
}

func copyFlat(dst, src any) {
	reflect.Copy(reflect.ValueOf(dst), reflect.ValueOf(src))
}
