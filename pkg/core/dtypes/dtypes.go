// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types handled by fusebench.
//
// Besides the enum, it defines the float dtypes benchmarked by default, the subset of them that
// is promoted to a wider working precision inside fusions (PromoteDTypes), and the comparison
// tolerances used when validating a fusion against a reference.
package dtypes

import (
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/fusebench/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code", e.g. invalid parameters.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// FloatDTypes are the element types benchmarked by default.
var FloatDTypes = []DType{Float32, Float16, BFloat16}

// PromoteDTypes are the narrow element types a fusion casts up to Float32 before computing,
// and back down to the original dtype afterwards.
var PromoteDTypes = []DType{Float16, BFloat16}

// WorkingDType is the dtype computations on promoted dtypes are carried on.
const WorkingDType = Float32

// IsPromoted returns whether dtype is in PromoteDTypes.
func (dtype DType) IsPromoted() bool {
	return slices.Contains(PromoteDTypes, dtype)
}

// FromName returns the DType for the given name, case-insensitive, including the aliases in MapOfNames.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float32Type  = reflect.TypeOf(float32(0))
	float64Type  = reflect.TypeOf(float64(0))
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
)

// GoType returns the Go `reflect.Type` corresponding to the tensor DType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Int64:
		return reflect.TypeOf(int64(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Bool:
		return reflect.TypeOf(true)
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	case Float32:
		return float32Type
	case Float64:
		return float64Type
	default:
		panicf("unknown dtype %q (%d) in DType.GoType", dtype, dtype)
		panic(nil)
	}
}

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	case float32Type:
		return Float32
	case float64Type:
		return Float64
	}
	switch t.Kind() {
	case reflect.Int64:
		return Int64
	case reflect.Int32:
		return Int32
	case reflect.Bool:
		return Bool
	default:
		return InvalidDType
	}
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// Size returns the number of bytes for the given DType.
func (dtype DType) Size() int {
	return int(dtype.GoType().Size())
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is a supported integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int64 || dtype == Int32
}

// IsSupported returns whether dtype can be used for tensors.
func (dtype DType) IsSupported() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// Float16FromFloat64 converts v to the nearest Float16, with ties to even.
//
// float16 only converts from float32, and rounding twice to nearest could turn a value slightly
// above a Float16 tie into an exact tie. So v is first converted to float32 rounding to odd:
// truncated towards zero, with the last mantissa bit set if the conversion was inexact.
func Float16FromFloat64(v float64) float16.Float16 {
	f := float32(v)
	if float64(f) != v && !math.IsNaN(v) {
		if math.Abs(float64(f)) > math.Abs(v) {
			f = math.Nextafter32(f, 0)
		}
		f = math.Float32frombits(math.Float32bits(f) | 1)
	}
	return float16.Fromfloat32(f)
}

// Round returns v rounded to the precision of dtype, still represented as a float64.
//
// This is what storing a value in a tensor of the given dtype and reading it back does. For integer
// dtypes it truncates towards zero, for Bool it returns 0 or 1.
func (dtype DType) Round(v float64) float64 {
	switch dtype {
	case Float64:
		return v
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(Float16FromFloat64(v).Float32())
	case BFloat16:
		return float64(bfloat16.FromFloat64(v).Float32())
	case Int64:
		return float64(int64(v))
	case Int32:
		return float64(int32(v))
	case Bool:
		if v != 0 {
			return 1
		}
		return 0
	default:
		panicf("cannot round to dtype %s", dtype)
		return 0
	}
}

// LowestValue for dtype, as a float64. For float values it returns negative infinity.
func (dtype DType) LowestValue() float64 {
	switch dtype {
	case Int64:
		return math.MinInt64
	case Int32:
		return math.MinInt32
	case Bool:
		return 0
	default:
		return math.Inf(-1)
	}
}

// Supported lists the Go types tensors can be created from.
type Supported interface {
	bool | float16.Float16 | bfloat16.BFloat16 | float32 | float64 | int32 | int64
}

