// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 implements the bfloat16 type, modeled after https://github.com/x448/float16.
//
// Conversions from float32 round to nearest, ties to even, which is what accelerators do when
// storing a float32 accumulator into a bfloat16 tensor. Plain truncation would bias every
// demotion cast towards zero and skew comparisons against a float64 reference.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is a 16 bits floating-point format: the upper half of an
// IEEE 754 float32. It keeps the float32 dynamic range with only 8 bits of mantissa precision.
type BFloat16 uint16

// Float32 returns the exact float32 value of f.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 returns the exact float64 value of f.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to the nearest BFloat16, with ties to even.
// NaNs stay NaNs (quiet).
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if bits&0x7fffffff > 0x7f800000 {
		// NaN: keep the sign and force a quiet NaN, rounding could otherwise turn it into Inf.
		return BFloat16((bits >> 16) | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to the nearest BFloat16, with ties to even.
//
// It goes through a float32 rounded to odd: rounding twice to nearest could turn a value
// slightly above a bfloat16 tie into an exact tie, and then round it the wrong way.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(roundToOddFloat32(x))
}

// roundToOddFloat32 converts x to float32 truncating towards zero, and sets the last mantissa
// bit if the conversion was inexact.
func roundToOddFloat32(x float64) float32 {
	f := float32(x)
	if float64(f) == x || math.IsNaN(x) {
		return f
	}
	if math.Abs(float64(f)) > math.Abs(x) {
		f = math.Nextafter32(f, 0)
	}
	return math.Float32frombits(math.Float32bits(f) | 1)
}

// FromBits convert an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits convert BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// IsNaN reports whether f is a NaN.
func (f BFloat16) IsNaN() bool {
	return f&0x7f80 == 0x7f80 && f&0x007f != 0
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	if sign < 0 {
		return BFloat16(0xff80)
	}
	return BFloat16(0x7f80)
}

// SmallestNonzero is the smallest nonzero denormal value for bfloat16 (9.1835e-41).
const SmallestNonzero = BFloat16(0x0001)
