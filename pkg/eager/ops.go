// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/fusion"
)

// checkSameMode returns the tracer shared by the operands (nil for concrete operands),
// and panics if concrete and traced tensors (or tensors from different tracers) are mixed.
func checkSameMode(opName string, operands ...*Tensor) *Tracer {
	for ii, operand := range operands {
		if operand == nil {
			exceptions.Panicf("%s: operand #%d is nil", opName, ii)
		}
		if operand.tracer != operands[0].tracer {
			exceptions.Panicf("%s: can't mix operands from different tracers (or concrete and traced operands)", opName)
		}
	}
	return operands[0].tracer
}

// record creates the output tensor of an op, and records the op for autograd if any of
// the operands requires gradients.
func record(name string, value *tensors.Tensor, traced *fusion.Tensor, tracer *Tracer, inputs []*Tensor,
	backward func(output, grad *Tensor) []*Tensor) *Tensor {
	output := &Tensor{value: value, traced: traced, tracer: tracer}
	if backward == nil {
		return output
	}
	for _, input := range inputs {
		if input.requiresGrad {
			output.requiresGrad = true
			break
		}
	}
	if output.requiresGrad {
		detachedOutput := output.Detach()
		output.creator = &operation{
			name:   name,
			inputs: inputs,
			backward: func(grad *Tensor) []*Tensor {
				return backward(detachedOutput, grad)
			},
		}
	}
	return output
}

// reduceToShape sums grad over the axes where shape has dimension 1 but grad doesn't: the
// gradient of an operand that was broadcast.
func reduceToShape(grad *Tensor, shape shapes.Shape) *Tensor {
	gradShape := grad.Shape()
	for axis, dim := range shape.Dimensions {
		if dim == 1 && gradShape.Dimensions[axis] != 1 {
			grad = Sum(grad, axis, true)
		}
	}
	return grad
}

func binary(opName string, op fusion.OpType, lhs, rhs *Tensor, fn func(a, b float64) float64,
	backward func(lhs, rhs, output, grad *Tensor) (*Tensor, *Tensor)) *Tensor {
	tracer := checkSameMode(opName, lhs, rhs)
	if lhs.Rank() != rhs.Rank() {
		exceptions.Panicf("%s: operands must have the same rank, got %s and %s", opName, lhs.Shape(), rhs.Shape())
	}
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		switch op {
		case fusion.OpTypeAdd:
			traced = tracer.fd.Ops.Add(lhs.traced, rhs.traced)
		case fusion.OpTypeSub:
			traced = tracer.fd.Ops.Sub(lhs.traced, rhs.traced)
		case fusion.OpTypeMul:
			traced = tracer.fd.Ops.Mul(lhs.traced, rhs.traced)
		case fusion.OpTypeDiv:
			traced = tracer.fd.Ops.Div(lhs.traced, rhs.traced)
		}
	} else {
		value = binaryHost(opName, lhs.value, rhs.value, fn)
	}
	lhsDetached, rhsDetached := lhs.Detach(), rhs.Detach()
	lhsShape, rhsShape := lhs.Shape(), rhs.Shape()
	return record(opName, value, traced, tracer, []*Tensor{lhs, rhs}, func(output, grad *Tensor) []*Tensor {
		lhsGrad, rhsGrad := backward(lhsDetached, rhsDetached, output, grad)
		if lhsGrad != nil {
			lhsGrad = reduceToShape(lhsGrad, lhsShape)
		}
		if rhsGrad != nil {
			rhsGrad = reduceToShape(rhsGrad, rhsShape)
		}
		return []*Tensor{lhsGrad, rhsGrad}
	})
}

// Add returns lhs+rhs. Operands must have the same rank and dtype, and axes of dimension 1 are broadcast.
func Add(lhs, rhs *Tensor) *Tensor {
	return binary("Add", fusion.OpTypeAdd, lhs, rhs, func(a, b float64) float64 { return a + b },
		func(_, _, _, grad *Tensor) (*Tensor, *Tensor) { return grad, grad })
}

// Sub returns lhs-rhs. See Add for broadcasting.
func Sub(lhs, rhs *Tensor) *Tensor {
	return binary("Sub", fusion.OpTypeSub, lhs, rhs, func(a, b float64) float64 { return a - b },
		func(_, _, _, grad *Tensor) (*Tensor, *Tensor) { return grad, Neg(grad) })
}

// Mul returns lhs*rhs. See Add for broadcasting.
func Mul(lhs, rhs *Tensor) *Tensor {
	return binary("Mul", fusion.OpTypeMul, lhs, rhs, func(a, b float64) float64 { return a * b },
		func(lhs, rhs, _, grad *Tensor) (*Tensor, *Tensor) { return Mul(grad, rhs), Mul(grad, lhs) })
}

// Div returns lhs/rhs. See Add for broadcasting.
func Div(lhs, rhs *Tensor) *Tensor {
	return binary("Div", fusion.OpTypeDiv, lhs, rhs, func(a, b float64) float64 { return a / b },
		func(lhs, rhs, output, grad *Tensor) (*Tensor, *Tensor) {
			return Div(grad, rhs), Neg(Div(Mul(grad, output), rhs))
		})
}

// Neg returns -x.
func Neg(x *Tensor) *Tensor {
	tracer := checkSameMode("Neg", x)
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		traced = tracer.fd.Ops.Neg(x.traced)
	} else {
		value = unaryHost(x.value, x.DType(), func(v float64) float64 { return -v })
	}
	return record("Neg", value, traced, tracer, []*Tensor{x}, func(_, grad *Tensor) []*Tensor {
		return []*Tensor{Neg(grad)}
	})
}

// Exp returns e^x.
func Exp(x *Tensor) *Tensor {
	tracer := checkSameMode("Exp", x)
	if !x.DType().IsFloat() {
		exceptions.Panicf("Exp: operand must be a float, got %s", x.DType())
	}
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		traced = tracer.fd.Ops.Exp(x.traced)
	} else {
		value = unaryHost(x.value, x.DType(), math.Exp)
	}
	return record("Exp", value, traced, tracer, []*Tensor{x}, func(output, grad *Tensor) []*Tensor {
		return []*Tensor{Mul(grad, output)}
	})
}

// Cast converts x to dtype.
func Cast(x *Tensor, dtype dtypes.DType) *Tensor {
	tracer := checkSameMode("Cast", x)
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		traced = tracer.fd.Ops.Cast(x.traced, dtype)
	} else {
		value = x.value.ConvertDType(dtype)
	}
	inputDType := x.DType()
	var backward func(output, grad *Tensor) []*Tensor
	if dtype.IsFloat() {
		backward = func(_, grad *Tensor) []*Tensor {
			return []*Tensor{Cast(grad, inputDType)}
		}
	}
	return record("Cast", value, traced, tracer, []*Tensor{x}, backward)
}

// Sum reduces x over the axis (negative values count from the end). If keepDim is true, the
// axis is kept with dimension 1.
func Sum(x *Tensor, axis int, keepDim bool) *Tensor {
	tracer := checkSameMode("Sum", x)
	xShape := x.Shape()
	axis = xShape.AdjustAxis(axis)
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		traced = tracer.fd.Ops.Sum(x.traced, []int{axis}, keepDim, dtypes.InvalidDType)
	} else {
		value = reduceHost(x.value, axis, keepDim, false)
	}
	return record("Sum", value, traced, tracer, []*Tensor{x}, func(_, grad *Tensor) []*Tensor {
		broadcastDims := make([]int, 0, xShape.Rank())
		for ii := range xShape.Rank() {
			if keepDim || ii != axis {
				broadcastDims = append(broadcastDims, ii)
			}
		}
		return []*Tensor{BroadcastInDim(grad, xShape.Dimensions, broadcastDims)}
	})
}

// Max reduces x over the axis taking the maximum. See Sum for keepDim.
//
// Gradients don't flow through Max: it is used to stabilize other computations (see Softmax).
func Max(x *Tensor, axis int, keepDim bool) *Tensor {
	tracer := checkSameMode("Max", x)
	axis = x.Shape().AdjustAxis(axis)
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		traced = tracer.fd.Ops.Max(x.traced, []int{axis}, keepDim)
	} else {
		value = reduceHost(x.value, axis, keepDim, true)
	}
	return record("Max", value, traced, tracer, []*Tensor{x}, nil)
}

// BroadcastInDim broadcasts x to the given dimensions: axis i of x is mapped to the output axis
// broadcastDims[i], and must have the same dimension or 1.
func BroadcastInDim(x *Tensor, dimensions []int, broadcastDims []int) *Tensor {
	tracer := checkSameMode("BroadcastInDim", x)
	xShape := x.Shape()
	var value *tensors.Tensor
	var traced *fusion.Tensor
	if tracer != nil {
		elements := make([]any, len(dimensions))
		for ii, dim := range dimensions {
			elements[ii] = dim
		}
		traced = tracer.fd.Ops.BroadcastInDim(x.traced, tracer.fd.DefineVector(elements...), broadcastDims)
	} else {
		value = broadcastInDimHost(x.value, dimensions, broadcastDims)
	}
	return record("BroadcastInDim", value, traced, tracer, []*Tensor{x}, func(_, grad *Tensor) []*Tensor {
		// Sum over the new axes and the broadcast ones.
		for axis := len(dimensions) - 1; axis >= 0; axis-- {
			idx := slices.Index(broadcastDims, axis)
			switch {
			case idx < 0:
				grad = Sum(grad, axis, false)
			case xShape.Dimensions[idx] == 1 && dimensions[axis] != 1:
				grad = Sum(grad, axis, true)
			}
		}
		return []*Tensor{grad}
	})
}

// BroadcastTo expands the axes of x with dimension 1 to the given dimensions, of the same rank.
func BroadcastTo(x *Tensor, dimensions ...int) *Tensor {
	if len(dimensions) != x.Rank() {
		exceptions.Panicf("BroadcastTo(%v): x has rank %d", dimensions, x.Rank())
	}
	broadcastDims := make([]int, x.Rank())
	for axis := range broadcastDims {
		broadcastDims[axis] = axis
	}
	return BroadcastInDim(x, dimensions, broadcastDims)
}

// Softmax returns exp(x)/sum(exp(x)) over the axis, computed with the max shift for stability.
//
// Its gradient is y * (grad - sum(grad*y, axis, keepDim=true)), where y is the softmax output.
func Softmax(x *Tensor, axis int) *Tensor {
	tracer := checkSameMode("Softmax", x)
	axis = x.Shape().AdjustAxis(axis)
	detached := x.Detach()
	shifted := Sub(detached, Max(detached, axis, true))
	exp := Exp(shifted)
	y := Div(exp, Sum(exp, axis, true))
	return record("Softmax", y.value, y.traced, tracer, []*Tensor{x}, func(output, grad *Tensor) []*Tensor {
		return []*Tensor{SoftmaxBackward(output, grad, axis)}
	})
}

// SoftmaxBackward returns the gradient of the softmax input, given its output y and the gradient of y.
func SoftmaxBackward(y, grad *Tensor, axis int) *Tensor {
	dot := Sum(Mul(grad, y), axis, true)
	return Mul(y, Sub(grad, dot))
}

// onesLike returns a concrete tensor of ones with the shape of t.
func onesLike(t *Tensor) *Tensor {
	if t.IsTraced() {
		exceptions.Panicf("Backward of a traced tensor requires an explicit gradient")
	}
	ones := tensors.FromShape(t.Shape())
	write := ones.Writer()
	for pos := range ones.Size() {
		write(pos, 1)
	}
	return From(ones)
}
