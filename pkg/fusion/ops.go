// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
)

// Ops adds operations to a Definition. It is accessed as Definition.Ops.
//
// All operations panic on invalid arguments. Use Define to have the panics converted to errors.
type Ops struct {
	fd *Definition
}

func (ops *Ops) newTensor(n *node) *Tensor {
	for _, input := range n.inputs {
		ops.fd.checkOwned(input)
	}
	n.kind = tensorValue
	n.shape = inferShape(n, nodesShapes(n.inputs), vectorStaticDims(n))
	return &Tensor{ops.fd.newNode(n)}
}

func nodesShapes(nodes []*node) []shapes.Shape {
	result := make([]shapes.Shape, len(nodes))
	for ii, n := range nodes {
		result[ii] = n.shape
	}
	return result
}

func vectorStaticDims(n *node) []int {
	if n.op != OpTypeBroadcastInDim {
		return nil
	}
	return (&Vector{n.inputs[1]}).staticDims()
}

// Cast converts t to the given dtype.
func (ops *Ops) Cast(t *Tensor, dtype dtypes.DType) *Tensor {
	if !dtype.IsSupported() {
		exceptions.Panicf("Cast(%s): dtype %s not supported", t, dtype)
	}
	return ops.newTensor(&node{op: OpTypeCast, inputs: []*node{t.node}, shape: shapes.Scalar(dtype)})
}

// Neg returns -t.
func (ops *Ops) Neg(t *Tensor) *Tensor {
	return ops.newTensor(&node{op: OpTypeNeg, inputs: []*node{t.node}})
}

// Exp returns e^t. t must be a float.
func (ops *Ops) Exp(t *Tensor) *Tensor {
	return ops.newTensor(&node{op: OpTypeExp, inputs: []*node{t.node}})
}

// Add returns lhs+rhs, element-wise.
func (ops *Ops) Add(lhs, rhs Operand) *Tensor { return ops.binary(OpTypeAdd, lhs, rhs) }

// Sub returns lhs-rhs, element-wise.
func (ops *Ops) Sub(lhs, rhs Operand) *Tensor { return ops.binary(OpTypeSub, lhs, rhs) }

// Mul returns lhs*rhs, element-wise.
func (ops *Ops) Mul(lhs, rhs Operand) *Tensor { return ops.binary(OpTypeMul, lhs, rhs) }

// Div returns lhs/rhs, element-wise.
func (ops *Ops) Div(lhs, rhs Operand) *Tensor { return ops.binary(OpTypeDiv, lhs, rhs) }

// binary adds an element-wise binary op. Operands must have the same dtype and either the same
// rank, or be scalars. Dimensions must match, or one of them must be 1, in which case it is
// broadcast. At least one of the operands must be a tensor.
func (ops *Ops) binary(op OpType, lhs, rhs Operand) *Tensor {
	if lhs == nil || rhs == nil {
		exceptions.Panicf("%s: nil operand", op)
	}
	lhsNode, rhsNode := lhs.operandNode(), rhs.operandNode()
	if lhsNode.kind != tensorValue && rhsNode.kind != tensorValue {
		exceptions.Panicf("%s(%s, %s): at least one operand must be a tensor", op, lhsNode.Name(), rhsNode.Name())
	}
	return ops.newTensor(&node{op: op, inputs: []*node{lhsNode, rhsNode}})
}

// Sum reduces t over the given axes (negative axes count from the end). If keepDim is true the
// reduced axes are kept with dimension 1. If dtype is dtypes.InvalidDType the result has t's dtype,
// otherwise the sum is converted to dtype.
func (ops *Ops) Sum(t *Tensor, axes []int, keepDim bool, dtype dtypes.DType) *Tensor {
	if dtype == dtypes.InvalidDType {
		dtype = t.DType()
	}
	return ops.newTensor(&node{op: OpTypeSum, inputs: []*node{t.node}, axes: normalizeAxes(t.shape, axes),
		keepDim: keepDim, shape: shapes.Scalar(dtype)})
}

// Max reduces t over the given axes taking the maximum value. See Sum for the axes and keepDim.
func (ops *Ops) Max(t *Tensor, axes []int, keepDim bool) *Tensor {
	return ops.newTensor(&node{op: OpTypeMax, inputs: []*node{t.node}, axes: normalizeAxes(t.shape, axes),
		keepDim: keepDim, shape: shapes.Scalar(t.DType())})
}

// BroadcastInDim broadcasts t to the given shape. Axis i of t is mapped to the output axis
// broadcastDims[i], and it must have the same dimension or dimension 1. Output axes not listed
// in broadcastDims are new axes.
func (ops *Ops) BroadcastInDim(t *Tensor, shape *Vector, broadcastDims []int) *Tensor {
	if shape == nil {
		exceptions.Panicf("BroadcastInDim(%s): nil shape", t)
	}
	return ops.newTensor(&node{op: OpTypeBroadcastInDim, inputs: []*node{t.node, shape.node},
		broadcastDims: slices.Clone(broadcastDims)})
}

func normalizeAxes(shape shapes.Shape, axes []int) []int {
	if len(axes) == 0 {
		exceptions.Panicf("reduction of %s requires at least one axis", shape)
	}
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		normalized[ii] = shape.AdjustAxis(axis)
	}
	slices.Sort(normalized)
	if len(slices.Compact(slices.Clone(normalized))) != len(normalized) {
		exceptions.Panicf("reduction of %s has repeated axes %v", shape, axes)
	}
	return normalized
}

// combineDims returns the dimension of an element-wise op output axis. shapes.DimDynamic
// dimensions are only checked at execution.
func combineDims(lhs, rhs int) (int, bool) {
	switch {
	case lhs == rhs:
		return lhs, true
	case lhs == 1:
		return rhs, true
	case rhs == 1:
		return lhs, true
	case lhs == shapes.DimDynamic:
		return rhs, true
	case rhs == shapes.DimDynamic:
		return lhs, true
	default:
		return 0, false
	}
}

// inferShape returns the output shape of the op in n, given the shapes of its inputs. It is used
// both while building (where dimensions may be dynamic), and when compiling an executable, where
// all the dimensions are known. For BroadcastInDim vectorDims holds the requested output dimensions.
//
// For casts and reductions n.shape.DType holds the requested dtype.
func inferShape(n *node, inputShapes []shapes.Shape, vectorDims []int) shapes.Shape {
	switch n.op {
	case OpTypeCast:
		return shapes.Shape{DType: n.shape.DType, Dimensions: slices.Clone(inputShapes[0].Dimensions)}

	case OpTypeNeg, OpTypeExp:
		operand := inputShapes[0]
		if n.op == OpTypeExp && !operand.DType.IsFloat() {
			exceptions.Panicf("%s: operand %s must be a float", n.op, operand)
		}
		if n.op == OpTypeNeg && operand.DType == dtypes.Bool {
			exceptions.Panicf("%s: operand %s can't be a bool", n.op, operand)
		}
		return shapes.Shape{DType: operand.DType, Dimensions: slices.Clone(operand.Dimensions)}

	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		lhs, rhs := inputShapes[0], inputShapes[1]
		if lhs.DType != rhs.DType {
			exceptions.Panicf("%s(%s, %s): operands must have the same dtype, got %s and %s",
				n.op, n.inputs[0].Name(), n.inputs[1].Name(), lhs.DType, rhs.DType)
		}
		if lhs.DType == dtypes.Bool {
			exceptions.Panicf("%s(%s, %s): bool operands not supported", n.op, n.inputs[0].Name(), n.inputs[1].Name())
		}
		if lhs.IsScalar() {
			return shapes.Shape{DType: rhs.DType, Dimensions: slices.Clone(rhs.Dimensions)}
		}
		if rhs.IsScalar() {
			return shapes.Shape{DType: lhs.DType, Dimensions: slices.Clone(lhs.Dimensions)}
		}
		if lhs.Rank() != rhs.Rank() {
			exceptions.Panicf("%s(%s, %s): operands must have the same rank, got %s and %s",
				n.op, n.inputs[0].Name(), n.inputs[1].Name(), lhs, rhs)
		}
		output := shapes.Shape{DType: lhs.DType, Dimensions: make([]int, lhs.Rank())}
		for axis := range output.Dimensions {
			dim, ok := combineDims(lhs.Dimensions[axis], rhs.Dimensions[axis])
			if !ok {
				exceptions.Panicf("%s(%s, %s): incompatible dimensions on axis %d: %s and %s",
					n.op, n.inputs[0].Name(), n.inputs[1].Name(), axis, lhs, rhs)
			}
			output.Dimensions[axis] = dim
		}
		return output

	case OpTypeSum, OpTypeMax:
		operand := inputShapes[0]
		if operand.DType == dtypes.Bool {
			exceptions.Panicf("%s: bool operand %s not supported", n.op, operand)
		}
		output := shapes.Shape{DType: n.shape.DType, Dimensions: make([]int, 0, operand.Rank())}
		for axis, dim := range operand.Dimensions {
			if slices.Contains(n.axes, axis) {
				if n.keepDim {
					output.Dimensions = append(output.Dimensions, 1)
				}
				continue
			}
			output.Dimensions = append(output.Dimensions, dim)
		}
		return output

	case OpTypeBroadcastInDim:
		operand := inputShapes[0]
		if len(n.broadcastDims) != operand.Rank() {
			exceptions.Panicf("broadcast_in_dim(%s): broadcast_dims %v must have one entry per operand axis (rank %d)",
				n.inputs[0].Name(), n.broadcastDims, operand.Rank())
		}
		for ii, outAxis := range n.broadcastDims {
			if outAxis < 0 || outAxis >= len(vectorDims) || (ii > 0 && outAxis <= n.broadcastDims[ii-1]) {
				exceptions.Panicf("broadcast_in_dim(%s): broadcast_dims %v must be increasing and within the output rank %d",
					n.inputs[0].Name(), n.broadcastDims, len(vectorDims))
			}
			dim, outDim := operand.Dimensions[ii], vectorDims[outAxis]
			if dim != 1 && dim != shapes.DimDynamic && outDim != shapes.DimDynamic && dim != outDim {
				exceptions.Panicf("broadcast_in_dim(%s): operand axis %d has dimension %d, which can't be broadcast to %d",
					n.inputs[0].Name(), ii, dim, outDim)
			}
		}
		return shapes.Shape{DType: operand.DType, Dimensions: slices.Clone(vectorDims)}

	default:
		exceptions.Panicf("inferShape: unexpected op %s", n.op)
		return shapes.Invalid()
	}
}
