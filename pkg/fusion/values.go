// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
)

type valueKind int

const (
	tensorValue valueKind = iota
	scalarValue
	vectorValue
)

// node is one value of the definition. Tensor, Scalar and Vector are typed handles to it.
type node struct {
	fd     *Definition
	id     int
	kind   valueKind
	op     OpType
	shape  shapes.Shape
	inputs []*node

	// Parameters.
	inputIdx   int
	contiguity shapes.Contiguity
	isCPU      bool

	// Constants.
	constant float64

	// Size: axis of inputs[0].
	axis int

	// Reductions: sorted axes reduced.
	axes    []int
	keepDim bool

	// BroadcastInDim: axes of the output the operand axes map to. inputs[1] is the shape vector.
	broadcastDims []int
}

// Name of the value as printed in the definition: "T<id>" for tensors, "S<id>" for scalars
// and "V<id>" for vectors.
func (n *node) Name() string {
	switch n.kind {
	case scalarValue:
		return fmt.Sprintf("S%d", n.id)
	case vectorValue:
		return fmt.Sprintf("V%d", n.id)
	default:
		return fmt.Sprintf("T%d", n.id)
	}
}

// DType of the value.
func (n *node) DType() dtypes.DType { return n.shape.DType }

func (n *node) describe() string {
	args := make([]string, 0, len(n.inputs)+3)
	for _, input := range n.inputs {
		args = append(args, input.Name())
	}
	switch n.op {
	case OpTypeParameter:
		args = append(args, fmt.Sprintf("shape=%v", dimsString(n.shape.Dimensions)),
			fmt.Sprintf("contiguity=%v", n.contiguity), fmt.Sprintf("dtype=%s", n.DType()),
			fmt.Sprintf("is_cpu=%v", n.isCPU))
	case OpTypeConstant:
		args = append(args, fmt.Sprintf("%g", n.constant), fmt.Sprintf("dtype=%s", n.DType()))
	case OpTypeSize:
		args = append(args, fmt.Sprintf("%d", n.axis))
	case OpTypeCast:
		args = append(args, fmt.Sprintf("dtype=%s", n.DType()))
	case OpTypeSum, OpTypeMax:
		args = append(args, fmt.Sprintf("axes=%v", n.axes), fmt.Sprintf("keepdim=%v", n.keepDim),
			fmt.Sprintf("dtype=%s", n.DType()))
	case OpTypeBroadcastInDim:
		args = append(args, fmt.Sprintf("broadcast_dims=%v", n.broadcastDims))
	}
	line := fmt.Sprintf("%s = %s(%s)", n.Name(), n.op, strings.Join(args, ", "))
	if n.kind == tensorValue && n.op != OpTypeParameter {
		line += " : " + n.shape.String()
	}
	return line
}

func dimsString(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		if dim == shapes.DimDynamic {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Operand is implemented by the values that can be used as operands of element-wise
// operations: *Tensor and *Scalar.
type Operand interface {
	operandNode() *node
}

// Tensor is a tensor value of a fusion definition: either an input, or the result of an operation.
type Tensor struct {
	*node
}

func (t *Tensor) operandNode() *node { return t.node }

// Shape of the tensor. Dynamic dimensions are set to shapes.DimDynamic.
func (t *Tensor) Shape() shapes.Shape { return t.shape.Clone() }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsInput returns whether the tensor was declared with DefineTensor.
func (t *Tensor) IsInput() bool { return t.op == OpTypeParameter }

// Size returns the extent of the tensor on the given axis (negative axes count from the end),
// as a symbolic scalar resolved when the fusion is executed.
func (t *Tensor) Size(axis int) *Scalar {
	adjusted := t.shape.AdjustAxis(axis)
	n := t.fd.newNode(&node{
		kind:   scalarValue,
		op:     OpTypeSize,
		shape:  shapes.Scalar(dtypes.Int64),
		inputs: []*node{t.node},
		axis:   adjusted,
	})
	return &Scalar{n}
}

// String returns the tensor name.
func (t *Tensor) String() string { return t.Name() }

// Scalar is a scalar value of a fusion definition: a constant or a symbolic extent of a tensor.
type Scalar struct {
	*node
}

func (s *Scalar) operandNode() *node { return s.node }

// IsConstant returns whether the scalar is a constant, whose value is known while building.
func (s *Scalar) IsConstant() bool { return s.op == OpTypeConstant }

// String returns the scalar name.
func (s *Scalar) String() string { return s.Name() }

// Vector is a list of integer scalars, used to describe shapes.
type Vector struct {
	*node
}

// Len returns the number of elements of the vector.
func (v *Vector) Len() int { return len(v.inputs) }

// String returns the vector name.
func (v *Vector) String() string { return v.Name() }

// staticDims returns the dimensions described by the vector while building: constants
// or the static dimensions of the tensors whose sizes are used, and shapes.DimDynamic otherwise.
func (v *Vector) staticDims() []int {
	dims := make([]int, len(v.inputs))
	for ii, elem := range v.inputs {
		dims[ii] = staticScalarValue(elem)
	}
	return dims
}

func staticScalarValue(n *node) int {
	switch n.op {
	case OpTypeConstant:
		value := int(n.constant)
		if value <= 0 {
			exceptions.Panicf("dimension %s=%d must be > 0", n.Name(), value)
		}
		return value
	case OpTypeSize:
		return n.inputs[0].shape.Dimensions[n.axis]
	default:
		exceptions.Panicf("scalar %s (%s) can't be used as a dimension", n.Name(), n.op)
		return 0
	}
}
