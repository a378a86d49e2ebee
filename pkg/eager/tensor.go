// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eager implements tensor operations executed one at a time ("eagerly") on the host,
// with reverse-mode automatic differentiation.
//
// It is the numerical reference for the fusions: every operation computes in float64 and
// rounds the result to the dtype of its output.
//
// The same operations can also be traced into a fusion.Definition (see Tracer), which is how
// the jit package compiles eager functions, including their backward pass.
//
// Misuse (mismatched shapes, dtypes or modes) panics with an error, following the convention of
// building graphs. Use exceptions.TryCatch to convert them to errors.
package eager

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/fusion"
)

// Tensor is either a concrete host value (eager mode) or a value traced into a fusion
// definition (see Tracer).
//
// Tensors that require gradients record the operation that created them, so Backward can
// propagate gradients to the leaves.
type Tensor struct {
	value *tensors.Tensor

	traced *fusion.Tensor
	tracer *Tracer

	requiresGrad bool
	grad         *Tensor

	// creator is the operation that created the tensor, set only when requiresGrad is true
	// and the tensor is not a leaf.
	creator *operation
}

// operation records an op applied on tensors that require gradients.
type operation struct {
	name   string
	inputs []*Tensor

	// backward returns the gradients of the inputs, given the gradient of the output.
	// Entries can be nil for inputs that don't require gradients.
	backward func(grad *Tensor) []*Tensor
}

// From wraps a concrete tensor.
func From(value *tensors.Tensor) *Tensor {
	if value == nil {
		exceptions.Panicf("eager.From(nil)")
	}
	return &Tensor{value: value}
}

// FromValue wraps tensors.FromValue(value): a scalar or a multidimensional slice.
func FromValue(value any) *Tensor {
	return From(tensors.FromValue(value))
}

// SetRequiresGrad marks the tensor as a leaf that accumulates gradients in Backward.
// It returns the tensor itself, so it can be chained.
func (t *Tensor) SetRequiresGrad(requiresGrad bool) *Tensor {
	if requiresGrad && !t.DType().IsFloat() {
		exceptions.Panicf("SetRequiresGrad: only float tensors can require gradients, got %s", t.DType())
	}
	t.requiresGrad = requiresGrad
	return t
}

// RequiresGrad returns whether gradients are computed for the tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// IsLeaf returns whether the tensor was not created by an operation recorded for autograd.
func (t *Tensor) IsLeaf() bool { return t.creator == nil }

// Grad returns the gradient accumulated by Backward, or nil.
func (t *Tensor) Grad() *Tensor { return t.grad }

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

// Detach returns a tensor with the same value that doesn't require gradients.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{value: t.value, traced: t.traced, tracer: t.tracer}
}

// IsTraced returns whether the tensor is a traced fusion value, as opposed to a concrete value.
func (t *Tensor) IsTraced() bool { return t.traced != nil }

// Value returns the concrete value. It panics for traced tensors.
func (t *Tensor) Value() *tensors.Tensor {
	if t.traced != nil {
		exceptions.Panicf("Tensor.Value(): tensor %s is traced, it has no concrete value", t.traced)
	}
	return t.value
}

// Traced returns the fusion value of a traced tensor, or nil for concrete tensors.
func (t *Tensor) Traced() *fusion.Tensor { return t.traced }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape {
	if t.traced != nil {
		return t.traced.Shape()
	}
	return t.value.Shape()
}

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.Shape().DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.Shape().Rank() }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var s string
	if t.traced != nil {
		s = fmt.Sprintf("traced %s %s", t.traced, t.traced.Shape())
	} else {
		s = t.value.String()
	}
	if t.requiresGrad {
		s += " (requires grad)"
	}
	return s
}

// Backward computes the gradients of t with respect to all the leaf tensors that require gradients
// and were used to compute t, and accumulates them in their Grad. grad is the gradient of t,
// it must have t's shape. If grad is nil, t must be a scalar and the gradient is 1.
//
// Operations of the backward pass follow the same mode as t: if t is traced, the gradients are
// traced too.
func (t *Tensor) Backward(grad *Tensor) {
	if !t.requiresGrad {
		exceptions.Panicf("Backward: tensor doesn't require gradients")
	}
	if grad == nil {
		if t.Rank() != 0 {
			exceptions.Panicf("Backward: a gradient must be given for non-scalar tensors, got shape %s", t.Shape())
		}
		grad = onesLike(t)
	}
	if !grad.Shape().Equal(t.Shape()) {
		exceptions.Panicf("Backward: gradient shape %s doesn't match tensor shape %s", grad.Shape(), t.Shape())
	}

	// Reverse topological order: a tensor is processed only after all the tensors that used it.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, input := range node.creator.inputs {
				if input.requiresGrad {
					visit(input)
				}
			}
		}
		order = append(order, node)
	}
	visit(t)

	grads := map[*Tensor]*Tensor{t: grad.Detach()}
	for ii := len(order) - 1; ii >= 0; ii-- {
		node := order[ii]
		nodeGrad, found := grads[node]
		if !found {
			continue
		}
		if node.creator == nil {
			if node.grad == nil {
				node.grad = nodeGrad
			} else {
				node.grad = Add(node.grad, nodeGrad)
			}
			continue
		}
		inputGrads := node.creator.backward(nodeGrad)
		for jj, input := range node.creator.inputs {
			if !input.requiresGrad || jj >= len(inputGrads) || inputGrads[jj] == nil {
				continue
			}
			inputGrad := inputGrads[jj].Detach()
			if existing, found := grads[input]; found {
				grads[input] = Add(existing, inputGrad)
			} else {
				grads[input] = inputGrad
			}
		}
	}
}
