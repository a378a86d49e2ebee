// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/fusion"
)

// Tracer records eager operations into a fusion definition, instead of executing them.
//
// Operations on tensors created by Tracer.Input are added to the definition, including
// the ones executed by Backward.
type Tracer struct {
	fd *fusion.Definition
}

// NewTracer creates a tracer that adds operations to fd, which must not be finalized.
func NewTracer(fd *fusion.Definition) *Tracer {
	if fd.IsFinalized() {
		exceptions.Panicf("NewTracer: fusion %q is already finalized", fd.Name())
	}
	return &Tracer{fd: fd}
}

// Definition being traced into.
func (tr *Tracer) Definition() *fusion.Definition { return tr.fd }

// Input declares a new fusion input with the concrete shape and device given, packed in row-major order.
func (tr *Tracer) Input(shape shapes.Shape, device tensors.Device) *Tensor {
	if shape.IsDynamic() {
		exceptions.Panicf("Tracer.Input(%s): traced inputs must have concrete shapes", shape)
	}
	traced := tr.fd.DefineTensor(shape.Dimensions, shapes.FullContiguity(shape.Rank()), shape.DType, device == tensors.Host)
	return &Tensor{traced: traced, tracer: tr}
}

// Output registers t as an output of the fusion.
func (tr *Tracer) Output(t *Tensor) {
	if t == nil || t.tracer != tr {
		exceptions.Panicf("Tracer.Output: tensor is not traced by this tracer")
	}
	tr.fd.AddOutput(t.traced)
}
