// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SetMaxCache sets the maximum number of executables (one per input signature) kept by the definition.
// Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (fd *Definition) SetMaxCache(maxCacheSize int) *Definition {
	fd.cacheMu.Lock()
	defer fd.cacheMu.Unlock()
	fd.maxCacheSize = maxCacheSize
	return fd
}

// ClearCache drops all cached executables.
func (fd *Definition) ClearCache() {
	fd.cacheMu.Lock()
	defer fd.cacheMu.Unlock()
	fd.cache = nil
}

// NumCachedExecutables returns the number of executables currently cached.
func (fd *Definition) NumCachedExecutables() int {
	fd.cacheMu.Lock()
	defer fd.cacheMu.Unlock()
	return len(fd.cache)
}

// Execute the fusion with the given inputs, returning its outputs.
//
// The inputs must match the tensors declared with DefineTensor, in number, rank, dtype,
// static dimensions, contiguity and device. The outputs are packed tensors on the accelerator device.
//
// The definition is finalized on the first call, if it wasn't yet.
func (fd *Definition) Execute(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	e, err := fd.Executable(inputs...)
	if err != nil {
		return nil, err
	}
	return e.Run(inputs...)
}

// Executable returns the compiled executable for the signature of the given inputs,
// creating (and caching) it if needed.
func (fd *Definition) Executable(inputs ...*tensors.Tensor) (*Executable, error) {
	if !fd.finalized {
		if err := exceptions.TryCatch[error](fd.Finalize); err != nil {
			return nil, err
		}
	}
	bindings, err := fd.checkInputs(inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "fusion %q", fd.name)
	}
	key := signatureKey(bindings, inputs)

	fd.cacheMu.Lock()
	defer fd.cacheMu.Unlock()
	for _, e := range fd.cache {
		if e.key == key {
			return e, nil
		}
	}
	if fd.maxCacheSize >= 0 && len(fd.cache) >= fd.maxCacheSize {
		return nil, errors.Errorf("fusion %q: maximum cache size of %d reached for signature %s, "+
			"use SetMaxCache() or ClearCache() to allow more signatures", fd.name, fd.maxCacheSize, key)
	}
	var e *Executable
	err = exceptions.TryCatch[error](func() { e = newExecutable(fd, key, inputs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "fusion %q: failed to compile for signature %s", fd.name, key)
	}
	fd.cache = append(fd.cache, e)
	klog.V(1).Infof("fusion %q: compiled executable #%d for signature %s: %d kernels", fd.name, len(fd.cache), key, e.NumKernels())
	return e, nil
}

// checkInputs validates the inputs against the declared tensors, and returns the bindings of the
// dynamic dimensions.
func (fd *Definition) checkInputs(inputs []*tensors.Tensor) (shapes.AxisBindings, error) {
	if len(inputs) != len(fd.inputs) {
		return nil, errors.Errorf("expected %d inputs, got %d", len(fd.inputs), len(inputs))
	}
	bindings := make(shapes.AxisBindings)
	for ii, input := range inputs {
		param := fd.inputs[ii]
		if input == nil {
			return nil, errors.Errorf("input #%d (%s) is nil", ii, param.Name())
		}
		inputBindings, err := shapes.ExtractBindings(param.shape, input.Shape())
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d (%s) of shape %s doesn't match declared shape %s",
				ii, param.Name(), input.Shape(), param.shape)
		}
		if err := bindings.Merge(inputBindings); err != nil {
			return nil, errors.WithMessagef(err, "input #%d (%s)", ii, param.Name())
		}
		if param.contiguity != nil && !input.Contiguity().Satisfies(param.contiguity) {
			return nil, errors.Errorf("input #%d (%s) has contiguity %s, but %s was declared",
				ii, param.Name(), input.Contiguity(), param.contiguity)
		}
		wantDevice := tensors.Accelerator
		if param.isCPU {
			wantDevice = tensors.Host
		}
		if input.Device() != wantDevice {
			return nil, errors.Errorf("input #%d (%s) is on device %s, but %s was declared",
				ii, param.Name(), input.Device(), wantDevice)
		}
	}
	return bindings, nil
}

// signatureKey identifies the executable compiled for the inputs: the bound dimensions and which
// inputs are packed.
func signatureKey(bindings shapes.AxisBindings, inputs []*tensors.Tensor) string {
	var sb strings.Builder
	sb.WriteString(bindings.Key())
	sb.WriteString(";packed=")
	for _, input := range inputs {
		if input.IsContiguous() {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Executable is a Definition compiled for one input signature: the concrete shapes of all values
// and the list of fused kernels that compute the outputs.
//
// It is safe for concurrent use.
type Executable struct {
	fd  *Definition
	key string

	// shapes holds the concrete shape of each node, indexed by node id.
	shapes []shapes.Shape

	// scalars holds the value of each scalar node, indexed by node id.
	scalars []float64

	// packed indicates which inputs are packed in row-major order.
	packed []bool

	kernels []*kernel
}

// Key returns the signature the executable was compiled for.
func (e *Executable) Key() string { return e.key }

// NumKernels returns the number of fused kernels run on each execution.
func (e *Executable) NumKernels() int { return len(e.kernels) }

// OutputShapes returns the concrete shapes of the outputs.
func (e *Executable) OutputShapes() []shapes.Shape {
	result := make([]shapes.Shape, len(e.fd.outputs))
	for ii, output := range e.fd.outputs {
		result[ii] = e.shapes[output.id].Clone()
	}
	return result
}

// String lists the kernels of the executable.
func (e *Executable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "executable %q [%s] {\n", e.fd.name, e.key)
	for ii, k := range e.kernels {
		fmt.Fprintf(&sb, "  kernel #%d: %s\n", ii, k)
	}
	sb.WriteString("}")
	return sb.String()
}

// newExecutable resolves the concrete shapes of all nodes and lowers the definition into kernels.
// It panics on errors.
func newExecutable(fd *Definition, key string, inputs []*tensors.Tensor) *Executable {
	e := &Executable{
		fd:      fd,
		key:     key,
		shapes:  make([]shapes.Shape, len(fd.nodes)),
		scalars: make([]float64, len(fd.nodes)),
		packed:  make([]bool, len(inputs)),
	}
	for ii, input := range inputs {
		e.packed[ii] = input.IsContiguous()
	}
	for _, n := range fd.nodes {
		switch n.kind {
		case scalarValue:
			e.shapes[n.id] = n.shape
			if n.op == OpTypeConstant {
				e.scalars[n.id] = n.constant
			} else {
				e.scalars[n.id] = float64(e.shapes[n.inputs[0].id].Dimensions[n.axis])
			}
		case vectorValue:
			e.shapes[n.id] = n.shape
		case tensorValue:
			if n.op == OpTypeParameter {
				e.shapes[n.id] = inputs[n.inputIdx].Shape().Clone()
				continue
			}
			inputShapes := make([]shapes.Shape, len(n.inputs))
			for ii, input := range n.inputs {
				inputShapes[ii] = e.shapes[input.id]
			}
			var vectorDims []int
			if n.op == OpTypeBroadcastInDim {
				vector := n.inputs[1]
				vectorDims = make([]int, len(vector.inputs))
				for ii, elem := range vector.inputs {
					vectorDims[ii] = int(e.scalars[elem.id])
					if vectorDims[ii] <= 0 {
						exceptions.Panicf("%s: dimension %d of %s resolved to %d", n.Name(), ii, vector.Name(), vectorDims[ii])
					}
				}
			}
			e.shapes[n.id] = inferShape(n, inputShapes, vectorDims)
		}
	}
	e.lower()
	return e
}

// Run executes the kernels with the given inputs, which must match the signature of the executable.
// Inputs are not checked, use Definition.Execute for that.
func (e *Executable) Run(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	buffers := make([]*tensors.Tensor, len(e.fd.nodes))
	for _, param := range e.fd.inputs {
		buffers[param.id] = inputs[param.inputIdx]
	}
	for ii, k := range e.kernels {
		output, err := k.run(e, buffers)
		if err != nil {
			return nil, errors.WithMessagef(err, "fusion %q: kernel #%d (%s) failed", e.fd.name, ii, k.root.Name())
		}
		buffers[k.root.id] = output
	}
	outputs := make([]*tensors.Tensor, len(e.fd.outputs))
	for ii, output := range e.fd.outputs {
		outputs[ii] = buffers[output.id]
	}
	return outputs, nil
}
