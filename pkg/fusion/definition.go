// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion defines fusion graphs and executes them with a pure Go fused-kernel executor.
//
// A Definition is built by declaring input tensors (with possibly dynamic dimensions), applying
// operations through Definition.Ops and registering outputs:
//
//	fd, err := fusion.Define("pointwise_mul", func(fd *fusion.Definition) {
//		x := fd.DefineTensor([]int{-1, -1}, []bool{true, true}, dtypes.Float16, false)
//		x32 := fd.Ops.Cast(x, dtypes.Float32)
//		y := fd.Ops.Mul(x32, x32)
//		fd.AddOutput(fd.Ops.Cast(y, dtypes.Float16))
//	})
//	outputs, err := fd.Execute(input)
//
// Misuse while building (mismatched shapes or dtypes, wrong axes, ...) panics, and Define
// converts those panics into errors.
//
// On execution the dynamic dimensions are bound to the dimensions of the given inputs, and the
// definition is lowered to a list of fused kernels (see Executable), which is cached per input
// signature.
package fusion

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/internal/workerspool"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DefaultMaxCacheSize is the default number of executables cached per Definition.
const DefaultMaxCacheSize = 10

// Definition of a fusion: a graph of operations over input tensors, with a list of outputs.
//
// While being built, a Definition is not safe for concurrent use. Once finalized, Execute can
// be called concurrently.
type Definition struct {
	name      string
	nodes     []*node
	inputs    []*Tensor
	outputs   []*Tensor
	finalized bool

	// Ops holds the operations that can be added to the definition.
	Ops Ops

	pool *workerspool.Pool

	cacheMu      sync.Mutex
	cache        []*Executable
	maxCacheSize int
}

// New returns an empty Definition to be built. See also Define.
func New(name string) *Definition {
	fd := &Definition{
		name:         name,
		pool:         workerspool.New(),
		maxCacheSize: DefaultMaxCacheSize,
	}
	fd.Ops.fd = fd
	return fd
}

// Define creates a new Definition, builds it with buildFn and finalizes it.
//
// Any panic during building with an error is returned as an error.
func Define(name string, buildFn func(fd *Definition)) (*Definition, error) {
	fd := New(name)
	err := exceptions.TryCatch[error](func() {
		buildFn(fd)
		fd.Finalize()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to define fusion %q", name)
	}
	return fd, nil
}

// Name of the definition.
func (fd *Definition) Name() string { return fd.name }

// Finalize freezes the definition: no more operations or outputs can be added.
// It panics if no outputs were added. It is a no-op if the definition is already finalized.
func (fd *Definition) Finalize() {
	if fd.finalized {
		return
	}
	if len(fd.outputs) == 0 {
		exceptions.Panicf("fusion %q has no outputs, use AddOutput before finalizing it", fd.name)
	}
	fd.finalized = true
}

// IsFinalized returns whether Finalize was called.
func (fd *Definition) IsFinalized() bool { return fd.finalized }

// NumInputs returns the number of tensors defined with DefineTensor.
func (fd *Definition) NumInputs() int { return len(fd.inputs) }

// NumOutputs returns the number of outputs added.
func (fd *Definition) NumOutputs() int { return len(fd.outputs) }

// Inputs returns the input tensors, in order of definition.
func (fd *Definition) Inputs() []*Tensor { return slices.Clone(fd.inputs) }

// Outputs returns the output tensors, in the order they were added.
func (fd *Definition) Outputs() []*Tensor { return slices.Clone(fd.outputs) }

// SetParallelism sets the soft limit of goroutines used to run kernels: 0 disables parallelism, -1
// makes it unlimited. The default is runtime.NumCPU(). It should be set before executing the fusion.
func (fd *Definition) SetParallelism(parallelism int) *Definition {
	fd.pool.SetMaxParallelism(parallelism)
	return fd
}

func (fd *Definition) checkBuilding() {
	if fd.finalized {
		exceptions.Panicf("fusion %q is already finalized, it can't be changed", fd.name)
	}
}

func (fd *Definition) checkOwned(n *node) {
	if n == nil {
		exceptions.Panicf("fusion %q: nil value used as operand", fd.name)
	}
	if n.fd != fd {
		exceptions.Panicf("fusion %q: value %s belongs to a different fusion (%q)", fd.name, n.Name(), n.fd.name)
	}
}

func (fd *Definition) newNode(n *node) *node {
	fd.checkBuilding()
	n.fd = fd
	n.id = len(fd.nodes)
	fd.nodes = append(fd.nodes, n)
	return n
}

// DefineTensor declares a new input tensor of the fusion.
//
//   - shape: dimensions of the input, -1 for dimensions only known at execution. Its length
//     defines the rank, so it can't be nil for rank > 0.
//   - contiguity: nil for no layout requirement, otherwise one flag per axis: inputs must
//     be packed on the axes marked true.
//   - dtype of the input.
//   - isCPU: whether the input is expected on the host device, as opposed to the accelerator.
func (fd *Definition) DefineTensor(shape []int, contiguity []bool, dtype dtypes.DType, isCPU bool) *Tensor {
	fd.checkBuilding()
	if !dtype.IsSupported() {
		exceptions.Panicf("DefineTensor: dtype %s not supported", dtype)
	}
	if contiguity != nil && len(contiguity) != len(shape) {
		exceptions.Panicf("DefineTensor: contiguity %v must have one flag per axis of shape %v", contiguity, shape)
	}
	for _, dim := range shape {
		if dim != shapes.DimDynamic && dim <= 0 {
			exceptions.Panicf("DefineTensor: invalid shape %v, dimensions must be > 0 or -1 for dynamic", shape)
		}
	}
	n := fd.newNode(&node{
		kind:       tensorValue,
		op:         OpTypeParameter,
		shape:      shapes.MakeDynamic(dtype, shape...),
		inputIdx:   len(fd.inputs),
		contiguity: slices.Clone(shapes.Contiguity(contiguity)),
		isCPU:      isCPU,
	})
	for axis, dim := range shape {
		if dim == shapes.DimDynamic {
			n.shape = n.shape.WithAxisName(axis, fmt.Sprintf("%s.size(%d)", n.Name(), axis))
		}
	}
	t := &Tensor{n}
	fd.inputs = append(fd.inputs, t)
	return t
}

// DefineScalar declares a constant scalar. The value is rounded to dtype.
func (fd *Definition) DefineScalar(value float64, dtype dtypes.DType) *Scalar {
	if !dtype.IsSupported() {
		exceptions.Panicf("DefineScalar: dtype %s not supported", dtype)
	}
	n := fd.newNode(&node{
		kind:     scalarValue,
		op:       OpTypeConstant,
		shape:    shapes.Scalar(dtype),
		constant: dtype.Round(value),
	})
	return &Scalar{n}
}

// DefineVector declares a vector of integer scalars, used as the shape argument of BroadcastInDim.
// Elements can be *Scalar values of an integer dtype (e.g.: the result of Tensor.Size) or Go ints,
// which are converted to constants.
func (fd *Definition) DefineVector(elements ...any) *Vector {
	fd.checkBuilding()
	elems := make([]*node, 0, len(elements))
	for ii, element := range elements {
		switch e := element.(type) {
		case *Scalar:
			fd.checkOwned(e.node)
			if !e.DType().IsInt() {
				exceptions.Panicf("DefineVector: element #%d (%s) must be an integer, got dtype %s", ii, e.Name(), e.DType())
			}
			elems = append(elems, e.node)
		case int:
			elems = append(elems, fd.DefineScalar(float64(e), dtypes.Int64).node)
		default:
			exceptions.Panicf("DefineVector: element #%d has unsupported type %T, it must be an int or a *Scalar", ii, element)
		}
	}
	n := fd.newNode(&node{
		kind:   vectorValue,
		op:     OpTypeVector,
		shape:  shapes.Make(dtypes.Int64, len(elems)),
		inputs: elems,
	})
	return &Vector{n}
}

// AddOutput registers t as an output of the fusion.
func (fd *Definition) AddOutput(t *Tensor) {
	fd.checkBuilding()
	if t == nil {
		exceptions.Panicf("AddOutput: nil tensor")
	}
	fd.checkOwned(t.node)
	fd.outputs = append(fd.outputs, t)
}

// String prints the definition, one line per operation.
func (fd *Definition) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fusion %q {\n", fd.name)
	for _, n := range fd.nodes {
		fmt.Fprintf(&sb, "  %s\n", n.describe())
	}
	outputs := make([]string, len(fd.outputs))
	for ii, t := range fd.outputs {
		outputs[ii] = t.Name()
	}
	fmt.Fprintf(&sb, "  outputs(%s)\n}", strings.Join(outputs, ", "))
	return sb.String()
}
