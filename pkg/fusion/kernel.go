// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/shapes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/support/sets"
	"k8s.io/klog/v2"
)

// minElementsPerChunk is the minimum number of elements evaluated by each parallel chunk of a kernel.
const minElementsPerChunk = 4096

// kernel computes one materialized tensor (its root): a fusion output or a reduction.
//
// Element-wise ops, casts and broadcasts feeding the root are fused into the kernel as an
// expression tree, evaluated once per element of the kernel domain. The leaves of the tree are
// fusion inputs, tensors materialized by previous kernels and scalars.
//
// For element-wise kernels the domain is the root shape. For reductions the domain is the shape
// of the reduced operand, and the expression tree is the operand's (the reduction prologue).
type kernel struct {
	root      *node
	outShape  shapes.Shape
	domain    shapes.Shape
	reduction bool
	expr      *expr
	numMemo   int
}

// expr is a node of the kernel expression tree, evaluated at the indices of the kernel domain.
type expr struct {
	n        *node
	children []*expr

	// axisMap maps each axis of n to the domain axis that indexes it, or -1 for broadcast axes (dimension 1).
	axisMap []int

	// leaf values are read from a buffer (or are scalars), as opposed to being computed.
	leaf bool

	// direct leaves are packed and indexed exactly as the domain, so they can be read by the flat index.
	direct bool

	// refs is the number of parents of the expression within the kernel. Expressions with
	// more than one parent are evaluated once per element, in memoSlot.
	refs     int
	memoSlot int
}

// lower splits the definition into kernels. It panics on errors.
//
// Only reductions and outputs are materialized: element-wise producers used by more than one
// kernel are recomputed by each of them.
func (e *Executable) lower() {
	fd := e.fd
	live := sets.Make[int](len(fd.nodes))
	var markLive func(n *node)
	markLive = func(n *node) {
		if !live.Insert(n.id) {
			return
		}
		for _, input := range n.inputs {
			markLive(input)
		}
	}
	materialized := sets.Make[int]()
	for _, output := range fd.outputs {
		markLive(output.node)
		materialized.Insert(output.id)
	}
	for _, n := range fd.nodes {
		if live.Has(n.id) && n.kind == tensorValue && n.op.IsReduction() {
			materialized.Insert(n.id)
		}
	}
	for _, n := range fd.nodes {
		if materialized.Has(n.id) {
			e.kernels = append(e.kernels, e.newKernel(n, materialized))
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("fusion %q: materialized nodes %v", fd.name, sets.Sorted(materialized))
	}
}

type kernelBuilder struct {
	e            *Executable
	k            *kernel
	materialized sets.Set[int]
	exprs        map[string]*expr
	all          []*expr
}

func (e *Executable) newKernel(root *node, materialized sets.Set[int]) *kernel {
	k := &kernel{root: root, outShape: e.shapes[root.id]}
	b := &kernelBuilder{e: e, k: k, materialized: materialized, exprs: make(map[string]*expr)}
	if root.op.IsReduction() {
		k.reduction = true
		operand := root.inputs[0]
		k.domain = e.shapes[operand.id]
		k.expr = b.build(operand, identityAxisMap(k.domain.Rank()), false)
	} else {
		k.domain = k.outShape
		k.expr = b.build(root, identityAxisMap(k.domain.Rank()), true)
	}
	for _, x := range b.all {
		x.memoSlot = -1
		if x.refs > 1 && !x.leaf {
			x.memoSlot = k.numMemo
			k.numMemo++
		}
	}
	return k
}

func identityAxisMap(rank int) []int {
	axisMap := make([]int, rank)
	for axis := range axisMap {
		axisMap[axis] = axis
	}
	return axisMap
}

// build returns the expression computing n, indexed by the domain through axisMap.
func (b *kernelBuilder) build(n *node, axisMap []int, isRoot bool) *expr {
	key := fmt.Sprintf("%d:%v", n.id, axisMap)
	if x, found := b.exprs[key]; found {
		x.refs++
		return x
	}
	x := &expr{n: n, axisMap: axisMap, refs: 1}
	b.exprs[key] = x
	b.all = append(b.all, x)

	shape := b.e.shapes[n.id]
	if n.kind == scalarValue {
		x.leaf = true
		return x
	}
	if n.op == OpTypeParameter || (!isRoot && b.materialized.Has(n.id)) {
		x.leaf = true
		packed := n.op != OpTypeParameter || b.e.packed[n.inputIdx]
		x.direct = packed && slices.Equal(axisMap, identityAxisMap(b.k.domain.Rank())) &&
			slices.Equal(shape.Dimensions, b.k.domain.Dimensions)
		return x
	}

	switch n.op {
	case OpTypeCast, OpTypeNeg, OpTypeExp:
		x.children = []*expr{b.build(n.inputs[0], axisMap, false)}

	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		for _, operand := range n.inputs {
			operandShape := b.e.shapes[operand.id]
			operandMap := make([]int, operandShape.Rank())
			for axis := range operandMap {
				if operandShape.Dimensions[axis] == 1 && shape.Dimensions[axis] != 1 {
					operandMap[axis] = -1
				} else {
					operandMap[axis] = axisMap[axis]
				}
			}
			x.children = append(x.children, b.build(operand, operandMap, false))
		}

	case OpTypeBroadcastInDim:
		operand := n.inputs[0]
		operandShape := b.e.shapes[operand.id]
		operandMap := make([]int, operandShape.Rank())
		for axis, outAxis := range n.broadcastDims {
			if operandShape.Dimensions[axis] == 1 && shape.Dimensions[outAxis] != 1 {
				operandMap[axis] = -1
			} else {
				operandMap[axis] = axisMap[outAxis]
			}
		}
		x.children = []*expr{b.build(operand, operandMap, false)}

	default:
		exceptions.Panicf("kernel for %s: can't fuse op %s (%s)", b.k.root.Name(), n.op, n.Name())
	}
	return x
}

// String describes the kernel.
func (k *kernel) String() string {
	var leaves []string
	seen := sets.Make[int]()
	var walk func(x *expr)
	walk = func(x *expr) {
		if x.leaf && x.n.kind == tensorValue && seen.Insert(x.n.id) {
			leaves = append(leaves, x.n.Name())
		}
		for _, child := range x.children {
			walk(child)
		}
	}
	walk(k.expr)
	kind := "pointwise"
	if k.reduction {
		kind = k.root.op.String()
	}
	return fmt.Sprintf("%s=%s over %s -> %s, reads [%s]", k.root.Name(), kind, k.domain, k.outShape,
		strings.Join(leaves, ", "))
}

// evalState holds the position being evaluated in the kernel domain, and the per element memoized values.
// One is used per goroutine.
type evalState struct {
	indices   []int
	flat      int
	stamp     int
	memo      []float64
	memoStamp []int
}

func (k *kernel) newEvalState() *evalState {
	return &evalState{
		indices:   make([]int, k.domain.Rank()),
		memo:      make([]float64, k.numMemo),
		memoStamp: make([]int, k.numMemo),
	}
}

type evalFn func(st *evalState) float64

// bind creates the evaluation closures for the expression tree, reading leaves from buffers.
func (k *kernel) bind(e *Executable, buffers []*tensors.Tensor) evalFn {
	bound := make(map[*expr]evalFn)
	var bindExpr func(x *expr) evalFn
	bindExpr = func(x *expr) evalFn {
		if fn, found := bound[x]; found {
			return fn
		}
		children := make([]evalFn, len(x.children))
		for ii, child := range x.children {
			children[ii] = bindExpr(child)
		}
		fn := bindOp(e, x, children, buffers)
		if x.memoSlot >= 0 {
			fn = memoize(fn, x.memoSlot)
		}
		bound[x] = fn
		return fn
	}
	return bindExpr(k.expr)
}

func memoize(fn evalFn, slot int) evalFn {
	return func(st *evalState) float64 {
		if st.memoStamp[slot] == st.stamp {
			return st.memo[slot]
		}
		v := fn(st)
		st.memo[slot] = v
		st.memoStamp[slot] = st.stamp
		return v
	}
}

// rounder returns the function that rounds a result to dtype, or nil if no rounding is needed.
func rounder(dtype dtypes.DType) func(float64) float64 {
	if dtype == dtypes.Float64 {
		return nil
	}
	return dtype.Round
}

func bindOp(e *Executable, x *expr, children []evalFn, buffers []*tensors.Tensor) evalFn {
	n := x.n
	if x.leaf {
		if n.kind == scalarValue {
			value := e.scalars[n.id]
			return func(*evalState) float64 { return value }
		}
		return bindLeaf(x, buffers[n.id])
	}
	round := rounder(n.DType())
	var fn evalFn
	switch n.op {
	case OpTypeCast:
		a := children[0]
		if round == nil {
			return a
		}
		return func(st *evalState) float64 { return round(a(st)) }
	case OpTypeNeg:
		a := children[0]
		fn = func(st *evalState) float64 { return -a(st) }
	case OpTypeExp:
		a := children[0]
		fn = func(st *evalState) float64 { return math.Exp(a(st)) }
	case OpTypeAdd:
		a, b := children[0], children[1]
		fn = func(st *evalState) float64 { return a(st) + b(st) }
	case OpTypeSub:
		a, b := children[0], children[1]
		fn = func(st *evalState) float64 { return a(st) - b(st) }
	case OpTypeMul:
		a, b := children[0], children[1]
		fn = func(st *evalState) float64 { return a(st) * b(st) }
	case OpTypeDiv:
		a, b := children[0], children[1]
		fn = func(st *evalState) float64 { return a(st) / b(st) }
	case OpTypeBroadcastInDim:
		// Broadcasting only changes the indexing, handled by the axis maps.
		return children[0]
	default:
		exceptions.Panicf("bindOp: unexpected op %s", n.op)
	}
	if round == nil {
		return fn
	}
	return func(st *evalState) float64 { return round(fn(st)) }
}

func bindLeaf(x *expr, buffer *tensors.Tensor) evalFn {
	read := buffer.Reader()
	if x.direct {
		return func(st *evalState) float64 { return read(st.flat) }
	}
	strides := buffer.Strides()
	var domainAxes, leafStrides []int
	for axis, domainAxis := range x.axisMap {
		if domainAxis >= 0 {
			domainAxes = append(domainAxes, domainAxis)
			leafStrides = append(leafStrides, strides[axis])
		}
	}
	offset := buffer.LayoutOffset()
	return func(st *evalState) float64 {
		pos := offset
		for ii, domainAxis := range domainAxes {
			pos += st.indices[domainAxis] * leafStrides[ii]
		}
		return read(pos)
	}
}

// nextIndices increments the row-major indices of the given dimensions.
func nextIndices(indices, dimensions []int) {
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		indices[axis]++
		if indices[axis] < dimensions[axis] {
			return
		}
		indices[axis] = 0
	}
}

// run executes the kernel and returns the materialized root.
func (k *kernel) run(e *Executable, buffers []*tensors.Tensor) (*tensors.Tensor, error) {
	eval := k.bind(e, buffers)
	output := tensors.FromShape(k.outShape)
	write := output.Writer()
	outSize := k.outShape.Size()
	if !k.reduction {
		dims := k.domain.Dimensions
		return output, e.fd.pool.ParallelFor(outSize, minElementsPerChunk, func(start, end int) {
			st := k.newEvalState()
			shapes.UnflattenIndex(start, dims, st.indices)
			for flat := start; flat < end; flat++ {
				st.flat = flat
				st.stamp++
				write(flat, eval(st))
				nextIndices(st.indices, dims)
			}
		})
	}

	// Reduction: for each output element, iterate over the reduced axes of the domain.
	var keptAxes, reducedAxes, reducedDims []int
	reducedSize := 1
	for axis, dim := range k.domain.Dimensions {
		if slices.Contains(k.root.axes, axis) {
			reducedAxes = append(reducedAxes, axis)
			reducedDims = append(reducedDims, dim)
			reducedSize *= dim
		} else {
			keptAxes = append(keptAxes, axis)
		}
	}
	domainStrides := k.domain.Strides()
	outDims := k.outShape.Dimensions
	isMax := k.root.op == OpTypeMax
	initial := 0.0
	if isMax {
		initial = k.domain.DType.LowestValue()
	}
	round := k.root.DType().Round
	minChunk := max(1, minElementsPerChunk/reducedSize)
	return output, e.fd.pool.ParallelFor(outSize, minChunk, func(start, end int) {
		st := k.newEvalState()
		outIndices := make([]int, len(outDims))
		reducedIndices := make([]int, len(reducedAxes))
		for outFlat := start; outFlat < end; outFlat++ {
			shapes.UnflattenIndex(outFlat, outDims, outIndices)
			for ii, axis := range keptAxes {
				if k.root.keepDim {
					st.indices[axis] = outIndices[axis]
				} else {
					st.indices[axis] = outIndices[ii]
				}
			}
			for ii := range reducedIndices {
				reducedIndices[ii] = 0
			}
			acc := initial
			for range reducedSize {
				for ii, axis := range reducedAxes {
					st.indices[axis] = reducedIndices[ii]
				}
				st.flat = 0
				for axis, idx := range st.indices {
					st.flat += idx * domainStrides[axis]
				}
				st.stamp++
				v := eval(st)
				if isMax {
					if v > acc || math.IsNaN(v) {
						acc = v
					}
				} else {
					acc += v
				}
				nextIndices(reducedIndices, reducedDims)
			}
			write(outFlat, round(acc))
		}
	})
}
