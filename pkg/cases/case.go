// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cases implements the fusion benchmark cases: pointwise multiplication and softmax backward.
//
// Each case has a fusion builder (e.g. PointwiseMulFusion), an eager baseline (e.g. PointwiseMulBaseline)
// used both as reference for validation and as a speed baseline, and a driver (Case.Run) that
// creates random inputs, validates the fusion and times the selected executor.
//
// Cases register themselves, see All and Lookup.
package cases

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/benchmark"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/eager"
	"github.com/gomlx/fusebench/pkg/eager/jit"
	"github.com/gomlx/fusebench/pkg/fusion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Case is a benchmark case.
type Case interface {
	// Name of the case, e.g. "pointwise_mul".
	Name() string

	// Params returns the default grid of params: InputSizes(2), FloatDTypes, the reduction axes
	// of the case and all Executors.
	Params() []Params

	// Grid returns the params for the combinations of the given sizes, dtypes and executors, and
	// the reduction axes of the case.
	Grid(sizes [][]int, dtypes []dtypes.DType, executors []Executor) []Params

	// Run the case with the given params. It returns the timings, unless benchmarking is
	// disabled, in which case the result has no timings.
	Run(ctx context.Context, p Params, opts Options) (*benchmark.Result, error)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Case)
)

// Register a case, making it available to All and Lookup. It panics if the name is already registered.
func Register(c Case) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[c.Name()]; found {
		exceptions.Panicf("cases.Register: case %q already registered", c.Name())
	}
	registry[c.Name()] = c
}

// All returns the registered cases, sorted by name.
func All() []Case {
	registryMu.Lock()
	defer registryMu.Unlock()
	all := make([]Case, 0, len(registry))
	for _, c := range registry {
		all = append(all, c)
	}
	slices.SortFunc(all, func(a, b Case) int { return strings.Compare(a.Name(), b.Name()) })
	return all
}

// Lookup returns the case with the given name.
func Lookup(name string) (Case, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	c, found := registry[name]
	if !found {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown case %q, registered cases are %v", name, names)
	}
	return c, nil
}

// fusionCase implements Case for a fusion and its eager baseline.
type fusionCase struct {
	name string

	// axes of the reduction, or nil if the case has no reduction.
	axes []int

	// build the fusion.
	build func(fd *fusion.Definition, p Params)

	// inputs creates the random inputs, used by all executors.
	inputs func(rng *rand.Rand, p Params) []*tensors.Tensor

	// validation returns the inputs of the fusion and its expected outputs, computed with the
	// baseline in Float64 and cast down to the dtype.
	validation func(inputs []*tensors.Tensor, p Params) (fusionInputs, expected []*tensors.Tensor)

	// eager returns the function executed by the eager executor.
	eager func(p Params) func(inputs []*tensors.Tensor)

	// jit returns the function compiled by the jit executor.
	jit func(p Params) (jit.Fn, []jit.Option)

	numOutputs int

	// clearMemoryCache before each run.
	clearMemoryCache bool
}

var _ Case = (*fusionCase)(nil)

// Name implements Case.
func (c *fusionCase) Name() string { return c.name }

// Params implements Case.
func (c *fusionCase) Params() []Params {
	return c.Grid(InputSizes(2), FloatDTypes, Executors)
}

// Grid implements Case.
func (c *fusionCase) Grid(sizes [][]int, dtypesList []dtypes.DType, executors []Executor) []Params {
	axes := c.axes
	if len(axes) == 0 {
		axes = []int{0}
	}
	var grid []Params
	for _, size := range sizes {
		for _, dtype := range dtypesList {
			for _, axis := range axes {
				for _, executor := range executors {
					grid = append(grid, Params{
						Size:          slices.Clone(size),
						DType:         dtype,
						ReductionAxis: axis,
						Executor:      executor,
					})
				}
			}
		}
	}
	return grid
}

// Run implements Case.
func (c *fusionCase) Run(ctx context.Context, p Params, opts Options) (result *benchmark.Result, err error) {
	var runErr error
	err = exceptions.TryCatch[error](func() { result, runErr = c.run(ctx, p, opts) })
	if err == nil {
		err = runErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "case %s[%s]", c.name, p)
	}
	return result, nil
}

func (c *fusionCase) run(ctx context.Context, p Params, opts Options) (*benchmark.Result, error) {
	if len(p.Size) != 2 {
		return nil, errors.Errorf("inputs must be 2D, got size %v", p.Size)
	}
	if c.axes != nil && !slices.Contains(c.axes, p.ReductionAxis) {
		return nil, errors.Errorf("invalid reduction axis %d, valid values are %v", p.ReductionAxis, c.axes)
	}
	if c.clearMemoryCache {
		benchmark.ClearMemoryCache(opts.MemoryCacheThreshold)
	}
	rng := tensors.NewRNG(opts.Seed)
	inputs := c.inputs(rng, p)

	var fn func() error
	var outputs []*tensors.Tensor
	switch p.Executor {
	case ExecutorFusion:
		fd, err := fusion.Define(c.name, func(fd *fusion.Definition) { c.build(fd, p) })
		if err != nil {
			return nil, err
		}
		fd.SetParallelism(opts.Parallelism)
		if klog.V(2).Enabled() {
			klog.Infof("%s", fd)
		}
		if !opts.DisableValidation {
			if err := c.validate(fd, inputs, p, opts); err != nil {
				return nil, err
			}
		}
		fn = func() error {
			var err error
			outputs, err = fd.Execute(inputs...)
			return err
		}

	case ExecutorEager:
		eager.SetParallelism(opts.Parallelism)
		eagerFn := c.eager(p)
		fn = func() error {
			return exceptions.TryCatch[error](func() { eagerFn(inputs) })
		}

	case ExecutorJIT:
		// Always start from an empty cache, so the compilation happens in the warmup.
		jit.Reset()
		jitFn, jitOpts := c.jit(p)
		jitOpts = append(slices.Clone(jitOpts), jit.WithParallelism(opts.Parallelism))
		exec := jit.Compile(c.name, jitFn, jitOpts...)
		defer exec.Finalize()
		fn = func() error {
			var err error
			outputs, err = exec.Call(inputs...)
			return err
		}

	default:
		return nil, errors.Errorf("unknown executor %q", p.Executor)
	}

	result := &benchmark.Result{Name: c.name}
	if !opts.DisableBenchmarking {
		var err error
		result, err = benchmark.Run(ctx, c.name, fn, opts.Harness)
		if err != nil {
			return nil, err
		}
	}
	result.Params = p.Map(c.axes != nil)
	result.IOBytes = c.ioBytes(inputs, outputs)
	return result, nil
}

// validate the fusion outputs against the baseline.
func (c *fusionCase) validate(fd *fusion.Definition, inputs []*tensors.Tensor, p Params, opts Options) error {
	fusionInputs, expected := c.validation(inputs, p)
	tol := p.DType.DefaultTolerance()
	if opts.Tolerance != nil {
		tol = *opts.Tolerance
	}
	if err := fd.Validate(fusionInputs, expected, fusion.WithTolerance(tol)); err != nil {
		return err
	}
	klog.V(1).Infof("%s[%s]: validated", c.name, p)
	return nil
}

// ioBytes read and written by one execution. If no outputs were produced (benchmarking disabled,
// or the eager executor), the outputs are assumed to have the shape of the first input.
func (c *fusionCase) ioBytes(inputs, outputs []*tensors.Tensor) int64 {
	if len(outputs) > 0 {
		return benchmark.IOBytes(inputs, outputs)
	}
	ioBytes := benchmark.IOBytes(inputs, nil)
	return ioBytes + int64(c.numOutputs)*int64(inputs[0].Bytes())
}
