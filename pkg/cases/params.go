// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cases

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/benchmark"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Executor runs a case: either the fusion or one of its baselines.
type Executor string

const (
	// ExecutorFusion executes the fusion definition.
	ExecutorFusion Executor = "fusion"

	// ExecutorEager executes the baseline with eager operations.
	ExecutorEager Executor = "eager"

	// ExecutorJIT executes the baseline compiled with the jit package.
	ExecutorJIT Executor = "jit"
)

// Executors lists all executors.
var Executors = []Executor{ExecutorFusion, ExecutorEager, ExecutorJIT}

// ParseExecutor converts a name to an Executor.
func ParseExecutor(name string) (Executor, error) {
	for _, e := range Executors {
		if string(e) == strings.ToLower(strings.TrimSpace(name)) {
			return e, nil
		}
	}
	return "", errors.Errorf("unknown executor %q, valid values are %v", name, Executors)
}

// FloatDTypes benchmarked by default.
var FloatDTypes = dtypes.FloatDTypes

// PromoteDTypes are cast to Float32 inside the fusions.
var PromoteDTypes = dtypes.PromoteDTypes

// InputSizes returns the sizes benchmarked for inputs of the given rank. Only rank 2 is supported:
// {2^i x 2^j} for i in {6, 8, ..., 14} and j in {8, 10, ..., 14}, plus a few sizes that are not powers of 2.
func InputSizes(rank int) [][]int {
	if rank != 2 {
		exceptions.Panicf("InputSizes(%d): only rank 2 is supported", rank)
	}
	var sizes [][]int
	for i := 6; i <= 14; i += 2 {
		for j := 8; j <= 14; j += 2 {
			sizes = append(sizes, []int{1 << i, 1 << j})
		}
	}
	sizes = append(sizes, []int{1000, 1000}, []int{768, 3072}, []int{3000, 1000})
	return sizes
}

// SmallInputSizes for tests: small enough to be quick, but larger than the parallelization chunks.
func SmallInputSizes() [][]int {
	return [][]int{{64, 256}, {256, 256}, {128, 512}, {100, 30}}
}

// FormatSize returns the dimensions formatted as "AxB".
func FormatSize(dims []int) string {
	return strings.Join(xslices.Map(dims, strconv.Itoa), "x")
}

// ParseSizes parses a comma-separated list of sizes formatted as "AxB" (e.g. "256x256,128x512").
func ParseSizes(s string) ([][]int, error) {
	var sizes [][]int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var dims []int
		for _, dimStr := range strings.Split(part, "x") {
			dim, err := strconv.Atoi(dimStr)
			if err != nil || dim <= 0 {
				return nil, errors.Errorf("invalid size %q: dimensions must be positive integers separated by \"x\"", part)
			}
			dims = append(dims, dim)
		}
		sizes = append(sizes, dims)
	}
	return sizes, nil
}

// Params of one run of a case.
type Params struct {
	Size  []int
	DType dtypes.DType

	// ReductionAxis, only used by cases with a reduction.
	ReductionAxis int

	Executor Executor
}

// Map returns the params as strings, keyed by name. The reduction axis is included if hasAxis is true.
func (p Params) Map(hasAxis bool) map[string]string {
	m := map[string]string{
		"size":     FormatSize(p.Size),
		"dtype":    p.DType.String(),
		"executor": string(p.Executor),
	}
	if hasAxis {
		m["axis"] = strconv.Itoa(p.ReductionAxis)
	}
	return m
}

// String implements fmt.Stringer.
func (p Params) String() string {
	return fmt.Sprintf("size=%s,dtype=%s,axis=%d,executor=%s", FormatSize(p.Size), p.DType, p.ReductionAxis, p.Executor)
}

// Options of a case run.
type Options struct {
	// DisableValidation skips the comparison of the fusion outputs with the baseline.
	DisableValidation bool

	// DisableBenchmarking skips timing: Run returns a Result without timings.
	DisableBenchmarking bool

	// Seed of the random inputs.
	Seed uint64

	// Parallelism used by fusions, jit and eager operations. See fusion.Definition.SetParallelism.
	Parallelism int

	// Tolerance overrides the default tolerance of the dtype in validation, if not nil.
	Tolerance *dtypes.Tolerance

	// MemoryCacheThreshold: before each run, the memory cache is cleared if the heap is larger than it.
	// See benchmark.ClearMemoryCache.
	MemoryCacheThreshold uint64

	// Harness configures the timing.
	Harness benchmark.Config
}

// DefaultOptions returns options with validation and benchmarking enabled.
func DefaultOptions() Options {
	return Options{
		Seed:                 42,
		Parallelism:          runtime.NumCPU(),
		MemoryCacheThreshold: 1 << 30,
		Harness:              benchmark.DefaultConfig(),
	}
}
