// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jit compiles functions written with eager operations into fusions.
//
// The function is traced once per input signature (shapes, dtypes and devices) into a
// fusion.Definition, which is then executed for every call with the same signature:
//
//	square := jit.Compile("square", func(inputs []*eager.Tensor) []*eager.Tensor {
//		return []*eager.Tensor{eager.Mul(inputs[0], inputs[0])}
//	})
//	outputs, err := square.Call(x)
//
// Inputs marked with WithRequiresGrad are traced as tensors requiring gradients, so
// the function can call Backward and return gradients, which are compiled too.
package jit

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/gomlx/fusebench/pkg/eager"
	"github.com/gomlx/fusebench/pkg/fusion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fn is a function of eager tensors that can be compiled.
type Fn func(inputs []*eager.Tensor) []*eager.Tensor

// DefaultMaxCacheSize is the default number of signatures an Exec compiles before Call starts
// returning errors.
const DefaultMaxCacheSize = 10

// Exec is a compiled Fn. It is safe for concurrent use.
//
// For safety there is a maximum number of signatures compiled, see SetMaxCache.
type Exec struct {
	name         string
	fn           Fn
	requiresGrad []bool
	parallelism  *int

	// Protects the fields below.
	mu           sync.Mutex
	maxCacheSize int
	cache        []*cacheEntry
	numCompiles  int
}

// cacheEntry: no hashing, just a simple list, like fusion executables.
type cacheEntry struct {
	key string
	fd  *fusion.Definition
}

// Option configures Compile.
type Option func(e *Exec)

// WithRequiresGrad marks which inputs are traced as requiring gradients. Missing flags are false.
func WithRequiresGrad(flags ...bool) Option {
	return func(e *Exec) { e.requiresGrad = slices.Clone(flags) }
}

// WithParallelism sets the parallelism of the compiled fusions, see fusion.Definition.SetParallelism.
func WithParallelism(parallelism int) Option {
	return func(e *Exec) { e.parallelism = &parallelism }
}

var (
	registryMu sync.Mutex
	registry   = make(map[*Exec]struct{})
)

// Compile returns an Exec that traces fn on the first call of each input signature.
//
// The Exec is registered for Reset until it is finalized.
func Compile(name string, fn Fn, opts ...Option) *Exec {
	e := &Exec{
		name:         name,
		fn:           fn,
		maxCacheSize: DefaultMaxCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	registryMu.Lock()
	registry[e] = struct{}{}
	registryMu.Unlock()
	return e
}

// Reset clears the cache of every live Exec, so the next calls trace again.
func Reset() {
	registryMu.Lock()
	execs := make([]*Exec, 0, len(registry))
	for e := range registry {
		execs = append(execs, e)
	}
	registryMu.Unlock()
	for _, e := range execs {
		e.ClearCache()
	}
	klog.V(1).Infof("jit: reset %d compiled functions", len(execs))
}

// Name of the compiled function.
func (e *Exec) Name() string { return e.name }

// SetMaxCache sets the maximum number of signatures compiled. Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxCacheSize = maxCacheSize
	return e
}

// ClearCache drops the compiled fusions. NumCompiles is not reset.
func (e *Exec) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = nil
}

// NumCompiles returns how many times the function has been traced.
func (e *Exec) NumCompiles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numCompiles
}

// Finalize clears the cache and unregisters the Exec from Reset. It shouldn't be used after that.
func (e *Exec) Finalize() {
	e.ClearCache()
	registryMu.Lock()
	delete(registry, e)
	registryMu.Unlock()
}

// Call executes the function on the inputs, tracing and compiling it first if the signature of the
// inputs wasn't seen before. Strided inputs are packed before execution.
func (e *Exec) Call(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	packed := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("jit %q: input #%d is nil", e.name, ii)
		}
		packed[ii] = input.Contiguous()
	}
	fd, err := e.definition(packed)
	if err != nil {
		return nil, err
	}
	outputs, err := fd.Execute(packed...)
	if err != nil {
		return nil, errors.WithMessagef(err, "jit %q", e.name)
	}
	return outputs, nil
}

// Definition returns the fusion traced for the signature of the inputs, tracing it if needed.
func (e *Exec) Definition(inputs ...*tensors.Tensor) (*fusion.Definition, error) {
	return e.definition(inputs)
}

func signatureKey(inputs []*tensors.Tensor) string {
	parts := make([]string, len(inputs))
	for ii, input := range inputs {
		parts[ii] = fmt.Sprintf("%s@%s", input.Shape(), input.Device())
	}
	return strings.Join(parts, ",")
}

func (e *Exec) definition(inputs []*tensors.Tensor) (*fusion.Definition, error) {
	key := signatureKey(inputs)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.cache {
		if entry.key == key {
			return entry.fd, nil
		}
	}
	if e.maxCacheSize >= 0 && len(e.cache) >= e.maxCacheSize {
		return nil, errors.Errorf("jit %q: maximum cache size of %d reached for signature %s, "+
			"use SetMaxCache(), ClearCache() or jit.Reset() to allow more signatures", e.name, e.maxCacheSize, key)
	}
	fd, err := e.trace(inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "jit %q: failed to trace signature %s", e.name, key)
	}
	e.cache = append(e.cache, &cacheEntry{key: key, fd: fd})
	e.numCompiles++
	if klog.V(1).Enabled() {
		klog.Infof("jit %q: traced signature %s (compile #%d):\n%s", e.name, key, e.numCompiles, fd)
	}
	return fd, nil
}

// trace fn over placeholders with the shapes of inputs. Should be called with mu locked.
func (e *Exec) trace(inputs []*tensors.Tensor) (*fusion.Definition, error) {
	fd := fusion.New(fmt.Sprintf("%s#%d", e.name, e.numCompiles))
	if e.parallelism != nil {
		fd.SetParallelism(*e.parallelism)
	}
	err := exceptions.TryCatch[error](func() {
		tracer := eager.NewTracer(fd)
		params := make([]*eager.Tensor, len(inputs))
		for ii, input := range inputs {
			params[ii] = tracer.Input(input.Shape(), input.Device())
			if ii < len(e.requiresGrad) && e.requiresGrad[ii] {
				params[ii].SetRequiresGrad(true)
			}
		}
		outputs := e.fn(params)
		if len(outputs) == 0 {
			exceptions.Panicf("function returned no outputs")
		}
		for ii, output := range outputs {
			if output == nil || !output.IsTraced() {
				exceptions.Panicf("output #%d is not a traced tensor: outputs must be computed from the inputs", ii)
			}
			tracer.Output(output)
		}
		fd.Finalize()
	})
	if err != nil {
		return nil, err
	}
	return fd, nil
}
