// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool splits loops over the elements of a tensor into chunks and runs them on a
// soft-bounded number of goroutines. It is shared by fused kernels and eager operations.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// Pool bounds the number of extra goroutines running chunks at any time, across all the
// ParallelFor calls sharing it. Create it with New.
type Pool struct {
	// maxParallelism: 0 disables parallelism, < 0 is unlimited.
	maxParallelism atomic.Int64

	// running counts the goroutines started by ParallelFor that haven't finished.
	running atomic.Int64
}

// New returns a Pool with parallelism set to runtime.NumCPU().
func New() *Pool {
	p := &Pool{}
	p.maxParallelism.Store(int64(runtime.NumCPU()))
	return p
}

// MaxParallelism returns the soft limit of goroutines: 0 means disabled, -1 means unlimited.
func (p *Pool) MaxParallelism() int {
	return int(p.maxParallelism.Load())
}

// SetMaxParallelism sets the soft limit of goroutines. It takes effect on the following ParallelFor calls.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism.Store(int64(maxParallelism))
}

// tryAcquire reserves a goroutine, if one is available.
func (p *Pool) tryAcquire() bool {
	limit := p.maxParallelism.Load()
	if limit < 0 {
		p.running.Add(1)
		return true
	}
	for {
		n := p.running.Load()
		if n >= limit {
			return false
		}
		if p.running.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *Pool) release() { p.running.Add(-1) }

// ParallelFor splits [0, n) into chunks of at least minChunk elements and calls fn on each of them.
//
// The calling goroutine also runs chunks, so it makes progress even when no goroutine is available
// (or parallelism is disabled), and nested calls never deadlock.
//
// A panic in fn is recovered and the first one is returned as an error, once all chunks finish.
func (p *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) error {
	if n <= 0 {
		return nil
	}
	minChunk = max(minChunk, 1)
	numChunks := (n + minChunk - 1) / minChunk
	switch limit := p.MaxParallelism(); {
	case limit == 0:
		numChunks = 1
	case limit > 0:
		numChunks = min(numChunks, limit)
	}
	chunkSize := (n + numChunks - 1) / numChunks

	var (
		next     atomic.Int64
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	runChunks := func() {
		for {
			start := int(next.Add(1)-1) * chunkSize
			if start >= n {
				return
			}
			end := min(start+chunkSize, n)
			if err := exceptions.TryCatch[error](func() { fn(start, end) }); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}
	}
	for range numChunks - 1 {
		if !p.tryAcquire() {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.release()
			runChunks()
		}()
	}
	runChunks()
	wg.Wait()
	return firstErr
}
