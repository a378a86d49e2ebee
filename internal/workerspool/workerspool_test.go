// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		assert.Equal(t, parallelism, pool.MaxParallelism())
		const n = 1000
		visited := make([]int32, n)
		require.NoError(t, pool.ParallelFor(n, 7, func(start, end int) {
			for ii := start; ii < end; ii++ {
				atomic.AddInt32(&visited[ii], 1)
			}
		}))
		for ii, v := range visited {
			require.Equalf(t, int32(1), v, "parallelism=%d, element %d visited %d times", parallelism, ii, v)
		}
		assert.Zero(t, pool.running.Load())
	}

	pool := New()
	assert.Equal(t, runtime.NumCPU(), pool.MaxParallelism())
	require.NoError(t, pool.ParallelFor(0, 1, func(start, end int) { t.Fatal("should not be called") }))

	// The chunking depends on the number of CPUs: fail on whichever chunk holds element 50.
	err := pool.ParallelFor(100, 10, func(start, end int) {
		if start <= 50 && 50 < end {
			panic(errors.New("chunk failed"))
		}
	})
	require.ErrorContains(t, err, "chunk failed")

	// Also with exactly one chunk per 10 elements, regardless of the number of CPUs.
	pool.SetMaxParallelism(-1)
	var numCalls atomic.Int32
	err = pool.ParallelFor(100, 10, func(start, end int) {
		numCalls.Add(1)
		if start == 50 {
			panic(errors.New("chunk 5 failed"))
		}
	})
	require.ErrorContains(t, err, "chunk 5 failed")
	assert.Equal(t, int32(10), numCalls.Load())
}

func TestNestedParallelFor(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var total atomic.Int64
	require.NoError(t, pool.ParallelFor(16, 1, func(start, end int) {
		for range end - start {
			require.NoError(t, pool.ParallelFor(64, 4, func(start, end int) {
				total.Add(int64(end - start))
			}))
		}
	}))
	assert.Equal(t, int64(16*64), total.Load())
}

func TestParallelismLimit(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)
	var current, peak atomic.Int64
	require.NoError(t, pool.ParallelFor(1000, 1, func(start, end int) {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		runtime.Gosched()
		current.Add(-1)
	}))
	// The calling goroutine plus at most 3 extra ones.
	assert.LessOrEqual(t, peak.Load(), int64(4))
}
