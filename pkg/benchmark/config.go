// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package benchmark times functions: it runs warmup rounds, then timed rounds with the
// caches flushed in between, and collects statistics and reports of the timings.
//
// Use Run directly, or FromTestingB within Go benchmarks.
package benchmark

import "time"

// Config of a benchmark Run. Start from DefaultConfig and change the fields needed.
type Config struct {
	// WarmupRounds are executed before timing, and are not included in the results.
	WarmupRounds int

	// Rounds is the number of timed rounds.
	Rounds int

	// MaxTime, if > 0, stops timing after it's elapsed, as long as MinRounds were executed.
	MaxTime time.Duration

	// MinRounds executed even if MaxTime elapsed.
	MinRounds int

	// ClearL2 writes a buffer of L2FlushBytes before each round, so that inputs are not served
	// from the cache of the previous round.
	ClearL2 bool

	// L2FlushBytes is the size of the buffer written to flush the cache. It should be larger than the cache.
	L2FlushBytes int

	// Setup, if not nil, is called before each round (warmup included), and is not timed.
	Setup func()
}

// DefaultConfig returns the default benchmark configuration: 1 warmup round, 10 timed rounds and
// the cache flushed between rounds.
func DefaultConfig() Config {
	return Config{
		WarmupRounds: 1,
		Rounds:       10,
		MinRounds:    3,
		ClearL2:      true,
		L2FlushBytes: 64 << 20,
	}
}
