// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Result of a benchmark Run.
type Result struct {
	// Name of the benchmark.
	Name string

	// Params describing the run, set by the caller. Used by reports.
	Params map[string]string

	// Timings of each round.
	Timings []time.Duration

	// IOBytes read and written by each round, set by the caller. See IOBytes.
	IOBytes int64
}

// Run fn with the given configuration and returns the timings of each round.
//
// The context is checked between rounds: if it's cancelled, Run stops and returns the context error.
// The first error returned by fn stops the benchmark and is returned.
func Run(ctx context.Context, name string, fn func() error, cfg Config) (*Result, error) {
	if cfg.Rounds <= 0 {
		return nil, errors.Errorf("benchmark %q: Rounds must be > 0, got %d", name, cfg.Rounds)
	}
	for round := range cfg.WarmupRounds {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "benchmark %q interrupted during warmup", name)
		}
		if cfg.Setup != nil {
			cfg.Setup()
		}
		if err := fn(); err != nil {
			return nil, errors.WithMessagef(err, "benchmark %q failed in warmup round %d", name, round)
		}
	}

	result := &Result{Name: name, Params: make(map[string]string), Timings: make([]time.Duration, 0, cfg.Rounds)}
	start := time.Now()
	for round := range cfg.Rounds {
		if cfg.MaxTime > 0 && round >= cfg.MinRounds && time.Since(start) > cfg.MaxTime {
			klog.V(1).Infof("benchmark %q: stopping after %d rounds, MaxTime=%s elapsed", name, round, cfg.MaxTime)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "benchmark %q interrupted at round %d", name, round)
		}
		if cfg.Setup != nil {
			cfg.Setup()
		}
		if cfg.ClearL2 {
			ClearL2Cache(cfg.L2FlushBytes)
		}
		roundStart := time.Now()
		err := fn()
		elapsed := time.Since(roundStart)
		if err != nil {
			return nil, errors.WithMessagef(err, "benchmark %q failed in round %d", name, round)
		}
		result.Timings = append(result.Timings, elapsed)
	}
	if klog.V(1).Enabled() {
		klog.Infof("benchmark %s", result)
	}
	return result, nil
}

var (
	flushMu     sync.Mutex
	flushBuffer []byte
	flushValue  byte
)

// cacheLineSize used to touch the flush buffer.
const cacheLineSize = 64

// ClearL2Cache writes a buffer of the given size, evicting from the CPU caches the data of
// previous rounds. The buffer is allocated once and reused.
func ClearL2Cache(numBytes int) {
	if numBytes <= 0 {
		return
	}
	flushMu.Lock()
	defer flushMu.Unlock()
	if len(flushBuffer) < numBytes {
		flushBuffer = make([]byte, numBytes)
	}
	flushValue++
	buf := flushBuffer[:numBytes]
	for ii := 0; ii < len(buf); ii += cacheLineSize {
		buf[ii] = flushValue
	}
}

// ClearMemoryCache forces a garbage collection and returns the freed memory to the OS if the
// heap in use is larger than threshold bytes. It returns whether memory was cleared.
func ClearMemoryCache(threshold uint64) bool {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapInuse <= threshold {
		return false
	}
	debug.FreeOSMemory()
	klog.V(1).Infof("benchmark: cleared memory cache, heap in use was %s", humanize.IBytes(stats.HeapInuse))
	return true
}

// IOBytes returns the number of bytes of the inputs and outputs of a computation.
func IOBytes(inputs, outputs []*tensors.Tensor) int64 {
	var total int64
	for _, t := range inputs {
		total += int64(t.Bytes())
	}
	for _, t := range outputs {
		total += int64(t.Bytes())
	}
	return total
}

// seconds returns the timings in seconds, sorted.
func (r *Result) seconds() []float64 {
	values := make([]float64, len(r.Timings))
	for ii, d := range r.Timings {
		values[ii] = d.Seconds()
	}
	slices.Sort(values)
	return values
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Rounds returns the number of timed rounds.
func (r *Result) Rounds() int { return len(r.Timings) }

// Min timing.
func (r *Result) Min() time.Duration {
	if len(r.Timings) == 0 {
		return 0
	}
	return fromSeconds(floats.Min(r.seconds()))
}

// Max timing.
func (r *Result) Max() time.Duration {
	if len(r.Timings) == 0 {
		return 0
	}
	return fromSeconds(floats.Max(r.seconds()))
}

// Mean timing.
func (r *Result) Mean() time.Duration {
	if len(r.Timings) == 0 {
		return 0
	}
	return fromSeconds(stat.Mean(r.seconds(), nil))
}

// StdDev of the timings. It is 0 with less than 2 rounds.
func (r *Result) StdDev() time.Duration {
	if len(r.Timings) < 2 {
		return 0
	}
	return fromSeconds(stat.StdDev(r.seconds(), nil))
}

// Quantile of the timings, for p in [0, 1].
func (r *Result) Quantile(p float64) time.Duration {
	if len(r.Timings) == 0 {
		return 0
	}
	return fromSeconds(stat.Quantile(p, stat.Empirical, r.seconds(), nil))
}

// Median timing.
func (r *Result) Median() time.Duration { return r.Quantile(0.5) }

// IQR is the interquartile range of the timings.
func (r *Result) IQR() time.Duration { return r.Quantile(0.75) - r.Quantile(0.25) }

// Bandwidth in bytes per second, computed from IOBytes and the median timing. It is 0 if
// IOBytes is not set.
func (r *Result) Bandwidth() float64 {
	median := r.Median()
	if r.IOBytes <= 0 || median <= 0 {
		return 0
	}
	return float64(r.IOBytes) / median.Seconds()
}

// ParamsString returns the params as "key=value" pairs sorted by key.
func (r *Result) ParamsString() string {
	keys := slices.Sorted(maps.Keys(r.Params))
	parts := make([]string, len(keys))
	for ii, key := range keys {
		parts[ii] = fmt.Sprintf("%s=%s", key, r.Params[key])
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	if len(r.Params) > 0 {
		fmt.Fprintf(&sb, "[%s]", r.ParamsString())
	}
	fmt.Fprintf(&sb, ": median %s (±%s) over %d rounds", r.Median(), r.StdDev(), r.Rounds())
	if bw := r.Bandwidth(); bw > 0 {
		fmt.Fprintf(&sb, ", %s", humanize.SIWithDigits(bw, 2, "B/s"))
	}
	return sb.String()
}
