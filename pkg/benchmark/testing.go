// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package benchmark

import "testing"

// FromTestingB times fn in the loop of a Go benchmark. If ioBytes > 0, it's reported with
// b.SetBytes, so `go test -bench` prints the bandwidth.
//
// The first error returned by fn fails the benchmark.
func FromTestingB(b *testing.B, ioBytes int64, fn func() error) {
	b.Helper()
	if ioBytes > 0 {
		b.SetBytes(ioBytes)
	}
	for b.Loop() {
		if err := fn(); err != nil {
			b.Fatalf("%+v", err)
		}
	}
}
