// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a generic set on top of map[T]struct{}.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set, optionally reserving space for size elements.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert key and return true if it was not yet in the set.
func (s Set[T]) Insert(key T) bool {
	if s.Has(key) {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Sorted returns the keys of the set in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
