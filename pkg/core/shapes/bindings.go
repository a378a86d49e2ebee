// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// AxisBindings holds the value bound to each named dynamic axis, once concrete inputs are known.
type AxisBindings map[string]int

// Key is a canonical representation of the bindings ("a=1,b=2", sorted by name), used to
// identify a concrete signature.
func (ab AxisBindings) Key() string {
	var sb strings.Builder
	for ii, name := range slices.Sorted(maps.Keys(ab)) {
		if ii > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%d", name, ab[name])
	}
	return sb.String()
}

// bind name to dim, failing if it's already bound to a different value.
func (ab AxisBindings) bind(name string, dim int) error {
	if prev, found := ab[name]; found && prev != dim {
		return errors.Errorf("conflicting values for axis %q: %d vs %d", name, prev, dim)
	}
	ab[name] = dim
	return nil
}

// Merge the other bindings into ab. It fails if an axis is bound to different values.
func (ab AxisBindings) Merge(other AxisBindings) error {
	for name, dim := range other {
		if err := ab.bind(name, dim); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns a copy of the shape with its named dynamic axes set to their bound values.
// Axes without a binding stay dynamic.
func (s Shape) Resolve(bindings AxisBindings) Shape {
	resolved := s.Clone()
	for axis, dim := range resolved.Dimensions {
		if dim != DimDynamic {
			continue
		}
		if value, found := bindings[s.AxisName(axis)]; found {
			resolved.Dimensions[axis] = value
		}
	}
	return resolved
}

// ExtractBindings matches a concrete shape against a pattern with dynamic axes, and returns
// the values of the pattern's named axes. Static axes must match, unnamed dynamic axes match anything.
func ExtractBindings(pattern, concrete Shape) (AxisBindings, error) {
	switch {
	case pattern.DType != concrete.DType:
		return nil, errors.Errorf("dtype mismatch: expected %s, got %s", pattern.DType, concrete.DType)
	case pattern.Rank() != concrete.Rank():
		return nil, errors.Errorf("rank mismatch: expected %d, got %d", pattern.Rank(), concrete.Rank())
	}
	bindings := make(AxisBindings)
	for axis, want := range pattern.Dimensions {
		got := concrete.Dimensions[axis]
		if want != DimDynamic {
			if want != got {
				return nil, errors.Errorf("dimension %d mismatch: expected %d, got %d", axis, want, got)
			}
			continue
		}
		if name := pattern.AxisName(axis); name != "" {
			if err := bindings.bind(name, got); err != nil {
				return nil, errors.WithMessagef(err, "dimension %d", axis)
			}
		}
	}
	return bindings, nil
}
