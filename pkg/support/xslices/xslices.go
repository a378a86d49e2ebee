// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides generic slice helpers missing from the standard slices package,
// and a command-line flag for comma-separated lists.
package xslices

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Map returns fn applied to each element of in.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Flag defines a flag in flag.CommandLine holding a comma-separated list of T, each element
// converted with parseFn. It returns a pointer to the parsed list, which holds defaultValue
// until the flag is set.
func Flag[T any](name string, defaultValue []T, usage string, parseFn func(s string) (T, error)) *[]T {
	f := &listFlag[T]{values: defaultValue, parseFn: parseFn}
	flag.Var(f, name, usage)
	return &f.values
}

// listFlag implements flag.Value.
type listFlag[T any] struct {
	values  []T
	parseFn func(s string) (T, error)
}

func (f *listFlag[T]) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(Map(f.values, func(v T) string {
		if s, ok := any(v).(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprint(v)
	}), ",")
}

func (f *listFlag[T]) Set(s string) error {
	f.values = f.values[:0:0]
	if strings.TrimSpace(s) == "" {
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		v, err := f.parseFn(strings.TrimSpace(part))
		if err != nil {
			return errors.WithMessagef(err, "parsing %q", part)
		}
		f.values = append(f.values, v)
	}
	return nil
}
