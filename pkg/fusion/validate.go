// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrValidation is wrapped by the errors returned by Validate when an output doesn't match
// its expected value. Use errors.Is to check for it.
var ErrValidation = errors.New("fusion output doesn't match the reference")

// ValidateOption configures Validate.
type ValidateOption func(cfg *validateConfig)

type validateConfig struct {
	tolerance *dtypes.Tolerance
}

// WithTolerance overrides the default per-dtype tolerance (see dtypes.Tolerances) used by Validate.
func WithTolerance(tol dtypes.Tolerance) ValidateOption {
	return func(cfg *validateConfig) {
		cfg.tolerance = &tol
	}
}

// Validate executes the fusion with inputs and compares each output with the corresponding expected
// tensor, using the tolerance of the output dtype.
//
// Errors executing the fusion are returned as is, while mismatches return an error wrapping
// ErrValidation.
func (fd *Definition) Validate(inputs, expected []*tensors.Tensor, opts ...ValidateOption) error {
	var cfg validateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	outputs, err := fd.Execute(inputs...)
	if err != nil {
		return err
	}
	if len(outputs) != len(expected) {
		return errors.Wrapf(ErrValidation, "fusion %q returned %d outputs, %d were expected",
			fd.name, len(outputs), len(expected))
	}
	for ii, output := range outputs {
		want := expected[ii]
		if want == nil {
			return errors.Errorf("fusion %q: expected value for output #%d is nil", fd.name, ii)
		}
		if output.DType() != want.DType() {
			return errors.Wrapf(ErrValidation, "fusion %q: output #%d has dtype %s, %s was expected",
				fd.name, ii, output.DType(), want.DType())
		}
		tol := output.DType().DefaultTolerance()
		if cfg.tolerance != nil {
			tol = *cfg.tolerance
		}
		if err := tensors.AllClose(output, want, tol); err != nil {
			return errors.Wrapf(ErrValidation, "fusion %q: output #%d (%s): %v", fd.name, ii, fd.outputs[ii].Name(), err)
		}
		if klog.V(1).Enabled() {
			klog.Infof("fusion %q: output #%d validated, max abs diff %g", fd.name, ii, tensors.MaxAbsDiff(output, want))
		}
	}
	return nil
}
