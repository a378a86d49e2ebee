// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"strings"
)

// maxStringElements is the number of leading elements included by String.
const maxStringElements = 8

// String returns a summary with the shape, device and the first few values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s@%s", t.shape, t.device)
	values := t.Float64s()
	sb.WriteString("{")
	for ii, v := range values {
		if ii == maxStringElements {
			fmt.Fprintf(&sb, ", ... (%d more)", len(values)-ii)
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
