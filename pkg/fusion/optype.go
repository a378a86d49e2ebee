// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import "strconv"

// OpType enumerates the operations of a fusion definition.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeSize
	OpTypeVector
	OpTypeCast
	OpTypeNeg
	OpTypeExp
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeSum
	OpTypeMax
	OpTypeBroadcastInDim

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:        "invalid",
	OpTypeParameter:      "define_tensor",
	OpTypeConstant:       "define_scalar",
	OpTypeSize:           "size",
	OpTypeVector:         "define_vector",
	OpTypeCast:           "cast",
	OpTypeNeg:            "neg",
	OpTypeExp:            "exp",
	OpTypeAdd:            "add",
	OpTypeSub:            "sub",
	OpTypeMul:            "mul",
	OpTypeDiv:            "div",
	OpTypeSum:            "sum",
	OpTypeMax:            "max",
	OpTypeBroadcastInDim: "broadcast_in_dim",
}

// String returns the name of the op as printed in a fusion definition.
func (op OpType) String() string {
	if op >= 0 && op < OpTypeLast {
		return opTypeNames[op]
	}
	return "OpType(" + strconv.Itoa(int(op)) + ")"
}

// IsReduction returns whether the op reduces axes of its operand.
func (op OpType) IsReduction() bool {
	return op == OpTypeSum || op == OpTypeMax
}

// IsBinary returns whether the op is an element-wise binary op.
func (op OpType) IsBinary() bool {
	return op >= OpTypeAdd && op <= OpTypeDiv
}
