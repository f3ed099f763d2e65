// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"fmt"
	"slices"
	"strings"
)

// Op is a logical Quicken instruction before encoding.
type Op uint8

// The numbering is part of the persisted intermediate format, do not reorder.
const (
	OpR4Offset Op = iota
	OpR7Offset
	OpR10Offset
	OpR11Offset
	OpSPOffset
	OpLROffset
	OpPCOffset
	OpX20Offset
	OpX28Offset
	OpX29Offset
	OpVSPOffset
	OpVSPSetImm
	OpVSPSetByR7
	OpVSPSetByR11
	OpVSPSetByX29
	OpVSPSetBySP
	OpVSPSetByJNISP
	OpDexPCSet
	OpEndOfInstructions
	OpFinish
	OpNop
)

var opNames = [...]string{
	OpR4Offset:          "r4_offset",
	OpR7Offset:          "r7_offset",
	OpR10Offset:         "r10_offset",
	OpR11Offset:         "r11_offset",
	OpSPOffset:          "sp_offset",
	OpLROffset:          "lr_offset",
	OpPCOffset:          "pc_offset",
	OpX20Offset:         "x20_offset",
	OpX28Offset:         "x28_offset",
	OpX29Offset:         "x29_offset",
	OpVSPOffset:         "vsp_offset",
	OpVSPSetImm:         "vsp_set_imm",
	OpVSPSetByR7:        "vsp_set_by_r7",
	OpVSPSetByR11:       "vsp_set_by_r11",
	OpVSPSetByX29:       "vsp_set_by_x29",
	OpVSPSetBySP:        "vsp_set_by_sp",
	OpVSPSetByJNISP:     "vsp_set_by_jni_sp",
	OpDexPCSet:          "dex_pc_set",
	OpEndOfInstructions: "end",
	OpFinish:            "finish",
	OpNop:               "nop",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Instruction is one logical Quicken instruction with its immediate.
// For register offsets the immediate is the distance below the virtual
// stack pointer the register was saved at.
type Instruction struct {
	Op  Op
	Imm int32
}

func (i Instruction) String() string {
	switch i.Op {
	case OpEndOfInstructions, OpFinish, OpNop, OpVSPSetBySP, OpDexPCSet:
		return i.Op.String()
	default:
		return fmt.Sprintf("%s(%d)", i.Op, i.Imm)
	}
}

// Instructions is the instruction list describing one address range.
type Instructions []Instruction

// Equal reports if both lists hold the same instructions in the same order.
func (is Instructions) Equal(other Instructions) bool {
	return slices.Equal(is, other)
}

func (is Instructions) String() string {
	var sb strings.Builder
	for i, ins := range is {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(ins.String())
	}
	return sb.String()
}

// FramePointerSetOps returns the vsp-from-frame-pointer instructions valid
// for the architecture.
func FramePointerSetOps(arch Arch) []Op {
	if arch.Is64() {
		return []Op{OpVSPSetByX29}
	}
	return []Op{OpVSPSetByR7, OpVSPSetByR11}
}

// frameRegisterOffsetOp returns the register load that pairs with a vsp set
// from the frame pointer in a standard prologue.
func frameRegisterOffsetOp(op Op) Op {
	switch op {
	case OpVSPSetByR7:
		return OpR7Offset
	case OpVSPSetByR11:
		return OpR11Offset
	default:
		return OpX29Offset
	}
}

// ValidFor reports if the instruction exists on the given architecture.
func (op Op) ValidFor(arch Arch) bool {
	switch op {
	case OpR4Offset, OpR7Offset, OpR10Offset, OpR11Offset,
		OpVSPSetByR7, OpVSPSetByR11:
		return !arch.Is64()
	case OpX20Offset, OpX28Offset, OpX29Offset, OpVSPSetByX29:
		return arch.Is64()
	case OpNop:
		return false
	default:
		return op <= OpFinish
	}
}
