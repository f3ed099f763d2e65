// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind executes Quicken tables to recover caller frames.
package unwind // import "github.com/quickenunwind/quicken/unwind"

import (
	"fmt"

	"github.com/quickenunwind/quicken/quicken"
)

// Register slots of Regs. arm64 maps its registers onto the arm slots with
// the same role: x20 holds the dex pc like r4, x28 the JNI stack pointer
// like r10 and x29 is the frame pointer like r11.
const (
	RegR4 = iota
	RegR7
	RegR10
	RegR11
	RegSP
	RegLR
	RegPC

	NumRegs

	RegX20 = RegR4
	RegX28 = RegR10
	RegX29 = RegR11
)

// Regs is the minimal register file needed to step through Quicken tables.
type Regs [NumRegs]uint64

// String formats the registers with the names used by arch.
func (r *Regs) String(arch quicken.Arch) string {
	if arch.Is64() {
		return fmt.Sprintf("x20=%#x x28=%#x x29=%#x sp=%#x lr=%#x pc=%#x",
			r[RegX20], r[RegX28], r[RegX29], r[RegSP], r[RegLR], r[RegPC])
	}
	return fmt.Sprintf("r4=%#x r7=%#x r10=%#x r11=%#x sp=%#x lr=%#x pc=%#x",
		r[RegR4], r[RegR7], r[RegR10], r[RegR11], r[RegSP], r[RegLR], r[RegPC])
}
