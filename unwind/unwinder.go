// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/quickenunwind/quicken/unwind"

import (
	"errors"
	"fmt"

	"github.com/quickenunwind/quicken/quicken"
)

var (
	// ErrInvalidMap is returned when a pc is not inside any module.
	ErrInvalidMap = errors.New("pc outside known mappings")
	// ErrMaxFrames is returned when the frame limit is reached.
	ErrMaxFrames = errors.New("max frames exceeded")
	// ErrRepeatedFrame is returned when a step leaves pc and sp unchanged.
	ErrRepeatedFrame = errors.New("repeated frame")
)

// DefaultMaxFrames is the frame limit used when none is configured.
const DefaultMaxFrames = 256

// Frame is one unwound frame.
type Frame struct {
	// PC is the absolute pc, adjusted to point into the call instruction
	// for all but the first frame. For dex frames it holds the dex pc.
	PC uint64
	// RelPC is PC in the address space of Module.
	RelPC uint64
	SP    uint64
	// IsDexPC marks interpreted frames recovered from the dex pc register.
	IsDexPC bool
	Module  *Module
}

func (f Frame) String() string {
	name := "?"
	if f.Module != nil {
		name = f.Module.Name
	}
	if f.IsDexPC {
		return fmt.Sprintf("dex pc %#x (%s)", f.PC, name)
	}
	return fmt.Sprintf("pc %#x rel %#x sp %#x (%s)", f.PC, f.RelPC, f.SP, name)
}

// Unwinder walks the frames of one thread.
type Unwinder struct {
	Arch    quicken.Arch
	Modules Modules
	// Stack reads the stack of the unwound thread.
	Stack Memory
	// Code reads executable memory for thumb instruction size detection.
	// The unwinder assumes 2 byte instructions when it is nil.
	Code      Memory
	MaxFrames int
}

// Unwind walks the stack starting at regs. The frames found before an
// error are returned together with it.
func (u *Unwinder) Unwind(regs Regs) ([]Frame, error) {
	maxFrames := u.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	frames := make([]Frame, 0, min(maxFrames, 64))
	ctx := StepContext{Regs: regs}
	var last *Module
	adjust := false

	for len(frames) < maxFrames {
		pc := ctx.Regs[RegPC]
		sp := ctx.Regs[RegSP]

		mod := last
		if mod == nil || !mod.Contains(pc) {
			var ok bool
			if mod, ok = u.Modules.Find(pc); !ok {
				return frames, fmt.Errorf("%w: pc %#x", ErrInvalidMap, pc)
			}
			last = mod
		}

		relPC := mod.RelPC(pc)
		adjustment := uint64(0)
		if adjust {
			adjustment = u.pcAdjustment(mod, pc, relPC)
		}

		if ctx.DexPC != 0 {
			frames = append(frames, Frame{PC: ctx.DexPC, SP: sp, IsDexPC: true, Module: mod})
			ctx.DexPC = 0
			if len(frames) >= maxFrames {
				return frames, ErrMaxFrames
			}
		}
		frames = append(frames, Frame{
			PC:     pc - adjustment,
			RelPC:  relPC - adjustment,
			SP:     sp,
			Module: mod,
		})
		adjust = true
		if len(frames) >= maxFrames {
			return frames, ErrMaxFrames
		}

		if err := mod.Step(relPC-adjustment, &ctx, u.Stack); err != nil {
			return frames, fmt.Errorf("step at %#x in %s: %w", relPC-adjustment, mod.Name, err)
		}
		if ctx.Finished {
			return frames, nil
		}
		if ctx.Regs[RegPC] == pc && ctx.Regs[RegSP] == sp {
			return frames, ErrRepeatedFrame
		}
	}
	return frames, ErrMaxFrames
}

// pcAdjustment returns how far the return address is past the start of
// the call instruction.
func (u *Unwinder) pcAdjustment(mod *Module, pc, relPC uint64) uint64 {
	if u.Arch.Is64() {
		if relPC < 4 {
			return 0
		}
		return 4
	}

	if relPC < mod.LoadBias {
		if relPC < 2 {
			return 0
		}
		return 2
	}
	if adjusted := relPC - mod.LoadBias; adjusted < 5 {
		if adjusted < 2 {
			return 0
		}
		return 2
	}
	if pc&1 != 0 {
		// Thumb: the call is 4 bytes only for a 32-bit BL/BLX encoding.
		addr := pc - 5
		if u.Code == nil || addr < mod.Start || addr+4 >= mod.End {
			return 2
		}
		v, ok := u.Code.ReadUint32(addr)
		if !ok || v&0xe000f000 != 0xe000f000 {
			return 2
		}
	}
	return 4
}
