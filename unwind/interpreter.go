// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/quickenunwind/quicken/unwind"

import (
	"errors"

	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
)

// The step errors are preallocated values: Step runs where allocation is
// not allowed.
var (
	// ErrUnwindInfo is returned when no table entry covers the pc.
	ErrUnwindInfo = errors.New("no unwind info for pc")
	// ErrNoEntryData is returned for entries that carry no instructions.
	ErrNoEntryData = errors.New("unwind entry has no instructions")
	// ErrInvalidInstruction is returned for opcodes outside the instruction set.
	ErrInvalidInstruction = errors.New("invalid quicken instruction")
	// ErrTruncatedInstruction is returned when an operand runs past the entry.
	ErrTruncatedInstruction = errors.New("truncated quicken instruction")
	// ErrReadStack is returned when a stack slot cannot be read.
	ErrReadStack = errors.New("failed to read stack")
)

// StepContext is the state updated by one unwind step.
type StepContext struct {
	Regs Regs
	// DexPC is the interpreter pc recovered by the step, zero if none.
	DexPC uint64
	// Finished is set when the recovered pc is zero.
	Finished bool
}

// machine evaluates the instructions of one table entry.
type machine struct {
	arch  quicken.Arch
	mem   Memory
	regs  Regs
	cfa   uint64
	dexPC uint64
	pcSet bool
}

// Step looks up the entry covering pc in t and applies it to ctx. The
// registers in ctx are only updated when the step succeeds.
func Step(t *table.Table, pc uint64, ctx *StepContext, mem Memory) error {
	idx, ok := t.Lookup(pc)
	if !ok {
		return ErrUnwindInfo
	}
	cur := t.Cursor(idx)
	m := machine{
		arch: t.Arch,
		mem:  mem,
		regs: ctx.Regs,
		cfa:  ctx.Regs[RegSP],
	}
	if err := m.run(&cur); err != nil {
		return err
	}

	if !m.pcSet {
		m.regs[RegPC] = m.regs[RegLR]
	}
	m.regs[RegSP] = m.cfa & t.Arch.WordMask()
	ctx.Regs = m.regs
	ctx.DexPC = m.dexPC
	ctx.Finished = m.regs[RegPC] == 0
	return nil
}

func (m *machine) run(c *table.Cursor) error {
	executed := false
	for {
		b, ok := c.Next()
		if !ok || b == quicken.CodeEndOfInstructions {
			if !executed {
				return ErrNoEntryData
			}
			return nil
		}
		executed = true
		done, err := m.exec(b, c)
		if err != nil || done {
			return err
		}
	}
}

// load sets register reg from the stack slot off bytes below the cfa.
func (m *machine) load(reg int, off uint64) error {
	v, ok := readWord(m.mem, m.arch, m.cfa-off)
	if !ok {
		return ErrReadStack
	}
	m.regs[reg] = v
	return nil
}

func (m *machine) prologue(fp int) error {
	word := uint64(m.arch.WordSize())
	m.cfa = m.regs[fp] + 2*word
	if err := m.load(RegLR, word); err != nil {
		return err
	}
	return m.load(fp, 2*word)
}

// exec runs one opcode. done is set when the entry stops early.
func (m *machine) exec(b byte, c *table.Cursor) (done bool, err error) {
	is64 := m.arch.Is64()
	fp := RegR7
	if is64 {
		fp = RegX29
	}

	switch {
	case b&0xc0 == quicken.CodeVSPAdd:
		m.cfa += uint64(b&quicken.CodeVSPImmMask) << 2
		return false, nil
	case b&0xc0 == quicken.CodeVSPSub:
		m.cfa -= uint64(b&quicken.CodeVSPImmMask) << 2
		return false, nil
	case b >= quicken.CodeR4Offset && b < quicken.CodeR7SLEB:
		off := uint64(b&quicken.CodeNibbleMask) << 2
		switch b &^ quicken.CodeNibbleMask {
		case quicken.CodeR4Offset:
			return false, m.load(RegR4, off)
		case quicken.CodeR7Offset:
			if is64 {
				return false, ErrInvalidInstruction
			}
			return false, m.load(RegR7, off)
		case quicken.CodeR10Offset:
			return false, m.load(RegR10, off)
		case quicken.CodeR11Offset:
			if err := m.load(RegR11, off); err != nil {
				return false, err
			}
			// A zero frame pointer on arm64 is the outermost frame.
			return is64 && m.regs[RegX29] == 0, nil
		case quicken.CodeLROffset:
			return false, m.load(RegLR, off)
		}
		return false, ErrInvalidInstruction
	}

	switch b {
	case quicken.CodeVSPSetByR7:
		m.cfa = m.regs[fp]
	case quicken.CodeR7Prologue:
		return false, m.prologue(fp)
	case quicken.CodeVSPSetBySP:
		m.cfa = m.regs[RegSP]
	case quicken.CodeVSPSetByR7Imm:
		imm, err := readImm7(c)
		if err != nil {
			return false, err
		}
		m.cfa = m.regs[fp] + imm
	case quicken.CodeVSPSetByR10Imm:
		imm, err := readImm7(c)
		if err != nil {
			return false, err
		}
		m.cfa = m.regs[RegR10] + imm
	case quicken.CodeVSPSetImm:
		v, err := readSLEB(c)
		if err != nil {
			return false, err
		}
		m.cfa = uint64(v)
	case quicken.CodeDexPCSet:
		m.dexPC = m.regs[RegR4]
	case quicken.CodeFinish:
		m.regs[RegPC] = 0
		m.regs[RegLR] = 0
		return true, nil
	case quicken.CodeVSPSLEB:
		v, err := readSLEB(c)
		if err != nil {
			return false, err
		}
		m.cfa += uint64(v)
	case quicken.CodeR7SLEB, quicken.CodeR10SLEB, quicken.CodeR11SLEB,
		quicken.CodeSPSLEB, quicken.CodeLRSLEB, quicken.CodePCSLEB:
		v, err := readSLEB(c)
		if err != nil {
			return false, err
		}
		reg := slebRegister(b, is64)
		if err := m.load(reg, uint64(v)); err != nil {
			return false, err
		}
		switch {
		case reg == RegPC:
			m.pcSet = true
		case is64 && reg == RegX29:
			return m.regs[RegX29] == 0, nil
		}
	case quicken.CodeVSPSetByR11, quicken.CodeR11Prologue, quicken.CodeVSPSetByR11Imm:
		if is64 {
			return false, ErrInvalidInstruction
		}
		switch b {
		case quicken.CodeVSPSetByR11:
			m.cfa = m.regs[RegR11]
		case quicken.CodeR11Prologue:
			return false, m.prologue(RegR11)
		default:
			imm, err := readImm7(c)
			if err != nil {
				return false, err
			}
			m.cfa = m.regs[RegR11] + imm
		}
	default:
		return false, ErrInvalidInstruction
	}
	return false, nil
}

func slebRegister(b byte, is64 bool) int {
	switch b {
	case quicken.CodeR7SLEB:
		if is64 {
			return RegX20
		}
		return RegR7
	case quicken.CodeR10SLEB:
		return RegR10
	case quicken.CodeR11SLEB:
		return RegR11
	case quicken.CodeSPSLEB:
		return RegSP
	case quicken.CodeLRSLEB:
		return RegLR
	default:
		return RegPC
	}
}

func readImm7(c *table.Cursor) (uint64, error) {
	b, ok := c.Next()
	if !ok {
		return 0, ErrTruncatedInstruction
	}
	return uint64(b&0x7f) << 2, nil
}

func readSLEB(c *table.Cursor) (int64, error) {
	var val int64
	shift := uint(0)
	for {
		b, ok := c.Next()
		if !ok {
			return 0, ErrTruncatedInstruction
		}
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				val |= -1 << shift
			}
			return val, nil
		}
	}
}
