// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package exidx // import "github.com/quickenunwind/quicken/nativeunwind/exidx"

import (
	"cmp"
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"github.com/quickenunwind/quicken/quicken"
)

var (
	// ErrRefuse is returned for the "refuse to unwind" opcode.
	ErrRefuse = errors.New("refuse to unwind")
	// ErrSpare is returned for spare and reserved opcodes.
	ErrSpare = errors.New("spare exidx opcode")
	// ErrUnsupported is returned for vsp moves from registers other than
	// r7 and r11.
	ErrUnsupported = errors.New("unsupported exidx opcode")
	// ErrTruncated is returned when the program ends inside an opcode or
	// without a finish opcode.
	ErrTruncated = errors.New("exidx program truncated")
)

// ARM core register numbers used by the pop opcodes.
const (
	regR4  = 4
	regR7  = 7
	regR10 = 10
	regR11 = 11
	regSP  = 13
	regLR  = 14
	regPC  = 15
)

// regOp returns the instruction restoring reg, if Quicken tracks it.
func regOp(reg int) (quicken.Op, bool) {
	switch reg {
	case regR4:
		return quicken.OpR4Offset, true
	case regR7:
		return quicken.OpR7Offset, true
	case regR10:
		return quicken.OpR10Offset, true
	case regR11:
		return quicken.OpR11Offset, true
	case regSP:
		return quicken.OpSPOffset, true
	case regLR:
		return quicken.OpLROffset, true
	case regPC:
		return quicken.OpPCOffset, true
	}
	return 0, false
}

// machine evaluates one EXIDX program. Popped registers remember the vsp
// they were loaded from, and are emitted relative to the final vsp when
// the pending adjustments are flushed.
type machine struct {
	prog []byte
	pos  int
	out  quicken.Instructions

	vsp     int32
	saved   [quicken.OpPCOffset + 1]int32
	pending uint8
}

func (m *machine) next() (byte, bool) {
	if m.pos >= len(m.prog) {
		return 0, false
	}
	b := m.prog[m.pos]
	m.pos++
	return b, true
}

func (m *machine) pop(reg int) {
	if op, ok := regOp(reg); ok {
		m.saved[op] = m.vsp
		m.pending |= 1 << op
	}
	m.vsp += 4
}

// flush emits the vsp adjustment and the register loads collected since
// the last flush, the loads nearest to the new vsp first.
func (m *machine) flush() {
	if m.vsp != 0 {
		m.out = append(m.out, quicken.Instruction{Op: quicken.OpVSPOffset, Imm: m.vsp})
	}
	start := len(m.out)
	spLoaded := false
	for op := quicken.OpR4Offset; op <= quicken.OpPCOffset; op++ {
		if m.pending&(1<<op) == 0 {
			continue
		}
		m.out = append(m.out, quicken.Instruction{Op: op, Imm: m.vsp - m.saved[op]})
		spLoaded = spLoaded || op == quicken.OpSPOffset
	}
	// Slots above the new vsp come last.
	slices.SortStableFunc(m.out[start:], func(a, b quicken.Instruction) int {
		switch {
		case (a.Imm < 0) != (b.Imm < 0):
			if a.Imm < 0 {
				return 1
			}
			return -1
		case a.Imm < 0:
			return 0
		}
		return cmp.Compare(a.Imm, b.Imm)
	})
	if spLoaded {
		m.out = append(m.out, quicken.Instruction{Op: quicken.OpVSPSetBySP})
	}
	m.vsp = 0
	m.pending = 0
}

// Evaluate runs an EXIDX unwind program and returns the equivalent Quicken
// instructions. The program must end with a finish opcode.
// https://github.com/ARM-software/abi-aa/blob/main/ehabi32/ehabi32.rst#frame-unwinding-instructions
func Evaluate(prog []byte) (quicken.Instructions, error) {
	m := machine{prog: prog}
	for {
		b, ok := m.next()
		if !ok {
			return nil, ErrTruncated
		}
		done, err := m.exec(b)
		if err != nil {
			return nil, fmt.Errorf("opcode %#02x at %d: %w", b, m.pos-1, err)
		}
		if done {
			m.flush()
			return m.out, nil
		}
	}
}

func (m *machine) operand() (byte, error) {
	b, ok := m.next()
	if !ok {
		return 0, ErrTruncated
	}
	return b, nil
}

// exec runs one opcode. done is set by the finish opcode.
func (m *machine) exec(b byte) (done bool, err error) {
	switch {
	case b&0xc0 == 0x00:
		// 00xxxxxx: vsp += (xxxxxx << 2) + 4
		m.vsp += int32(b&0x3f)<<2 + 4
	case b&0xc0 == 0x40:
		// 01xxxxxx: vsp -= (xxxxxx << 2) + 4
		m.vsp -= int32(b&0x3f)<<2 + 4
	case b&0xf0 == 0x80:
		// 1000iiii iiiiiiii: pop under mask {r15-r12}, {r11-r4}
		lo, err := m.operand()
		if err != nil {
			return false, err
		}
		mask := uint16(b&0xf)<<8 | uint16(lo)
		if mask == 0 {
			return false, ErrRefuse
		}
		regs := mask << 4
		for reg := regR4; reg <= regPC; reg++ {
			if regs&(1<<reg) != 0 {
				m.pop(reg)
			}
		}
		if regs&(1<<regSP) != 0 {
			m.flush()
		}
	case b&0xf0 == 0x90:
		// 1001nnnn: vsp = r[nnnn]
		var op quicken.Op
		switch reg := b & 0xf; reg {
		case 13, 15:
			return false, ErrSpare
		case regR7:
			op = quicken.OpVSPSetByR7
		case regR11:
			op = quicken.OpVSPSetByR11
		default:
			return false, fmt.Errorf("%w: vsp = r%d", ErrUnsupported, reg)
		}
		if m.pending == 0 {
			// The previous adjustments are overridden.
			m.vsp = 0
		}
		m.flush()
		m.out = append(m.out, quicken.Instruction{Op: op})
	case b&0xf0 == 0xa0:
		// 10100nnn: pop r4-r[4+nnn], 10101nnn: the same and r14
		for reg := regR4; reg <= regR4+int(b&0x7); reg++ {
			m.pop(reg)
		}
		if b&0x8 != 0 {
			m.pop(regLR)
		}
	case b == opFinish:
		return true, nil
	case b == 0xb1:
		// 10110001 0000iiii: pop under mask {r3, r2, r1, r0}
		mask, err := m.operand()
		if err != nil {
			return false, err
		}
		if mask == 0 || mask&0xf0 != 0 {
			return false, ErrSpare
		}
		m.vsp += int32(bits.OnesCount8(mask)) * 4
	case b == 0xb2:
		// 10110010 uleb128: vsp += 0x204 + (uleb128 << 2)
		var v uint32
		for shift := uint(0); ; shift += 7 {
			c, err := m.operand()
			if err != nil {
				return false, err
			}
			if shift < 32 {
				v |= uint32(c&0x7f) << shift
			}
			if c&0x80 == 0 {
				break
			}
		}
		m.vsp += 0x204 + int32(v<<2)
	case b == 0xb3:
		// 10110011 sssscccc: pop D[ssss]-D[ssss+cccc] saved by FSTMFDX
		c, err := m.operand()
		if err != nil {
			return false, err
		}
		m.vsp += int32(c&0xf)*8 + 12
	case b&0xfc == 0xb4:
		// 101101nn: spare
		return false, ErrSpare
	case b&0xf8 == 0xb8:
		// 10111nnn: pop D[8]-D[8+nnn] saved by FSTMFDX
		m.vsp += int32(b&0x7)*8 + 12
	case b == 0xc6:
		// 11000110 sssscccc: pop wR[ssss]-wR[ssss+cccc]
		c, err := m.operand()
		if err != nil {
			return false, err
		}
		m.vsp += int32(c&0xf)*8 + 8
	case b == 0xc7:
		// 11000111 0000iiii: pop wCGR registers under mask
		mask, err := m.operand()
		if err != nil {
			return false, err
		}
		if mask == 0 || mask&0xf0 != 0 {
			return false, ErrSpare
		}
		m.vsp += int32(bits.OnesCount8(mask)) * 4
	case b&0xf8 == 0xc0:
		// 11000nnn: pop wR[10]-wR[10+nnn]
		m.vsp += int32(b&0x7)*8 + 8
	case b == 0xc8, b == 0xc9:
		// 1100100x sssscccc: pop D[(16)+ssss]-D[(16)+ssss+cccc] saved by VPUSH
		c, err := m.operand()
		if err != nil {
			return false, err
		}
		m.vsp += int32(c&0xf)*8 + 8
	case b&0xf8 == 0xd0:
		// 11010nnn: pop D[8]-D[8+nnn] saved by VPUSH
		m.vsp += int32(b&0x7)*8 + 8
	default:
		// 11001yyy and 11xxxyyy
		return false, ErrSpare
	}
	return false, nil
}
