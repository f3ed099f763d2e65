// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"errors"
	"fmt"
)

// ErrInvalidCode is returned by Decode for bytes outside the instruction set.
var ErrInvalidCode = errors.New("invalid quicken opcode")

// Decode converts encoded byte code back to logical instructions. A
// collapsed prologue expands to the four instructions it replaced.
// Decoding stops at the first end-of-instructions opcode.
func Decode(arch Arch, code []byte) (Instructions, error) {
	word := int32(arch.WordSize())
	var out Instructions

	sleb := func(pos int) (int32, int, error) {
		v, n := DecodeSLEB128(code[pos:])
		if n == 0 {
			return 0, 0, fmt.Errorf("truncated operand at %d: %w", pos, ErrInvalidCode)
		}
		return int32(v), n, nil
	}
	imm7 := func(pos int) (int32, error) {
		if pos >= len(code) {
			return 0, fmt.Errorf("truncated operand at %d: %w", pos, ErrInvalidCode)
		}
		return int32(code[pos]&0x7f) << 2, nil
	}

	for pos := 0; pos < len(code); {
		c := code[pos]
		pos++
		switch {
		case c&0xc0 == CodeVSPAdd:
			out = append(out, Instruction{OpVSPOffset, int32(c&CodeVSPImmMask) << 2})
			continue
		case c&0xc0 == CodeVSPSub:
			out = append(out, Instruction{OpVSPOffset, -(int32(c&CodeVSPImmMask) << 2)})
			continue
		case c >= CodeR4Offset && c < CodeR7SLEB:
			op, ok := nibbleOp(arch, c&^CodeNibbleMask)
			if !ok {
				return nil, fmt.Errorf("%#02x on %v: %w", c, arch, ErrInvalidCode)
			}
			out = append(out, Instruction{op, int32(c&CodeNibbleMask) << 2})
			continue
		}

		fpSet, fpOffset := OpVSPSetByR7, OpR7Offset
		if arch.Is64() {
			fpSet, fpOffset = OpVSPSetByX29, OpX29Offset
		}
		switch c {
		case CodeVSPSetByR7:
			out = append(out, Instruction{Op: fpSet})
		case CodeR7Prologue:
			out = append(out, Instruction{Op: fpSet}, Instruction{OpVSPOffset, 2 * word},
				Instruction{OpLROffset, word}, Instruction{fpOffset, 2 * word})
		case CodeVSPSetByR7Imm:
			imm, err := imm7(pos)
			if err != nil {
				return nil, err
			}
			pos++
			out = append(out, Instruction{fpSet, imm})
		case CodeVSPSetBySP:
			out = append(out, Instruction{Op: OpVSPSetBySP})
		case CodeVSPSetByR10Imm:
			imm, err := imm7(pos)
			if err != nil {
				return nil, err
			}
			pos++
			out = append(out, Instruction{OpVSPSetByJNISP, imm})
		case CodeVSPSetImm, CodeVSPSLEB, CodeSPSLEB, CodeLRSLEB, CodePCSLEB,
			CodeR7SLEB, CodeR10SLEB, CodeR11SLEB:
			imm, n, err := sleb(pos)
			if err != nil {
				return nil, err
			}
			pos += n
			op, ok := slebOp(arch, c)
			if !ok {
				return nil, fmt.Errorf("%#02x on %v: %w", c, arch, ErrInvalidCode)
			}
			out = append(out, Instruction{op, imm})
		case CodeDexPCSet:
			out = append(out, Instruction{Op: OpDexPCSet})
		case CodeFinish:
			out = append(out, Instruction{Op: OpFinish})
		case CodeEndOfInstructions:
			return out, nil
		default:
			if arch.Is64() {
				return nil, fmt.Errorf("%#02x on %v: %w", c, arch, ErrInvalidCode)
			}
			switch c {
			case CodeVSPSetByR11:
				out = append(out, Instruction{Op: OpVSPSetByR11})
			case CodeR11Prologue:
				out = append(out, Instruction{Op: OpVSPSetByR11}, Instruction{OpVSPOffset, 8},
					Instruction{OpLROffset, 4}, Instruction{OpR11Offset, 8})
			case CodeVSPSetByR11Imm:
				imm, err := imm7(pos)
				if err != nil {
					return nil, err
				}
				pos++
				out = append(out, Instruction{OpVSPSetByR11, imm})
			default:
				return nil, fmt.Errorf("%#02x on %v: %w", c, arch, ErrInvalidCode)
			}
		}
	}
	return out, nil
}

func nibbleOp(arch Arch, c byte) (Op, bool) {
	switch c {
	case CodeR4Offset:
		if arch.Is64() {
			return OpX20Offset, true
		}
		return OpR4Offset, true
	case CodeR7Offset:
		return OpR7Offset, !arch.Is64()
	case CodeR10Offset:
		if arch.Is64() {
			return OpX28Offset, true
		}
		return OpR10Offset, true
	case CodeR11Offset:
		if arch.Is64() {
			return OpX29Offset, true
		}
		return OpR11Offset, true
	case CodeLROffset:
		return OpLROffset, true
	}
	return 0, false
}

func slebOp(arch Arch, c byte) (Op, bool) {
	switch c {
	case CodeVSPSetImm:
		return OpVSPSetImm, true
	case CodeVSPSLEB:
		return OpVSPOffset, true
	case CodeSPSLEB:
		return OpSPOffset, true
	case CodeLRSLEB:
		return OpLROffset, true
	case CodePCSLEB:
		return OpPCOffset, true
	case CodeR7SLEB:
		if arch.Is64() {
			return OpX20Offset, true
		}
		return OpR7Offset, true
	case CodeR10SLEB:
		if arch.Is64() {
			return OpX28Offset, true
		}
		return OpR10Offset, true
	case CodeR11SLEB:
		if arch.Is64() {
			return OpX29Offset, true
		}
		return OpR11Offset, true
	}
	return 0, false
}
