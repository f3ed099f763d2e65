// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"errors"
	"fmt"
)

var (
	// ErrImmNotAligned is returned when an immediate is not 4-byte aligned.
	ErrImmNotAligned = errors.New("immediate not aligned")
	// ErrEncodeOverflow is returned when an immediate does not fit its encoding.
	ErrEncodeOverflow = errors.New("immediate overflows encoding")
	// ErrUnsupportedOp is returned for instructions the architecture lacks.
	ErrUnsupportedOp = errors.New("unsupported instruction")
)

// badEntry is the encoding of an entry that failed to encode. The
// interpreter stops at this entry instead of using partial instructions.
var badEntry = []byte{CodeEndOfInstructions}

// Encode serializes instructions into the Quicken byte code of arch.
// prologue reports if a standard frame pointer prologue was collapsed into
// a single opcode. On failure the returned bytes hold a single
// end-of-instructions opcode.
func Encode(arch Arch, ins Instructions) (encoded []byte, prologue bool, err error) {
	encoded = make([]byte, 0, len(ins)+2)
	for i := 0; i < len(ins); i++ {
		in := ins[i]
		if !in.Op.ValidFor(arch) {
			return fail(fmt.Errorf("%w: %v on %v", ErrUnsupportedOp, in.Op, arch))
		}
		if in.Imm&3 != 0 {
			return fail(fmt.Errorf("%w: %v", ErrImmNotAligned, in))
		}
		imm := in.Imm

		switch in.Op {
		case OpVSPOffset:
			switch {
			case imm >= 0 && imm <= maxVSPShortOffset:
				encoded = append(encoded, CodeVSPAdd|byte(imm>>2))
			case imm < 0 && imm >= -maxVSPShortOffset:
				encoded = append(encoded, CodeVSPSub|byte((-imm)>>2))
			default:
				encoded = AppendSLEB128(append(encoded, CodeVSPSLEB), int64(imm))
			}
		case OpVSPSetByR7, OpVSPSetByR11, OpVSPSetByX29:
			if imm != 0 {
				if imm < 0 || imm > maxSevenBitOffset {
					return fail(fmt.Errorf("%w: %v", ErrEncodeOverflow, in))
				}
				encoded = append(encoded, vspSetByFPImmCode(in.Op), byte(imm>>2))
				break
			}
			if matchPrologue(arch, in.Op, ins[i+1:]) {
				encoded = append(encoded, prologueCode(in.Op))
				prologue = true
				i += 3
				break
			}
			encoded = append(encoded, vspSetByFPCode(in.Op))
		case OpVSPSetBySP:
			encoded = append(encoded, CodeVSPSetBySP)
		case OpVSPSetByJNISP:
			if imm < 0 || imm > maxSevenBitOffset {
				return fail(fmt.Errorf("%w: %v", ErrEncodeOverflow, in))
			}
			encoded = append(encoded, CodeVSPSetByR10Imm, byte(imm>>2))
		case OpVSPSetImm:
			encoded = AppendSLEB128(append(encoded, CodeVSPSetImm), int64(imm))
		case OpDexPCSet:
			encoded = append(encoded, CodeDexPCSet)
		case OpEndOfInstructions:
			encoded = append(encoded, CodeEndOfInstructions)
		case OpFinish:
			encoded = append(encoded, CodeFinish)
		case OpSPOffset:
			encoded = AppendSLEB128(append(encoded, CodeSPSLEB), int64(imm))
		case OpPCOffset:
			encoded = AppendSLEB128(append(encoded, CodePCSLEB), int64(imm))
		default:
			nibble, sleb, ok := registerCodes(in.Op)
			if !ok {
				return fail(fmt.Errorf("%w: %v on %v", ErrUnsupportedOp, in.Op, arch))
			}
			switch {
			case imm >= 0 && imm <= maxNibbleOffset:
				encoded = append(encoded, nibble|byte(imm>>2))
			case sleb == 0:
				// r4 on arm has no long form.
				return fail(fmt.Errorf("%w: %v", ErrEncodeOverflow, in))
			default:
				encoded = AppendSLEB128(append(encoded, sleb), int64(imm))
			}
		}
	}
	return encoded, prologue, nil
}

func fail(err error) ([]byte, bool, error) {
	return append([]byte(nil), badEntry...), false, err
}

// matchPrologue checks if next starts with the register saves of a
// standard frame: the caller frame sits two words above the frame pointer
// with lr saved right below it and the frame pointer below lr.
func matchPrologue(arch Arch, setOp Op, next Instructions) bool {
	if len(next) < 3 {
		return false
	}
	word := int32(arch.WordSize())
	vsp, lr, fp := next[0], next[1], next[2]
	return vsp.Op == OpVSPOffset && vsp.Imm == 2*word &&
		lr.Op == OpLROffset && lr.Imm == vsp.Imm-word &&
		fp.Op == frameRegisterOffsetOp(setOp) && fp.Imm == vsp.Imm
}

func vspSetByFPCode(op Op) byte {
	if op == OpVSPSetByR11 {
		return CodeVSPSetByR11
	}
	return CodeVSPSetByR7
}

func vspSetByFPImmCode(op Op) byte {
	if op == OpVSPSetByR11 {
		return CodeVSPSetByR11Imm
	}
	return CodeVSPSetByR7Imm
}

func prologueCode(op Op) byte {
	if op == OpVSPSetByR11 {
		return CodeR11Prologue
	}
	return CodeR7Prologue
}

// registerCodes returns the one byte and the SLEB128 opcode of a register
// load. A zero SLEB128 opcode means the register has no long form.
func registerCodes(op Op) (nibble, sleb byte, ok bool) {
	switch op {
	case OpR4Offset:
		return CodeR4Offset, 0, true
	case OpR7Offset:
		return CodeR7Offset, CodeR7SLEB, true
	case OpR10Offset:
		return CodeR10Offset, CodeR10SLEB, true
	case OpR11Offset:
		return CodeR11Offset, CodeR11SLEB, true
	case OpX20Offset:
		return CodeX20Offset, CodeX20SLEB, true
	case OpX28Offset:
		return CodeX28Offset, CodeX28SLEB, true
	case OpX29Offset:
		return CodeX29Offset, CodeX29SLEB, true
	case OpLROffset:
		return CodeLROffset, CodeLRSLEB, true
	default:
		return 0, 0, false
	}
}
