// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

// Encoded Quicken opcode bytes.
//
//	00nn nnnn           vsp = vsp + (n << 2)
//	01nn nnnn           vsp = vsp - (n << 2)
//	1000 0000           vsp = r7 (arm) / x29 (arm64)
//	1000 0001           frame pointer prologue on r7 / x29
//	1000 0010           vsp = r11
//	1000 0011           frame pointer prologue on r11
//	1000 0100           vsp = sp
//	1000 0101 0nnn nnnn vsp = r7 / x29 + (n << 2)
//	1000 0110 0nnn nnnn vsp = r11 + (n << 2)
//	1001 0101 0nnn nnnn vsp = r10 / x28 + (n << 2)
//	1001 0110 sleb      vsp = sleb
//	1001 0111           dex pc = r4 / x20
//	1001 1001           end of instructions
//	1001 1111           finish
//	1010 nnnn           r4 / x20 = [vsp - (n << 2)]
//	1011 nnnn           r7 = [vsp - (n << 2)] (arm only)
//	1100 nnnn           r10 / x28 = [vsp - (n << 2)]
//	1101 nnnn           r11 / x29 = [vsp - (n << 2)]
//	1110 nnnn           lr = [vsp - (n << 2)]
//	1111 1001 sleb      r7 / x20 = [vsp - sleb]
//	1111 1010 sleb      r10 / x28 = [vsp - sleb]
//	1111 1011 sleb      r11 / x29 = [vsp - sleb]
//	1111 1100 sleb      sp = [vsp - sleb]
//	1111 1101 sleb      lr = [vsp - sleb]
//	1111 1110 sleb      pc = [vsp - sleb]
//	1111 1111 sleb      vsp = vsp + sleb
const (
	CodeVSPAdd     byte = 0x00
	CodeVSPSub     byte = 0x40
	CodeVSPImmMask byte = 0x3f

	CodeVSPSetByR7        byte = 0x80
	CodeR7Prologue        byte = 0x81
	CodeVSPSetByR11       byte = 0x82
	CodeR11Prologue       byte = 0x83
	CodeVSPSetBySP        byte = 0x84
	CodeVSPSetByR7Imm     byte = 0x85
	CodeVSPSetByR11Imm    byte = 0x86
	CodeVSPSetByR10Imm    byte = 0x95
	CodeVSPSetImm         byte = 0x96
	CodeDexPCSet          byte = 0x97
	CodeEndOfInstructions byte = 0x99
	CodeFinish            byte = 0x9f
	CodeR4Offset          byte = 0xa0
	CodeR7Offset          byte = 0xb0
	CodeR10Offset         byte = 0xc0
	CodeR11Offset         byte = 0xd0
	CodeLROffset          byte = 0xe0
	CodeR7SLEB            byte = 0xf9
	CodeR10SLEB           byte = 0xfa
	CodeR11SLEB           byte = 0xfb
	CodeSPSLEB            byte = 0xfc
	CodeLRSLEB            byte = 0xfd
	CodePCSLEB            byte = 0xfe
	CodeVSPSLEB           byte = 0xff

	// arm64 reuses the arm32 encodings for its own registers.
	CodeVSPSetByX29    = CodeVSPSetByR7
	CodeX29Prologue    = CodeR7Prologue
	CodeVSPSetByX29Imm = CodeVSPSetByR7Imm
	CodeVSPSetByX28Imm = CodeVSPSetByR10Imm
	CodeX20Offset      = CodeR4Offset
	CodeX28Offset      = CodeR10Offset
	CodeX29Offset      = CodeR11Offset
	CodeX20SLEB        = CodeR7SLEB
	CodeX28SLEB        = CodeR10SLEB
	CodeX29SLEB        = CodeR11SLEB

	// CodeNibbleMask extracts the offset of the one byte register loads.
	CodeNibbleMask byte = 0x0f
)

const (
	// maxVSPShortOffset is the largest vsp delta packed into the opcode.
	maxVSPShortOffset = 0xfc
	// maxNibbleOffset is the largest register offset packed into the opcode.
	maxNibbleOffset = 0x3c
	// maxSevenBitOffset is the largest frame relative vsp offset.
	maxSevenBitOffset = 0x1fc
)
