// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// DWARF Expression Opcodes
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
// The subset that can be folded into a constant plus the register reads
// needed to spot dex pc expressions.
type expressionOpcode uint8

const (
	opAddr       expressionOpcode = 0x03
	opDeref      expressionOpcode = 0x06
	opConst1U    expressionOpcode = 0x08
	opConst1S    expressionOpcode = 0x09
	opConst2U    expressionOpcode = 0x0a
	opConst2S    expressionOpcode = 0x0b
	opConst4U    expressionOpcode = 0x0c
	opConst4S    expressionOpcode = 0x0d
	opConst8U    expressionOpcode = 0x0e
	opConst8S    expressionOpcode = 0x0f
	opConstU     expressionOpcode = 0x10
	opConstS     expressionOpcode = 0x11
	opDup        expressionOpcode = 0x12
	opDrop       expressionOpcode = 0x13
	opOver       expressionOpcode = 0x14
	opSwap       expressionOpcode = 0x16
	opAbs        expressionOpcode = 0x19
	opAnd        expressionOpcode = 0x1a
	opMinus      expressionOpcode = 0x1c
	opMul        expressionOpcode = 0x1e
	opNeg        expressionOpcode = 0x1f
	opNot        expressionOpcode = 0x20
	opOr         expressionOpcode = 0x21
	opPlus       expressionOpcode = 0x22
	opPlusUConst expressionOpcode = 0x23
	opShl        expressionOpcode = 0x24
	opShr        expressionOpcode = 0x25
	opShra       expressionOpcode = 0x26
	opXor        expressionOpcode = 0x27
	opLit0       expressionOpcode = 0x30
	opLit31      expressionOpcode = 0x4f
	opBReg0      expressionOpcode = 0x70
	opBReg31     expressionOpcode = 0x8f
	opBRegX      expressionOpcode = 0x92
	opNop        expressionOpcode = 0x96
)

// dexPCMarker is the DW_OP_const4u operand ART puts in front of the
// expression describing the dex pc register: the string "DEX1".
const dexPCMarker = 0x31584544

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustFuncRel encoding = 0x40
	encAdjustAligned encoding = 0x50
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)
